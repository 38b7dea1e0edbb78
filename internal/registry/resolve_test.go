package registry

import (
	"context"
	"errors"
	"testing"

	"wacron/internal/engine"
)

func TestNormalizeNumber(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"1234567890", "1234567890"},
		{"+49 170 1234567", "491701234567"},
		{"+1-202-555-0143", "12025550143"},
		{"+1 234-567", "1234567"},
		{"  62 812\t345 ", "62812345"},
	}
	for _, tt := range tests {
		if got := normalizeNumber(tt.in); got != tt.want {
			t.Errorf("normalizeNumber(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveChatDirect(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r, _ := newTestRegistry(t, Config{}, d)

	got, err := r.ResolveChat(context.Background(), "u1", "+1 202-555-0143", false)
	if err != nil {
		t.Fatalf("ResolveChat error: %v", err)
	}
	if want := "12025550143@s.whatsapp.net"; got != want {
		t.Fatalf("ResolveChat = %q, want %q", got, want)
	}
}

func TestResolveChatGroup(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{groups: []engine.Group{
		{ID: "g1", Name: "Family Chat"},
		{ID: "g2", Name: "family chat"},
		{ID: "g3", Name: "Work"},
	}}
	r, _ := newTestRegistry(t, Config{}, d)

	ctx := context.Background()
	if err := r.Connect(ctx, "u1"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	d.events().Open()

	// Case-insensitive match, first hit in directory order wins.
	got, err := r.ResolveChat(ctx, "u1", "FAMILY CHAT", true)
	if err != nil {
		t.Fatalf("ResolveChat error: %v", err)
	}
	if got != "g1" {
		t.Fatalf("ResolveChat = %q, want g1", got)
	}

	if _, err := r.ResolveChat(ctx, "u1", "Book Club", true); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("ResolveChat for missing group = %v, want ErrChatNotFound", err)
	}
}

func TestResolveChatGroupNotConnected(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r, _ := newTestRegistry(t, Config{}, d)

	if _, err := r.ResolveChat(context.Background(), "u1", "Work", true); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ResolveChat while disconnected = %v, want ErrNotConnected", err)
	}
}
