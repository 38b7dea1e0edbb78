package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"wacron/internal/eventbus"
	"wacron/internal/storage"
	logx "wacron/pkg/logx"
)

type fakeSource struct {
	mu   sync.Mutex
	rows []storage.Schedule
}

func (f *fakeSource) ListEnabledSchedules(context.Context) ([]storage.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Schedule
	for _, r := range f.rows {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSource) ListSchedules(_ context.Context, userID string) ([]storage.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Schedule
	for _, r := range f.rows {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeResolver struct {
	chatID string
	err    error
}

func (f *fakeResolver) ResolveChat(context.Context, string, string, bool) (string, error) {
	return f.chatID, f.err
}

type fakeSender struct {
	mu   sync.Mutex
	ok   bool
	sent []string
}

func (f *fakeSender) Send(_ context.Context, _, chatID, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID)
	return f.ok
}

type captureBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *captureBus) Publish(e eventbus.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *captureBus) Subscribe(int) (<-chan eventbus.Event, func()) {
	return nil, func() {}
}

func (b *captureBus) last(t *testing.T) eventbus.Delivery {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		t.Fatal("no delivery event published")
	}
	d, ok := b.events[len(b.events)-1].Data.(eventbus.Delivery)
	if !ok {
		t.Fatalf("event payload is %T, want eventbus.Delivery", b.events[len(b.events)-1].Data)
	}
	return d
}

func sched(id, userID, cronExpr string, enabled bool) storage.Schedule {
	return storage.Schedule{
		ID:       id,
		UserID:   userID,
		Target:   "Family",
		IsGroup:  true,
		Message:  "hello",
		CronExpr: cronExpr,
		Enabled:  enabled,
	}
}

func newTestService(t *testing.T, src ScheduleSource) *Service {
	t.Helper()
	s := New(Config{Timezone: "UTC"}, src, &fakeResolver{chatID: "g1"}, &fakeSender{ok: true}, nil, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(s.Shutdown)
	return s
}

func TestValidate(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeSource{}, &fakeResolver{}, &fakeSender{}, nil, logx.Nop())

	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "every five minutes", expr: "*/5 * * * *"},
		{name: "daily at nine", expr: "0 9 * * *"},
		{name: "weekday range", expr: "30 8 * * 1-5"},
		{name: "garbage", expr: "not a cron", wantErr: true},
		{name: "six fields", expr: "0 0 0 * * *", wantErr: true},
		{name: "descriptor", expr: "@daily", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(tt.expr)
			if tt.wantErr && !errors.Is(err, ErrInvalidSpec) {
				t.Fatalf("Validate(%q) = %v, want ErrInvalidSpec", tt.expr, err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate(%q) error: %v", tt.expr, err)
			}
		})
	}
}

func TestUpsertLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestService(t, &fakeSource{})

	if err := s.Upsert(sched("s1", "u1", "*/5 * * * *", true)); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if got := s.Count(); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}

	// Editing in place swaps the timer, not adds one.
	if err := s.Upsert(sched("s1", "u1", "0 12 * * *", true)); err != nil {
		t.Fatalf("Upsert edit error: %v", err)
	}
	if got := s.Count(); got != 1 {
		t.Fatalf("Count after edit = %d, want 1", got)
	}

	// Disabling tears the timer down.
	if err := s.Upsert(sched("s1", "u1", "0 12 * * *", false)); err != nil {
		t.Fatalf("Upsert disable error: %v", err)
	}
	if got := s.Count(); got != 0 {
		t.Fatalf("Count after disable = %d, want 0", got)
	}

	// Re-enabling recreates the timer.
	if err := s.Upsert(sched("s1", "u1", "0 12 * * *", true)); err != nil {
		t.Fatalf("Upsert re-enable error: %v", err)
	}
	if got := s.Count(); got != 1 {
		t.Fatalf("Count after re-enable = %d, want 1", got)
	}

	// An invalid edit tears down the old timer and arms nothing.
	if err := s.Upsert(sched("s1", "u1", "bogus", true)); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("Upsert invalid = %v, want ErrInvalidSpec", err)
	}
	if got := s.Count(); got != 0 {
		t.Fatalf("Count after invalid edit = %d, want 0", got)
	}

	s.Remove("never-existed") // no-op
}

func TestUpsertThenRemoveRestoresCount(t *testing.T) {
	t.Parallel()
	s := newTestService(t, &fakeSource{})

	if err := s.Upsert(sched("base", "u1", "0 6 * * *", true)); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	before := s.Count()

	if err := s.Upsert(sched("extra", "u1", "0 9 * * *", true)); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	s.Remove("extra")
	if got := s.Count(); got != before {
		t.Fatalf("Count = %d, want %d after upsert+remove", got, before)
	}
}

func TestUpsertBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeSource{}, &fakeResolver{}, &fakeSender{}, nil, logx.Nop())
	if err := s.Upsert(sched("s1", "u1", "*/5 * * * *", true)); err == nil {
		t.Fatal("expected error before Start")
	}
}

func TestLoadAllSkipsDisabledAndBroken(t *testing.T) {
	t.Parallel()
	src := &fakeSource{rows: []storage.Schedule{
		sched("s1", "u1", "*/5 * * * *", true),
		sched("s2", "u1", "0 9 * * *", false),
		sched("s3", "u2", "broken", true),
		sched("s4", "u2", "15 7 * * 1", true),
	}}
	s := newTestService(t, src)

	if err := s.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll error: %v", err)
	}
	if got := s.Count(); got != 2 {
		t.Fatalf("Count = %d, want 2 (disabled and broken rows skipped)", got)
	}
}

func TestLoadForUserReconciles(t *testing.T) {
	t.Parallel()
	src := &fakeSource{rows: []storage.Schedule{
		sched("a1", "alice", "*/5 * * * *", true),
		sched("a2", "alice", "0 9 * * *", true),
		sched("b1", "bob", "0 12 * * *", true),
	}}
	s := newTestService(t, src)
	if err := s.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll error: %v", err)
	}

	// Alice drops to a single enabled row; bob must be untouched.
	src.mu.Lock()
	src.rows = []storage.Schedule{
		sched("a1", "alice", "*/5 * * * *", false),
		sched("a2", "alice", "0 9 * * *", true),
		sched("b1", "bob", "0 12 * * *", true),
	}
	src.mu.Unlock()

	if err := s.LoadForUser(context.Background(), "alice"); err != nil {
		t.Fatalf("LoadForUser error: %v", err)
	}
	if got := s.Count(); got != 2 {
		t.Fatalf("Count = %d, want 2 (a2 + b1)", got)
	}

	// Deleting the user's rows clears all their timers.
	src.mu.Lock()
	src.rows = []storage.Schedule{sched("b1", "bob", "0 12 * * *", true)}
	src.mu.Unlock()
	if err := s.LoadForUser(context.Background(), "alice"); err != nil {
		t.Fatalf("LoadForUser error: %v", err)
	}
	if got := s.Count(); got != 1 {
		t.Fatalf("Count = %d, want 1 (bob only)", got)
	}
}

func TestFireDelivered(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{ok: true}
	bus := &captureBus{}
	s := New(Config{}, &fakeSource{}, &fakeResolver{chatID: "g1"}, sender, bus, logx.Nop())

	s.fire(sched("s1", "u1", "*/5 * * * *", true))

	if len(sender.sent) != 1 || sender.sent[0] != "g1" {
		t.Fatalf("sent = %v, want [g1]", sender.sent)
	}
	d := bus.last(t)
	if d.Outcome != "delivered" || d.ChatID != "g1" || d.ScheduleID != "s1" {
		t.Fatalf("delivery = %+v, want delivered to g1", d)
	}
}

func TestFireUnresolvedSkips(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{ok: true}
	bus := &captureBus{}
	s := New(Config{}, &fakeSource{}, &fakeResolver{err: errors.New("chat not found")}, sender, bus, logx.Nop())

	s.fire(sched("s1", "u1", "*/5 * * * *", true))

	if len(sender.sent) != 0 {
		t.Fatalf("sent = %v, want no sends for unresolved target", sender.sent)
	}
	if d := bus.last(t); d.Outcome != "unresolved" {
		t.Fatalf("outcome = %q, want unresolved", d.Outcome)
	}
}

func TestFireSendFailure(t *testing.T) {
	t.Parallel()
	bus := &captureBus{}
	s := New(Config{}, &fakeSource{}, &fakeResolver{chatID: "g1"}, &fakeSender{ok: false}, bus, logx.Nop())

	s.fire(sched("s1", "u1", "*/5 * * * *", true))

	if d := bus.last(t); d.Outcome != "failed" {
		t.Fatalf("outcome = %q, want failed", d.Outcome)
	}
}
