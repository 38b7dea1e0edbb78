package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wacron/internal/credstore"
	"wacron/internal/engine"
	"wacron/internal/storage"
	logx "wacron/pkg/logx"
)

type memStore struct {
	storage.Store

	mu    sync.Mutex
	conns map[string]storage.Connection
}

func newMemStore() *memStore {
	return &memStore{conns: map[string]storage.Connection{}}
}

func (m *memStore) GetConnection(_ context.Context, userID string) (storage.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[userID]
	if !ok {
		return storage.Connection{}, storage.ErrNotFound
	}
	return c, nil
}

func (m *memStore) SetConnectionStatus(_ context.Context, userID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conns[userID]
	c.UserID = userID
	c.Status = status
	m.conns[userID] = c
	return nil
}

func (m *memStore) SaveCredentials(_ context.Context, userID string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conns[userID]
	c.UserID = userID
	c.Creds = blob
	m.conns[userID] = c
	return nil
}

func (m *memStore) status(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[userID].Status
}

type fakeSession struct {
	mu     sync.Mutex
	ended  bool
	sent   []string
	groups []engine.Group
}

func (s *fakeSession) SendText(_ context.Context, chatID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return engine.ErrSessionClosed
	}
	s.sent = append(s.sent, chatID)
	return nil
}

func (s *fakeSession) ListGroups(context.Context) ([]engine.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil, engine.ErrSessionClosed
	}
	return s.groups, nil
}

func (s *fakeSession) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	return nil
}

func (s *fakeSession) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

type fakeDialer struct {
	mu     sync.Mutex
	dials  int
	err    error
	groups []engine.Group
	last   *fakeSession
	ev     engine.Events

	// onDial, when set, runs with the registered callbacks before Dial
	// returns, like an engine that pushes events during the handshake.
	onDial func(ev engine.Events)
}

func (d *fakeDialer) Dial(_ context.Context, _ string, _ []byte, ev engine.Events) (engine.Session, error) {
	d.mu.Lock()
	d.dials++
	if d.err != nil {
		d.mu.Unlock()
		return nil, d.err
	}
	s := &fakeSession{groups: d.groups}
	d.last = s
	d.ev = ev
	hook := d.onDial
	d.mu.Unlock()

	if hook != nil {
		hook(ev)
	}
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastSession() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *fakeDialer) events() engine.Events {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ev
}

func newTestRegistry(t *testing.T, cfg Config, d engine.Dialer) (*Registry, *memStore) {
	t.Helper()
	db := newMemStore()
	creds := credstore.New(db, time.Millisecond, logx.Nop())
	r := New(cfg, d, creds, db, nil, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r, db
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectIsIdempotent(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r, _ := newTestRegistry(t, Config{}, d)

	ctx := context.Background()
	if err := r.Connect(ctx, "u1"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if err := r.Connect(ctx, "u1"); err != nil {
		t.Fatalf("second Connect error: %v", err)
	}
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
}

func TestConcurrentConnectDialsOnce(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r, _ := newTestRegistry(t, Config{}, d)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Connect(context.Background(), "u1")
		}()
	}
	wg.Wait()
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want 1 for concurrent callers", got)
	}
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r, db := newTestRegistry(t, Config{}, d)

	if got := r.Status("u1"); got != StatusDisconnected {
		t.Fatalf("initial status = %s, want %s", got, StatusDisconnected)
	}
	if err := r.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if got := r.Status("u1"); got != StatusConnecting {
		t.Fatalf("status after dial = %s, want %s", got, StatusConnecting)
	}

	ev := d.events()
	ev.QR("qr-code-1")
	if got := r.Status("u1"); got != StatusAwaitingQR {
		t.Fatalf("status after qr = %s, want %s", got, StatusAwaitingQR)
	}
	ev.Open()
	if got := r.Status("u1"); got != StatusConnected {
		t.Fatalf("status after open = %s, want %s", got, StatusConnected)
	}
	if got := db.status("u1"); got != string(StatusConnected) {
		t.Fatalf("persisted status = %q, want %q", got, StatusConnected)
	}
}

func TestEventsBeforeDialReturnsKeepSession(t *testing.T) {
	t.Parallel()
	// Engines may push the first qr (or even open) while the dial call is
	// still in flight. The forward transition must not be mistaken for a
	// superseded attempt: the session handle still has to be stored.
	d := &fakeDialer{}
	d.onDial = func(ev engine.Events) { ev.QR("early-code") }
	r, _ := newTestRegistry(t, Config{}, d)

	ctx := context.Background()
	if err := r.Connect(ctx, "u1"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if got := r.Status("u1"); got != StatusAwaitingQR {
		t.Fatalf("status = %s, want %s", got, StatusAwaitingQR)
	}
	if d.lastSession().isEnded() {
		t.Fatal("freshly dialed session was ended")
	}

	d.events().Open()
	if got := r.Status("u1"); got != StatusConnected {
		t.Fatalf("status after open = %s, want %s", got, StatusConnected)
	}
	if !r.Send(ctx, "u1", "chat", "hello") {
		t.Fatal("Send failed: session was not stored across the early qr event")
	}
}

func TestConnectFromAwaitingQRRedials(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r, _ := newTestRegistry(t, Config{}, d)

	ctx := context.Background()
	if err := r.Connect(ctx, "u1"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	first := d.lastSession()
	d.events().QR("stale-code")

	// A pairing code can expire; connecting again gets a fresh one.
	if err := r.Connect(ctx, "u1"); err != nil {
		t.Fatalf("re-Connect error: %v", err)
	}
	if got := d.dialCount(); got != 2 {
		t.Fatalf("dials = %d, want 2", got)
	}
	if !first.isEnded() {
		t.Fatal("superseded session was not ended")
	}

	d.events().Open()
	if !r.Send(ctx, "u1", "chat", "hello") {
		t.Fatal("Send failed on the re-dialed session")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r, _ := newTestRegistry(t, Config{ReconnectBackoff: 20 * time.Millisecond}, d)

	if err := r.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	d.events().Open()
	d.events().Close("stream error", false)

	waitFor(t, "re-dial", func() bool { return d.dialCount() >= 2 })
}

func TestNoReconnectAfterLogout(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r, _ := newTestRegistry(t, Config{ReconnectBackoff: 20 * time.Millisecond}, d)

	if err := r.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	d.events().Open()
	d.events().Close("logged out", true)

	time.Sleep(150 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want 1 after logout", got)
	}
	if got := r.Status("u1"); got != StatusDisconnected {
		t.Fatalf("status = %s, want %s", got, StatusDisconnected)
	}
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r, _ := newTestRegistry(t, Config{ReconnectBackoff: 30 * time.Millisecond}, d)

	ctx := context.Background()
	if err := r.Connect(ctx, "u1"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	d.events().Open()
	d.events().Close("stream error", false)
	r.Disconnect(ctx, "u1")

	time.Sleep(150 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want 1 after explicit disconnect", got)
	}
}

func TestSendRequiresLiveSession(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r, _ := newTestRegistry(t, Config{}, d)

	ctx := context.Background()
	if r.Send(ctx, "u1", "chat", "hello") {
		t.Fatal("Send succeeded for unknown user")
	}
	if err := r.Connect(ctx, "u1"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if r.Send(ctx, "u1", "chat", "hello") {
		t.Fatal("Send succeeded while still connecting")
	}
	d.events().Open()
	if !r.Send(ctx, "u1", "chat", "hello") {
		t.Fatal("Send failed on a connected session")
	}
	sess := d.lastSession()
	if len(sess.sent) != 1 || sess.sent[0] != "chat" {
		t.Fatalf("sent = %v, want [chat]", sess.sent)
	}
}

func TestObserverOrderAndUnsubscribe(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r, _ := newTestRegistry(t, Config{}, d)

	var mu sync.Mutex
	var got []string
	unsub := r.AddObserver("u1", Sink{
		OnQR:           func(code string) { mu.Lock(); got = append(got, "qr:"+code); mu.Unlock() },
		OnConnected:    func() { mu.Lock(); got = append(got, "open"); mu.Unlock() },
		OnDisconnected: func(reason string) { mu.Lock(); got = append(got, "close:"+reason); mu.Unlock() },
	})

	if err := r.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	ev := d.events()
	ev.QR("abc")
	ev.Open()
	ev.Close("logged out", true)

	waitFor(t, "all notices", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	want := []string{"qr:abc", "open", "close:logged out"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("notice[%d] = %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}
	mu.Unlock()

	unsub()
	unsub() // second call is a no-op
	if err := r.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("re-Connect error: %v", err)
	}
	d.events().Open()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("observer still notified after unsubscribe: %v", got)
	}
}

func TestConnectAfterShutdown(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r, _ := newTestRegistry(t, Config{}, d)

	ctx := context.Background()
	r.Shutdown(ctx)
	if err := r.Connect(ctx, "u1"); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Connect after shutdown = %v, want ErrShutdown", err)
	}
}

func TestAddObserverAfterShutdown(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r, _ := newTestRegistry(t, Config{}, d)

	ctx := context.Background()
	r.Shutdown(ctx)

	// No conn (and no pump goroutine) may be created once shut down; the
	// returned unsubscribe is a callable no-op.
	unsub := r.AddObserver("u1", Sink{OnConnected: func() { t.Error("sink invoked after shutdown") }})
	unsub()
	unsub()

	r.mu.RLock()
	_, exists := r.conns["u1"]
	r.mu.RUnlock()
	if exists {
		t.Fatal("conn allocated after shutdown")
	}
}

func TestConnectDialFailureRollsBack(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{err: errors.New("engine unreachable")}
	r, db := newTestRegistry(t, Config{}, d)

	if err := r.Connect(context.Background(), "u1"); err == nil {
		t.Fatal("expected dial error")
	}
	if got := r.Status("u1"); got != StatusDisconnected {
		t.Fatalf("status after failed dial = %s, want %s", got, StatusDisconnected)
	}
	if got := db.status("u1"); got != string(StatusDisconnected) {
		t.Fatalf("persisted status = %q, want %q", got, StatusDisconnected)
	}
}
