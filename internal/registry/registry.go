// Package registry is the single source of truth for "is user X's chat
// session usable right now". It owns the per-user session state machine and
// is the only place that dials or ends protocol-engine sessions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wacron/internal/credstore"
	"wacron/internal/engine"
	"wacron/internal/eventbus"
	"wacron/internal/storage"
	logx "wacron/pkg/logx"
)

// Status is the session state of one user.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusAwaitingQR   Status = "awaiting_qr"
	StatusConnected    Status = "connected"
)

var (
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("registry: not connected")
	// ErrChatNotFound is returned when a target cannot be resolved.
	ErrChatNotFound = errors.New("registry: chat not found")
	// ErrShutdown is returned once the registry has been torn down.
	ErrShutdown = errors.New("registry: shut down")
)

// Sink receives one user's connection events, in emission order.
// Nil callbacks are skipped.
type Sink struct {
	OnQR           func(code string)
	OnConnected    func()
	OnDisconnected func(reason string)
}

type Config struct {
	// ReconnectBackoff is the flat delay before re-dialing after an
	// unexpected close. Default 3s.
	ReconnectBackoff time.Duration
	// DirectSuffix is appended to normalized phone-number targets.
	// Default "@s.whatsapp.net".
	DirectSuffix string
	// SendRatePerSec / SendBurst cap outbound sends per user.
	// Defaults 1 and 5.
	SendRatePerSec int
	SendBurst      int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ReconnectBackoff <= 0 {
		out.ReconnectBackoff = 3 * time.Second
	}
	if out.DirectSuffix == "" {
		out.DirectSuffix = "@s.whatsapp.net"
	}
	if out.SendRatePerSec <= 0 {
		out.SendRatePerSec = 1
	}
	if out.SendBurst <= 0 {
		out.SendBurst = 5
	}
	return out
}

type Registry struct {
	dialer engine.Dialer
	creds  *credstore.Store
	db     storage.Store
	bus    eventbus.Bus
	log    logx.Logger

	cfgMu sync.RWMutex
	cfg   Config

	mu     sync.RWMutex
	conns  map[string]*conn
	closed bool

	pumps sync.WaitGroup
}

func New(cfg Config, dialer engine.Dialer, creds *credstore.Store, db storage.Store, bus eventbus.Bus, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		dialer: dialer,
		creds:  creds,
		db:     db,
		bus:    bus,
		log:    log.With(logx.String("comp", "registry")),
		cfg:    cfg.withDefaults(),
		conns:  map[string]*conn{},
	}
}

// Apply updates tunables at runtime. Live sessions are not restarted.
func (r *Registry) Apply(cfg Config) {
	r.cfgMu.Lock()
	r.cfg = cfg.withDefaults()
	r.cfgMu.Unlock()
}

func (r *Registry) config() Config {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// Status reports the session state, defaulting to disconnected for unknown
// users without allocating a conn.
func (r *Registry) Status(userID string) Status {
	r.mu.RLock()
	c := r.conns[userID]
	r.mu.RUnlock()
	if c == nil {
		return StatusDisconnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// AddObserver registers a sink for userID's connection events. The returned
// unsubscribe removes exactly that registration and is safe to call more
// than once. After Shutdown the sink is not registered and the returned
// function is a no-op.
func (r *Registry) AddObserver(userID string, sink Sink) (unsubscribe func()) {
	c := r.getOrCreate(userID)
	if c == nil {
		return func() {}
	}
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = sink
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// Connect transitions userID to connecting and dials the protocol engine.
// It is a no-op while a session is already connecting or connected, which
// guards against duplicate concurrent callers. From awaiting_qr it re-dials,
// so a stale pairing code can always be refreshed.
func (r *Registry) Connect(ctx context.Context, userID string) error {
	c := r.getOrCreate(userID)
	if c == nil {
		return ErrShutdown
	}

	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusConnected {
		c.mu.Unlock()
		r.log.Debug("already connected or connecting", logx.String("user_id", userID))
		return nil
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	prev := c.sess
	c.sess = nil
	c.status = StatusConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	if prev != nil {
		_ = prev.End()
	}

	r.persistStatus(userID, StatusConnecting)
	r.publishStatus(userID, StatusConnecting, "")

	blob, err := r.creds.Load(ctx, userID)
	if err != nil {
		r.abortConnect(c, gen, userID)
		return fmt.Errorf("load credentials: %w", err)
	}

	sess, err := r.dialer.Dial(ctx, userID, blob, engine.Events{
		QR:    func(code string) { r.onQR(c, gen, code) },
		Open:  func() { r.onOpen(c, gen) },
		Close: func(reason string, loggedOut bool) { r.onClose(c, gen, reason, loggedOut) },
		Creds: func(blob []byte) { r.creds.Save(userID, blob) },
	})
	if err != nil {
		r.abortConnect(c, gen, userID)
		return fmt.Errorf("dial engine: %w", err)
	}

	c.mu.Lock()
	// Only a gen bump (Disconnect, Shutdown, a newer dial) supersedes this
	// attempt. The engine may push qr/open events before Dial returns, so a
	// forward status transition here is this session making progress, not a
	// replacement; the handle must still be stored.
	if c.gen != gen || c.status == StatusDisconnected {
		// Superseded, or the session already closed behind us.
		c.mu.Unlock()
		_ = sess.End()
		return nil
	}
	c.sess = sess
	c.mu.Unlock()

	r.log.Info("session dialed", logx.String("user_id", userID))
	return nil
}

// Disconnect force-terminates userID's session and cancels any pending
// reconnect. Idempotent when already disconnected.
func (r *Registry) Disconnect(ctx context.Context, userID string) {
	r.mu.RLock()
	c := r.conns[userID]
	r.mu.RUnlock()
	if c == nil {
		return
	}

	c.mu.Lock()
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	wasDown := c.status == StatusDisconnected
	sess := c.sess
	c.sess = nil
	c.status = StatusDisconnected
	c.gen++
	c.mu.Unlock()

	if sess != nil {
		_ = sess.End()
	}
	if wasDown {
		return
	}
	r.persistStatus(userID, StatusDisconnected)
	r.publishStatus(userID, StatusDisconnected, "disconnected by user")
	c.notify(notice{kind: noticeDisconnected, reason: "disconnected by user"})
	r.log.Info("session disconnected", logx.String("user_id", userID))
}

// Send delivers text to chatID. It never fails hard: a missing session, a
// rate-limit rejection, or an engine error all log and return false.
func (r *Registry) Send(ctx context.Context, userID, chatID, text string) bool {
	r.mu.RLock()
	c := r.conns[userID]
	r.mu.RUnlock()
	if c == nil {
		r.log.Warn("cannot send: unknown user", logx.String("user_id", userID))
		return false
	}

	c.mu.Lock()
	sess := c.sess
	ok := c.status == StatusConnected && sess != nil
	lim := c.limiter
	c.mu.Unlock()

	if !ok {
		r.log.Warn("cannot send: not connected", logx.String("user_id", userID))
		return false
	}
	if lim != nil && !lim.Allow() {
		r.log.Warn("send rate exceeded", logx.String("user_id", userID), logx.String("chat_id", chatID))
		return false
	}

	if err := sess.SendText(ctx, chatID, text); err != nil {
		r.log.Error("send failed", logx.String("user_id", userID), logx.String("chat_id", chatID), logx.Err(err))
		return false
	}
	r.log.Info("message sent", logx.String("user_id", userID), logx.String("chat_id", chatID))
	return true
}

// ListGroups returns the live group directory for userID.
func (r *Registry) ListGroups(ctx context.Context, userID string) ([]engine.Group, error) {
	r.mu.RLock()
	c := r.conns[userID]
	r.mu.RUnlock()
	if c == nil {
		return nil, ErrNotConnected
	}
	c.mu.Lock()
	sess := c.sess
	ok := c.status == StatusConnected && sess != nil
	c.mu.Unlock()
	if !ok {
		return nil, ErrNotConnected
	}
	return sess.ListGroups(ctx)
}

// Shutdown tears down every session: reconnect timers stopped, observers
// notified of disconnection, engine handles ended. Blocks until observer
// queues drain or ctx expires.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make(map[string]*conn, len(r.conns))
	for id, c := range r.conns {
		conns[id] = c
	}
	r.mu.Unlock()

	for userID, c := range conns {
		c.mu.Lock()
		if c.reconnect != nil {
			c.reconnect.Stop()
			c.reconnect = nil
		}
		sess := c.sess
		c.sess = nil
		wasDown := c.status == StatusDisconnected
		c.status = StatusDisconnected
		c.gen++
		c.mu.Unlock()

		if sess != nil {
			_ = sess.End()
		}
		if !wasDown {
			r.persistStatus(userID, StatusDisconnected)
			c.notify(notice{kind: noticeDisconnected, reason: "shutting down"})
		}
		c.close()
	}

	done := make(chan struct{})
	go func() {
		r.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("observer queues not drained before deadline")
	}
	r.log.Info("registry shut down", logx.Int("sessions", len(conns)))
}

func (r *Registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// getOrCreate returns the conn for userID, allocating one (with its pump
// goroutine) on first use. Returns nil once the registry is shut down, so no
// pump can start after Shutdown has waited for the existing ones.
func (r *Registry) getOrCreate(userID string) *conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	c := r.conns[userID]
	if c == nil {
		cfg := r.config()
		c = newConn(userID, rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), cfg.SendBurst))
		r.conns[userID] = c
		r.pumps.Add(1)
		go func() {
			defer r.pumps.Done()
			c.pump()
		}()
	}
	return c
}

// abortConnect rolls a failed connect attempt back to disconnected. The gen
// check covers any status the attempt reached, including awaiting_qr from an
// event that arrived before the dial failed.
func (r *Registry) abortConnect(c *conn, gen uint64, userID string) {
	c.mu.Lock()
	if c.gen == gen && c.status != StatusDisconnected {
		c.status = StatusDisconnected
	}
	c.mu.Unlock()
	r.persistStatus(userID, StatusDisconnected)
	r.publishStatus(userID, StatusDisconnected, "connect failed")
}

// persistStatus mirrors the in-memory state into storage. Failures are
// logged; the state machine does not depend on the write.
func (r *Registry) persistStatus(userID string, st Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.db.SetConnectionStatus(ctx, userID, string(st)); err != nil {
		r.log.Error("status write failed", logx.String("user_id", userID), logx.String("status", string(st)), logx.Err(err))
	}
}

func (r *Registry) publishStatus(userID string, st Status, reason string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeConnStatus,
		Data: eventbus.ConnStatus{UserID: userID, Status: string(st), Reason: reason},
	})
}
