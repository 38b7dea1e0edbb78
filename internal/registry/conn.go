package registry

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wacron/internal/engine"
	logx "wacron/pkg/logx"
)

// conn is one user's owned session state. All mutations happen under mu; the
// protocol engine delivers events from a single goroutine per session, so
// per-user ordering is preserved end to end.
//
// gen increments on every dial and forced disconnect. Event callbacks carry
// the gen they were registered with, so events from a superseded session are
// dropped instead of corrupting the current one.
type conn struct {
	userID string

	mu        sync.Mutex
	status    Status
	sess      engine.Session
	gen       uint64
	reconnect *time.Timer
	observers map[uint64]Sink
	nextObs   uint64
	limiter   *rate.Limiter

	// Observer delivery is decoupled from the event source: notices are
	// queued in order and a dedicated pump invokes the sinks, so an observer
	// that re-enters the registry cannot deadlock the engine's event
	// goroutine.
	notices chan notice
}

type noticeKind int

const (
	noticeQR noticeKind = iota
	noticeConnected
	noticeDisconnected
)

type notice struct {
	kind   noticeKind
	code   string
	reason string
}

func newConn(userID string, lim *rate.Limiter) *conn {
	return &conn{
		userID:    userID,
		status:    StatusDisconnected,
		observers: map[uint64]Sink{},
		limiter:   lim,
		notices:   make(chan notice, 64),
	}
}

// notify queues an observer notice. Blocking keeps ordering intact; the
// buffer absorbs bursts so the engine goroutine rarely waits.
func (c *conn) notify(n notice) {
	defer func() { _ = recover() }() // closed during shutdown
	c.notices <- n
}

func (c *conn) close() {
	defer func() { _ = recover() }()
	close(c.notices)
}

// pump delivers queued notices to the current observer set, one at a time,
// in order. Runs until close().
func (c *conn) pump() {
	for n := range c.notices {
		c.mu.Lock()
		sinks := make([]Sink, 0, len(c.observers))
		for _, s := range c.observers {
			sinks = append(sinks, s)
		}
		c.mu.Unlock()

		for _, s := range sinks {
			switch n.kind {
			case noticeQR:
				if s.OnQR != nil {
					s.OnQR(n.code)
				}
			case noticeConnected:
				if s.OnConnected != nil {
					s.OnConnected()
				}
			case noticeDisconnected:
				if s.OnDisconnected != nil {
					s.OnDisconnected(n.reason)
				}
			}
		}
	}
}

// ---- engine event handlers ----

func (r *Registry) onQR(c *conn, gen uint64, code string) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.status = StatusAwaitingQR
	c.mu.Unlock()

	r.persistStatus(c.userID, StatusAwaitingQR)
	r.publishStatus(c.userID, StatusAwaitingQR, "")
	c.notify(notice{kind: noticeQR, code: code})
	r.log.Debug("qr issued", logx.String("user_id", c.userID))
}

func (r *Registry) onOpen(c *conn, gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.status = StatusConnected
	c.mu.Unlock()

	r.persistStatus(c.userID, StatusConnected)
	r.publishStatus(c.userID, StatusConnected, "")
	c.notify(notice{kind: noticeConnected})
	r.log.Info("session connected", logx.String("user_id", c.userID))
}

func (r *Registry) onClose(c *conn, gen uint64, reason string, loggedOut bool) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.status = StatusDisconnected
	c.sess = nil
	c.mu.Unlock()

	r.persistStatus(c.userID, StatusDisconnected)
	r.publishStatus(c.userID, StatusDisconnected, reason)
	c.notify(notice{kind: noticeDisconnected, reason: reason})

	if loggedOut {
		// Credentials are invalid; reconnecting would loop on a dead
		// handshake. A fresh Connect() has to re-pair.
		r.log.Warn("session logged out", logx.String("user_id", c.userID), logx.String("reason", reason))
		return
	}
	if r.isClosed() {
		return
	}

	r.log.Info("session dropped, scheduling reconnect",
		logx.String("user_id", c.userID), logx.String("reason", reason),
		logx.Duration("backoff", r.config().ReconnectBackoff))
	r.scheduleReconnect(c)
}

// scheduleReconnect arms a flat-backoff reconnect timer. The timer re-arms
// itself when the dial fails, so retries are unlimited until an explicit
// Disconnect, a logout, or shutdown cancels them.
func (r *Registry) scheduleReconnect(c *conn) {
	backoff := r.config().ReconnectBackoff

	c.mu.Lock()
	gen := c.gen
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	c.reconnect = time.AfterFunc(backoff, func() {
		c.mu.Lock()
		c.reconnect = nil
		// An explicit Disconnect or a newer dial supersedes this attempt.
		stale := c.gen != gen || c.status != StatusDisconnected
		c.mu.Unlock()
		if stale || r.isClosed() {
			return
		}
		if err := r.Connect(context.Background(), c.userID); err != nil {
			r.log.Error("reconnect failed", logx.String("user_id", c.userID), logx.Err(err))
			if !r.isClosed() {
				r.scheduleReconnect(c)
			}
		}
	})
	c.mu.Unlock()
}
