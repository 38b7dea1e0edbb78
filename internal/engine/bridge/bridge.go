// Package bridge implements engine.Dialer against a protocol-engine sidecar.
//
// The sidecar exposes one WebSocket endpoint speaking JSON-RPC 2.0. Requests
// flow client -> sidecar (session.start, session.send, session.groups,
// session.end); session events flow back as server notifications
// (session.qr, session.open, session.close, session.creds).
package bridge

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	cws "github.com/coder/websocket"
	"github.com/creachadair/jrpc2"

	"wacron/internal/engine"
	logx "wacron/pkg/logx"
)

type Config struct {
	// URL of the sidecar websocket endpoint.
	URL string
	// DialTimeout bounds the websocket dial plus the session.start call.
	DialTimeout time.Duration
}

type Dialer struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Dialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dialer{cfg: cfg, log: log}
}

// Wire payloads.

type startParams struct {
	UserID string `json:"userId"`
	Creds  string `json:"creds,omitempty"` // base64
}

type sendParams struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

type groupInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type qrEvent struct {
	Code string `json:"code"`
}

type closeEvent struct {
	Reason    string `json:"reason"`
	LoggedOut bool   `json:"loggedOut"`
}

type credsEvent struct {
	Blob string `json:"blob"` // base64
}

// session is one live bridge connection.
type session struct {
	cli    *jrpc2.Client
	cancel context.CancelFunc
	log    logx.Logger

	mu     sync.Mutex
	closed bool
}

// Dial connects to the sidecar and starts a session for userID.
func (d *Dialer) Dial(ctx context.Context, userID string, creds []byte, ev engine.Events) (engine.Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	conn, _, err := cws.Dial(dialCtx, d.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 22) // credential blobs can be large

	// The channel context outlives Dial; it is released by End().
	chCtx, chCancel := context.WithCancel(context.Background())
	s := &session{
		cancel: chCancel,
		log:    d.log.With(logx.String("user_id", userID)),
	}

	s.cli = jrpc2.NewClient(&wsChannel{conn: conn, ctx: chCtx}, &jrpc2.ClientOptions{
		OnNotify: func(req *jrpc2.Request) { s.notify(req, ev) },
	})

	params := startParams{UserID: userID}
	if len(creds) > 0 {
		params.Creds = base64.StdEncoding.EncodeToString(creds)
	}
	if _, err := s.cli.Call(dialCtx, "session.start", params); err != nil {
		_ = s.cli.Close()
		chCancel()
		return nil, err
	}
	return s, nil
}

// notify dispatches a sidecar push notification to the registered callbacks.
// jrpc2 delivers notifications from a single receive loop, so callback order
// matches emission order.
func (s *session) notify(req *jrpc2.Request, ev engine.Events) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	switch req.Method() {
	case "session.qr":
		var p qrEvent
		if err := req.UnmarshalParams(&p); err != nil {
			s.log.Warn("bad qr event", logx.Err(err))
			return
		}
		if ev.QR != nil {
			ev.QR(p.Code)
		}
	case "session.open":
		if ev.Open != nil {
			ev.Open()
		}
	case "session.close":
		var p closeEvent
		if err := req.UnmarshalParams(&p); err != nil {
			s.log.Warn("bad close event", logx.Err(err))
			return
		}
		if ev.Close != nil {
			ev.Close(p.Reason, p.LoggedOut)
		}
	case "session.creds":
		var p credsEvent
		if err := req.UnmarshalParams(&p); err != nil {
			s.log.Warn("bad creds event", logx.Err(err))
			return
		}
		blob, err := base64.StdEncoding.DecodeString(p.Blob)
		if err != nil {
			s.log.Warn("bad creds blob", logx.Err(err))
			return
		}
		if ev.Creds != nil {
			ev.Creds(blob)
		}
	default:
		s.log.Debug("unknown engine notification", logx.String("method", req.Method()))
	}
}

func (s *session) SendText(ctx context.Context, chatID, text string) error {
	if s.isClosed() {
		return engine.ErrSessionClosed
	}
	_, err := s.cli.Call(ctx, "session.send", sendParams{ChatID: chatID, Text: text})
	return err
}

func (s *session) ListGroups(ctx context.Context) ([]engine.Group, error) {
	if s.isClosed() {
		return nil, engine.ErrSessionClosed
	}
	var raw []groupInfo
	if err := s.cli.CallResult(ctx, "session.groups", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]engine.Group, 0, len(raw))
	for _, g := range raw {
		out = append(out, engine.Group{ID: g.ID, Name: g.Name})
	}
	return out, nil
}

func (s *session) End() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Best-effort goodbye so the sidecar tears down promptly.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_, _ = s.cli.Call(ctx, "session.end", nil)
	cancel()

	err := s.cli.Close()
	s.cancel()
	return err
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
