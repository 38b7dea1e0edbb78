// Package engine defines the narrow contract wacron consumes from the
// chat-session protocol engine.
//
// The engine owns the wire protocol, the cryptographic handshake, message
// framing, and the contact/group directory. wacron never sees any of that;
// it hands over an opaque credential blob, receives session events, and
// issues sends against resolved chat ids.
package engine

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by session calls after End() or a close event.
var ErrSessionClosed = errors.New("engine: session closed")

// Group is one entry of the engine's live group directory.
type Group struct {
	ID   string
	Name string
}

// Events carries the callbacks a dialed session reports into.
//
// The engine invokes them from a single goroutine, in emission order. Nil
// callbacks are skipped.
type Events struct {
	// QR reports a fresh pairing code while the session awaits handshake.
	QR func(code string)
	// Open reports that the session is connected and usable.
	Open func()
	// Close reports that the session dropped. loggedOut means the remote
	// side invalidated the credentials; the session cannot be resumed.
	Close func(reason string, loggedOut bool)
	// Creds hands back updated credential material to persist.
	Creds func(blob []byte)
}

// Session is one live, authenticated connection.
type Session interface {
	SendText(ctx context.Context, chatID, text string) error
	ListGroups(ctx context.Context) ([]Group, error)
	// End terminates the session. Idempotent. A Close event is NOT emitted
	// for an explicit End.
	End() error
}

// Dialer establishes sessions. Implementations must be safe for concurrent
// use across users.
type Dialer interface {
	// Dial starts a session for userID, resuming from creds when non-nil.
	// Events begin flowing after Dial returns.
	Dial(ctx context.Context, userID string, creds []byte, ev Events) (Session, error)
}
