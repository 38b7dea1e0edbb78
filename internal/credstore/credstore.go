// Package credstore persists per-user credential blobs with write coalescing.
//
// The protocol engine pushes credential updates frequently (every key
// rotation), and losing the last update corrupts the resumable session.
// Writes are debounced into a single durable write per window, and a forced
// Flush during shutdown guarantees nothing in flight is dropped.
package credstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"wacron/internal/storage"
	logx "wacron/pkg/logx"
)

const defaultDebounce = 500 * time.Millisecond

type Store struct {
	db       storage.Store
	log      logx.Logger
	debounce time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// entry tracks one user's pending credential write.
//
// mu guards the fields; wmu serializes durable writes so a save already in
// flight suppresses a duplicate concurrent write instead of queuing.
type entry struct {
	mu    sync.Mutex
	wmu   sync.Mutex
	blob  []byte
	dirty bool
	timer *time.Timer
}

func New(db storage.Store, debounce time.Duration, log logx.Logger) *Store {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		db:       db,
		log:      log.With(logx.String("comp", "credstore")),
		debounce: debounce,
		entries:  map[string]*entry{},
	}
}

// Load returns the persisted blob for userID, or nil when none exists.
func (s *Store) Load(ctx context.Context, userID string) ([]byte, error) {
	c, err := s.db.GetConnection(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c.Creds, nil
}

// Save records blob as the pending credential state for userID. The durable
// write happens once the debounce window elapses; calls within the window
// coalesce into that single write.
func (s *Store) Save(userID string, blob []byte) {
	e := s.entry(userID)

	e.mu.Lock()
	e.blob = blob
	e.dirty = true
	if e.timer == nil {
		e.timer = time.AfterFunc(s.debounce, func() {
			e.mu.Lock()
			e.timer = nil
			e.mu.Unlock()
			s.write(userID, e)
		})
	}
	e.mu.Unlock()
}

// Flush writes every pending blob synchronously. Called during graceful
// shutdown; safe to call more than once.
func (s *Store) Flush(ctx context.Context) {
	s.mu.Lock()
	pending := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		pending[id] = e
	}
	s.mu.Unlock()

	for userID, e := range pending {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.mu.Unlock()
		s.write(userID, e)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Store) write(userID string, e *entry) {
	e.wmu.Lock()
	defer e.wmu.Unlock()

	e.mu.Lock()
	if !e.dirty {
		// Another writer got here first.
		e.mu.Unlock()
		return
	}
	blob := e.blob
	e.dirty = false
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := s.db.SaveCredentials(ctx, userID, blob)
	cancel()
	if err != nil {
		// Keep the blob pending so the next save or flush retries it.
		e.mu.Lock()
		if !e.dirty {
			e.blob = blob
			e.dirty = true
		}
		e.mu.Unlock()
		s.log.Error("credential write failed", logx.String("user_id", userID), logx.Err(err))
		return
	}
	s.log.Debug("credentials persisted", logx.String("user_id", userID), logx.Int("bytes", len(blob)))
}

func (s *Store) entry(userID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[userID]
	if e == nil {
		e = &entry{}
		s.entries[userID] = e
	}
	return e
}
