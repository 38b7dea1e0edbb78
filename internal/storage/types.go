package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// User is created by the external auth flow; wacron only reads and cascades.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// Connection is the persisted half of a user's session state: last known
// status plus the opaque credential blob the protocol engine needs to resume
// without re-handshaking.
type Connection struct {
	UserID    string
	Status    string
	Creds     []byte
	UpdatedAt time.Time
}

// Schedule is one recurring delivery rule owned by a user.
type Schedule struct {
	ID        string
	UserID    string
	Target    string
	IsGroup   bool
	Message   string
	CronExpr  string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Delivery records the outcome of one dispatch fire.
type Delivery struct {
	At         time.Time
	ScheduleID string
	UserID     string
	Target     string
	ChatID     string
	Outcome    string
	Detail     string
}

// Store is the persistence API used by the registry, credstore, and dispatcher.
type Store interface {
	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	// DeleteUser removes the user and cascades to its connection row and
	// schedules.
	DeleteUser(ctx context.Context, id string) error

	GetConnection(ctx context.Context, userID string) (Connection, error)
	SetConnectionStatus(ctx context.Context, userID, status string) error
	SaveCredentials(ctx context.Context, userID string, blob []byte) error
	// ListConnections returns every persisted connection row.
	ListConnections(ctx context.Context) ([]Connection, error)

	ListSchedules(ctx context.Context, userID string) ([]Schedule, error)
	ListEnabledSchedules(ctx context.Context) ([]Schedule, error)
	GetSchedule(ctx context.Context, id, userID string) (Schedule, error)
	// CreateSchedule assigns a fresh id when s.ID is empty.
	CreateSchedule(ctx context.Context, s Schedule) (Schedule, error)
	UpdateSchedule(ctx context.Context, s Schedule) (Schedule, error)
	DeleteSchedule(ctx context.Context, id, userID string) (bool, error)

	AppendDelivery(ctx context.Context, d Delivery) error

	Close() error
}
