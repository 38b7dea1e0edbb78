package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "wacron/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store, creating the database file and schema
// as needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users ----

func (s *sqliteStore) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, email, created_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET email=excluded.email`,
		u.ID, u.Email, u.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}

func (s *sqliteStore) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- connections ----

func (s *sqliteStore) GetConnection(ctx context.Context, userID string) (Connection, error) {
	var c Connection
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, status, creds, updated_at FROM connections WHERE user_id = ?`, userID,
	).Scan(&c.UserID, &c.Status, &c.Creds, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Connection{}, ErrNotFound
	}
	if err != nil {
		return Connection{}, err
	}
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

func (s *sqliteStore) SetConnectionStatus(ctx context.Context, userID, status string) error {
	now := time.Now().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections(user_id, status, updated_at) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at`,
		userID, status, now,
	)
	return err
}

func (s *sqliteStore) SaveCredentials(ctx context.Context, userID string, blob []byte) error {
	now := time.Now().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections(user_id, status, creds, updated_at) VALUES(?, 'disconnected', ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET creds=excluded.creds, updated_at=excluded.updated_at`,
		userID, blob, now,
	)
	return err
}

func (s *sqliteStore) ListConnections(ctx context.Context) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, status, creds, updated_at FROM connections`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		var c Connection
		var updatedAt string
		if err := rows.Scan(&c.UserID, &c.Status, &c.Creds, &updatedAt); err != nil {
			return nil, err
		}
		c.UpdatedAt = parseTime(updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- schedules ----

const scheduleCols = `id, user_id, target, is_group, message, cron_expr, enabled, created_at, updated_at`

func (s *sqliteStore) scanSchedule(row interface {
	Scan(dest ...any) error
}) (Schedule, error) {
	var sc Schedule
	var isGroup, enabled int
	var createdAt, updatedAt string
	err := row.Scan(&sc.ID, &sc.UserID, &sc.Target, &isGroup, &sc.Message, &sc.CronExpr, &enabled, &createdAt, &updatedAt)
	if err != nil {
		return Schedule{}, err
	}
	sc.IsGroup = isGroup != 0
	sc.Enabled = enabled != 0
	sc.CreatedAt = parseTime(createdAt)
	sc.UpdatedAt = parseTime(updatedAt)
	return sc, nil
}

func (s *sqliteStore) querySchedules(ctx context.Context, q string, args ...any) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := s.scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListSchedules(ctx context.Context, userID string) ([]Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

func (s *sqliteStore) ListEnabledSchedules(ctx context.Context) ([]Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE enabled = 1`)
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id, userID string) (Schedule, error) {
	sc, err := s.scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE id = ? AND user_id = ?`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	return sc, err
}

func (s *sqliteStore) CreateSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	now := time.Now()
	sc.CreatedAt = now
	sc.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleCols+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.UserID, sc.Target, boolInt(sc.IsGroup), sc.Message, sc.CronExpr, boolInt(sc.Enabled),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Schedule{}, err
	}
	return sc, nil
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	sc.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET target=?, is_group=?, message=?, cron_expr=?, enabled=?, updated_at=?
		 WHERE id = ? AND user_id = ?`,
		sc.Target, boolInt(sc.IsGroup), sc.Message, sc.CronExpr, boolInt(sc.Enabled),
		sc.UpdatedAt.Format(time.RFC3339Nano), sc.ID, sc.UserID,
	)
	if err != nil {
		return Schedule{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Schedule{}, ErrNotFound
	}
	return sc, nil
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedules WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ---- delivery log ----

func (s *sqliteStore) AppendDelivery(ctx context.Context, d Delivery) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_log(at, schedule_id, user_id, target, chat_id, outcome, detail)
		 VALUES(?,?,?,?,?,?,?)`,
		d.At.Format(time.RFC3339Nano), d.ScheduleID, d.UserID, d.Target,
		nullStr(d.ChatID), d.Outcome, nullStr(d.Detail),
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
