package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wacron/internal/eventbus"
	"wacron/internal/storage"
	logx "wacron/pkg/logx"
)

// ErrInvalidSpec is returned by Upsert for a cron expression that fails
// validation. It never reaches a timer.
var ErrInvalidSpec = errors.New("dispatch: invalid cron expression")

var errNotStarted = errors.New("dispatch: scheduler not started")

// Resolver maps a schedule target to a chat id.
type Resolver interface {
	ResolveChat(ctx context.Context, userID, target string, isGroup bool) (string, error)
}

// Sender attempts a delivery. A false return means the message was not sent;
// the cause has already been logged.
type Sender interface {
	Send(ctx context.Context, userID, chatID, text string) bool
}

// ScheduleSource is the slice of storage the scheduler reconciles against.
type ScheduleSource interface {
	ListEnabledSchedules(ctx context.Context) ([]storage.Schedule, error)
	ListSchedules(ctx context.Context, userID string) ([]storage.Schedule, error)
}

type Config struct {
	// Timezone is an IANA zone for cron evaluation; empty means host-local.
	Timezone string
}

// job pairs a live cron entry with the schedule snapshot it was created
// from. Entries are immutable inside a timer; an edit goes through Upsert,
// which atomically swaps the timer.
type job struct {
	entryID cron.EntryID
	snap    storage.Schedule
}

type Service struct {
	mu sync.Mutex

	log      logx.Logger
	cfg      Config
	loc      *time.Location
	parser   cron.Parser
	c        *cron.Cron
	jobs     map[string]job
	src      ScheduleSource
	resolver Resolver
	sender   Sender
	bus      eventbus.Bus
}

func New(cfg Config, src ScheduleSource, resolver Resolver, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log: log.With(logx.String("comp", "dispatch")),
		cfg: cfg,
		// Standard 5-field crons only; descriptors like @daily are not part
		// of the schedule contract.
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		jobs:     map[string]job{},
		src:      src,
		resolver: resolver,
		sender:   sender,
		bus:      bus,
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.c.Start()
	s.log.Info("dispatcher started", logx.String("tz", loc.String()))
}

// Shutdown stops the cron runner and tears down all timers. Idempotent.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.jobs = map[string]job{}
	s.log.Info("dispatcher stopped")
}

// Apply updates runtime tunables. A timezone change restarts the cron runner
// and re-registers every live entry in the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil || oldTZ == newTZ {
		return
	}
	<-s.c.Stop().Done()
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	old := s.jobs
	s.jobs = make(map[string]job, len(old))
	for _, j := range old {
		if err := s.addLocked(j.snap); err != nil {
			s.log.Error("re-register failed", logx.String("schedule_id", j.snap.ID), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("dispatcher restarted", logx.String("tz", loc.String()))
}

// LoadAll creates a timer for every enabled schedule across all users.
// Used once at boot.
func (s *Service) LoadAll(ctx context.Context) error {
	rows, err := s.src.ListEnabledSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list enabled schedules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return errNotStarted
	}
	n := 0
	for _, e := range rows {
		s.removeLocked(e.ID)
		if err := s.addLocked(e); err != nil {
			s.log.Error("schedule rejected at boot", logx.String("schedule_id", e.ID), logx.Err(err))
			continue
		}
		n++
	}
	s.log.Info("schedules loaded", logx.Int("count", n))
	return nil
}

// LoadForUser tears down all of userID's timers and recreates them from the
// currently-enabled rows. Used when a user's schedule set is bulk-refreshed.
func (s *Service) LoadForUser(ctx context.Context, userID string) error {
	rows, err := s.src.ListSchedules(ctx, userID)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return errNotStarted
	}
	for id, j := range s.jobs {
		if j.snap.UserID == userID {
			s.removeLocked(id)
		}
	}
	n := 0
	for _, e := range rows {
		if !e.Enabled {
			continue
		}
		if err := s.addLocked(e); err != nil {
			s.log.Error("schedule rejected", logx.String("schedule_id", e.ID), logx.Err(err))
			continue
		}
		n++
	}
	s.log.Info("user schedules reloaded", logx.String("user_id", userID), logx.Int("count", n))
	return nil
}

// Upsert atomically swaps the timer for e.ID. A disabled entry or an invalid
// cron expression leaves no timer behind.
func (s *Service) Upsert(e storage.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return errNotStarted
	}

	s.removeLocked(e.ID)
	if !e.Enabled {
		return nil
	}
	if err := s.addLocked(e); err != nil {
		s.log.Warn("schedule rejected", logx.String("schedule_id", e.ID), logx.String("cron", e.CronExpr), logx.Err(err))
		return err
	}
	s.log.Debug("schedule armed",
		logx.String("schedule_id", e.ID), logx.String("cron", e.CronExpr), logx.String("target", e.Target))
	return nil
}

// Remove tears down the timer for scheduleID if present; no-op otherwise.
func (s *Service) Remove(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(scheduleID)
}

// Validate checks a cron expression without touching any timer.
func (s *Service) Validate(expr string) error {
	if _, err := s.parser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return nil
}

// Count returns the number of live timers.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Service) addLocked(e storage.Schedule) error {
	if _, err := s.parser.Parse(e.CronExpr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	snap := e
	id, err := s.c.AddFunc(e.CronExpr, func() { s.fire(snap) })
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	s.jobs[e.ID] = job{entryID: id, snap: snap}
	return nil
}

func (s *Service) removeLocked(scheduleID string) {
	j, ok := s.jobs[scheduleID]
	if !ok {
		return
	}
	if s.c != nil {
		s.c.Remove(j.entryID)
	}
	delete(s.jobs, scheduleID)
	s.log.Debug("schedule disarmed", logx.String("schedule_id", scheduleID))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
