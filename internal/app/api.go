package app

import (
	"context"
	"fmt"

	"wacron/internal/engine"
	"wacron/internal/registry"
	"wacron/internal/storage"
)

// The methods below are the surface consumed by the HTTP layer, which lives
// outside this repository. Validation order follows the original contract:
// reject bad input first, persist, then reconcile the live timer set.

func (a *App) Status(userID string) registry.Status {
	return a.reg.Status(userID)
}

func (a *App) Connect(ctx context.Context, userID string) error {
	return a.reg.Connect(ctx, userID)
}

func (a *App) Disconnect(ctx context.Context, userID string) {
	a.reg.Disconnect(ctx, userID)
}

func (a *App) AddObserver(userID string, sink registry.Sink) (unsubscribe func()) {
	return a.reg.AddObserver(userID, sink)
}

func (a *App) ListGroups(ctx context.Context, userID string) ([]engine.Group, error) {
	return a.reg.ListGroups(ctx, userID)
}

func (a *App) Schedules(ctx context.Context, userID string) ([]storage.Schedule, error) {
	return a.store.ListSchedules(ctx, userID)
}

func (a *App) GetSchedule(ctx context.Context, id, userID string) (storage.Schedule, error) {
	return a.store.GetSchedule(ctx, id, userID)
}

// CreateSchedule validates, persists, and arms the new entry.
func (a *App) CreateSchedule(ctx context.Context, s storage.Schedule) (storage.Schedule, error) {
	if err := a.disp.Validate(s.CronExpr); err != nil {
		return storage.Schedule{}, err
	}
	created, err := a.store.CreateSchedule(ctx, s)
	if err != nil {
		return storage.Schedule{}, fmt.Errorf("create schedule: %w", err)
	}
	if err := a.disp.Upsert(created); err != nil {
		return created, err
	}
	return created, nil
}

// UpdateSchedule persists the edit and atomically swaps the timer.
func (a *App) UpdateSchedule(ctx context.Context, s storage.Schedule) (storage.Schedule, error) {
	if err := a.disp.Validate(s.CronExpr); err != nil {
		return storage.Schedule{}, err
	}
	updated, err := a.store.UpdateSchedule(ctx, s)
	if err != nil {
		return storage.Schedule{}, err
	}
	if err := a.disp.Upsert(updated); err != nil {
		return updated, err
	}
	return updated, nil
}

// DeleteSchedule removes the row and its timer.
func (a *App) DeleteSchedule(ctx context.Context, id, userID string) (bool, error) {
	deleted, err := a.store.DeleteSchedule(ctx, id, userID)
	if err != nil {
		return false, err
	}
	if deleted {
		a.disp.Remove(id)
	}
	return deleted, nil
}

// LoadForUser re-reconciles one user's timer set against storage.
func (a *App) LoadForUser(ctx context.Context, userID string) error {
	return a.disp.LoadForUser(ctx, userID)
}

// DeleteUser cascades: session down, rows gone, timers disarmed.
func (a *App) DeleteUser(ctx context.Context, userID string) error {
	a.reg.Disconnect(ctx, userID)
	if err := a.store.DeleteUser(ctx, userID); err != nil {
		return err
	}
	// The rows are gone; reloading clears whatever timers remained.
	return a.disp.LoadForUser(ctx, userID)
}
