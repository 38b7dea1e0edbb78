// Package app wires storage, the connection registry, and the dispatcher
// into one process, and exposes the coordination API the (out-of-scope)
// HTTP layer consumes.
package app

import (
	"context"
	"fmt"
	"time"

	"wacron/internal/config"
	"wacron/internal/credstore"
	"wacron/internal/dispatch"
	"wacron/internal/engine"
	"wacron/internal/engine/bridge"
	"wacron/internal/eventbus"
	"wacron/internal/registry"
	"wacron/internal/runtime/supervisor"
	"wacron/internal/storage"
	logx "wacron/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger

	bus   eventbus.Bus
	store storage.Store
	creds *credstore.Store
	reg   *registry.Registry
	disp  *dispatch.Service

	sup *supervisor.Supervisor
}

type Option func(*options)

type options struct {
	dialer engine.Dialer
}

// WithDialer overrides the protocol-engine dialer (used by tests).
func WithDialer(d engine.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, op := range opts {
		op(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log)

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	debounce, err := config.ParseDurationOrDefault("sessions.credential_debounce", cfg.Sessions.CredentialDebounce, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	creds := credstore.New(store, debounce, log)

	dialer := o.dialer
	if dialer == nil {
		dialTimeout, err := config.ParseDurationOrDefault("engine.dial_timeout", cfg.Engine.DialTimeout, 15*time.Second)
		if err != nil {
			return nil, err
		}
		dialer = bridge.New(bridge.Config{
			URL:         cfg.Engine.URL,
			DialTimeout: dialTimeout,
		}, log.With(logx.String("comp", "bridge")))
	}

	bus := eventbus.New()

	regCfg, err := mapRegistryConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg := registry.New(regCfg, dialer, creds, store, bus, log)
	disp := dispatch.New(dispatch.Config{Timezone: cfg.Dispatch.Timezone}, store, reg, reg, bus, log)

	return &App{
		cfgm:  cfgm,
		logs:  logSvc,
		log:   log,
		bus:   bus,
		store: store,
		creds: creds,
		reg:   reg,
		disp:  disp,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.disp.Start(ctx)
	if err := a.disp.LoadAll(ctx); err != nil {
		return err
	}

	a.sup.Go0("delivery-pump", a.deliveryPump)
	a.sup.GoRestart("config-watch", a.cfgm.Watch)
	a.sup.Go0("config-apply", a.configApply)

	a.resumeSessions(ctx)

	a.log.Info("wacron started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	// Order matters: no new fires, then sessions down (observers told
	// first), then pending credentials flushed, then the rest.
	a.disp.Shutdown()
	a.reg.Shutdown(ctx)
	a.creds.Flush(ctx)

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	_ = a.logs.Close()
	return err
}

// resumeSessions re-dials every user whose persisted status says a session
// was live before the last shutdown or crash.
func (a *App) resumeSessions(ctx context.Context) {
	rows, err := a.store.ListConnections(ctx)
	if err != nil {
		a.log.Error("cannot list connections for resume", logx.Err(err))
		return
	}
	for _, c := range rows {
		if c.Status == string(registry.StatusDisconnected) {
			continue
		}
		userID := c.UserID
		a.sup.Go0("resume:"+userID, func(ctx context.Context) {
			if err := a.reg.Connect(ctx, userID); err != nil {
				a.log.Warn("session resume failed", logx.String("user_id", userID), logx.Err(err))
			}
		})
	}
}

// deliveryPump drains dispatch outcomes from the bus into the delivery log.
func (a *App) deliveryPump(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			d, isDelivery := e.Data.(eventbus.Delivery)
			if !isDelivery {
				continue
			}
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := a.store.AppendDelivery(wctx, storage.Delivery{
				At:         e.Time,
				ScheduleID: d.ScheduleID,
				UserID:     d.UserID,
				Target:     d.Target,
				ChatID:     d.ChatID,
				Outcome:    d.Outcome,
				Detail:     d.Detail,
			})
			cancel()
			if err != nil {
				a.log.Error("delivery log write failed", logx.String("schedule_id", d.ScheduleID), logx.Err(err))
			}
		}
	}
}

// configApply reapplies reloadable sections when the config file changes.
func (a *App) configApply(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logs.Apply(mapLoggingConfig(cfg))
			a.disp.Apply(dispatch.Config{Timezone: cfg.Dispatch.Timezone})
			if regCfg, err := mapRegistryConfig(cfg); err == nil {
				a.reg.Apply(regCfg)
			}
			a.log.Info("runtime config reapplied")
		}
	}
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapRegistryConfig(cfg *config.Config) (registry.Config, error) {
	backoff, err := config.ParseDurationOrDefault("sessions.reconnect_backoff", cfg.Sessions.ReconnectBackoff, 3*time.Second)
	if err != nil {
		return registry.Config{}, err
	}
	return registry.Config{
		ReconnectBackoff: backoff,
		DirectSuffix:     cfg.Engine.DirectSuffix,
		SendRatePerSec:   cfg.Sessions.SendRatePerSec,
		SendBurst:        cfg.Sessions.SendBurst,
	}, nil
}
