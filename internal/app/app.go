// Package app wires the relay together: config, logging, storage, the
// dispatch engine, the Telegram gateway, the webhook intake, the audit
// fan-out, and the retention sweeper.
package app

import (
	"context"
	"sync"
	"time"

	"gitrelay/internal/audit"
	"gitrelay/internal/config"
	"gitrelay/internal/dispatch"
	"gitrelay/internal/retention"
	"gitrelay/internal/server"
	"gitrelay/internal/state"
	"gitrelay/internal/storage"
	telegram "gitrelay/internal/transport/telegram"
	logx "gitrelay/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger

	store   storage.Store
	mem     *state.Memory
	gw      *telegram.Gateway
	engine  *dispatch.Engine
	pub     audit.Publisher
	srv     *server.Server
	sweeper *retention.Sweeper

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logCfg(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	storePath := cfg.Storage.Path
	if storePath == "" {
		storePath = "./gitrelay.db"
	}
	store, err := storage.Open(storage.Config{Path: storePath, BusyTimeout: busyTimeout},
		log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	gw, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		RatePerSec:  cfg.Telegram.RatePerSec,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	handleTTL, err := config.ParseDurationOrDefault("dispatch.handle_ttl", cfg.Dispatch.HandleTTL, state.DefaultHandleTTL)
	if err != nil {
		return nil, err
	}
	bufferTTL, err := config.ParseDurationOrDefault("dispatch.buffer_ttl", cfg.Dispatch.BufferTTL, state.DefaultBufferTTL)
	if err != nil {
		return nil, err
	}

	mem := state.NewMemory()
	engine := dispatch.New(dispatch.Config{HandleTTL: handleTTL, BufferTTL: bufferTTL},
		mem, gw, log.With(logx.String("comp", "dispatch")))

	var amqpCfg audit.Config
	if cfg.AMQP != nil {
		amqpCfg = audit.Config{Enabled: cfg.AMQP.Enabled, URL: cfg.AMQP.URL, Exchange: cfg.AMQP.Exchange}
	}
	auditLog := log.With(logx.String("comp", "audit"))
	pub, err := audit.New(amqpCfg, auditLog)
	if err != nil {
		// A missing broker degrades the audit fan-out, not the relay.
		auditLog.Warn("amqp unavailable, audit fan-out disabled", logx.Err(err))
		pub = audit.NewFallback(auditLog)
	}

	srv := server.New(server.Config{Addr: cfg.HTTP.Addr, Secret: cfg.HTTP.Secret},
		store, engine, pub, log.With(logx.String("comp", "server")))

	maxEventAge, err := config.ParseDurationField("retention.max_event_age", cfg.Retention.MaxEventAge)
	if err != nil {
		return nil, err
	}
	sweeper := retention.New(retention.Config{Schedule: cfg.Retention.Schedule, MaxEventAge: maxEventAge},
		store, mem, log.With(logx.String("comp", "retention")))

	return &App{
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log,
		store:   store,
		mem:     mem,
		gw:      gw,
		engine:  engine,
		pub:     pub,
		srv:     srv,
		sweeper: sweeper,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.srv.Start(); err != nil {
		cancel()
		return err
	}
	if err := a.sweeper.Start(); err != nil {
		cancel()
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.applyConfigUpdates(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.gw.StartRegistration(runCtx, a.store)
	}()

	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.srv.Stop(ctx); err != nil {
		a.log.Warn("http shutdown error", logx.Err(err))
	}
	a.sweeper.Stop()
	a.wg.Wait()
	_ = a.pub.Close()
	_ = a.store.Close()
	a.log.Info("stopped")
	return a.logs.Close()
}

// applyConfigUpdates reacts to config file changes. Only the logging
// section is hot-applied; everything else needs a restart.
func (a *App) applyConfigUpdates(ctx context.Context) {
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			if cfg == nil {
				continue
			}
			a.logs.Apply(logCfg(cfg))
			a.log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
		}
	}
}

func logCfg(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
