// Package retention bounds growth of the durable event log and the
// in-memory dispatch state. The state store already expires passively on
// access; the sweep just keeps idle keys from lingering until touched.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"gitrelay/internal/state"
	"gitrelay/internal/storage"
	logx "gitrelay/pkg/logx"
)

type Config struct {
	// Schedule is a cron spec (robfig syntax), default "@hourly".
	Schedule string
	// MaxEventAge prunes audit rows older than this, default 30 days.
	MaxEventAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "@hourly"
	}
	if c.MaxEventAge <= 0 {
		c.MaxEventAge = 30 * 24 * time.Hour
	}
	return c
}

type Sweeper struct {
	cfg   Config
	store storage.Store
	mem   *state.Memory
	log   logx.Logger
	cron  *cron.Cron
}

func New(cfg Config, store storage.Store, mem *state.Memory, log logx.Logger) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{cfg: cfg.withDefaults(), store: store, mem: mem, log: log, cron: cron.New()}
}

func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("retention sweeper started", logx.String("schedule", s.cfg.Schedule))
	return nil
}

func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.MaxEventAge)
	pruned, err := s.store.PruneEvents(ctx, cutoff)
	if err != nil {
		s.log.Warn("event log prune failed", logx.Err(err))
	}

	expired := 0
	if s.mem != nil {
		expired = s.mem.PruneExpired()
	}

	if pruned > 0 || expired > 0 {
		s.log.Info("sweep done", logx.Int64("events_pruned", pruned), logx.Int("state_expired", expired))
	}
}
