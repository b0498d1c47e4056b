package scheduler

import (
	"time"

	"github.com/smallbiznis/gymledger/internal/config"
)

// Config controls which jobs run. Cadence, batch size and lease lengths come
// from the engine config holder so they follow hot reloads.
type Config struct {
	EnabledJobs []string
}

func ProvideConfig(cfg config.Config) Config {
	return Config{EnabledJobs: cfg.SchedulerJobs}
}

type runSettings struct {
	interval   time.Duration
	batchSize  int
	lockTTL    time.Duration
	jobTimeout time.Duration
}

func settingsFrom(engine *config.EngineConfigHolder) runSettings {
	defaults := config.DefaultEngineConfig().Expiry
	expiry := engine.Get().Expiry

	s := runSettings{
		interval:   expiry.Interval,
		batchSize:  expiry.BatchSize,
		lockTTL:    expiry.LockTTL,
		jobTimeout: expiry.JobTimeout,
	}
	if s.interval <= 0 {
		s.interval = defaults.Interval
	}
	if s.batchSize <= 0 {
		s.batchSize = defaults.BatchSize
	}
	if s.jobTimeout <= 0 {
		s.jobTimeout = defaults.JobTimeout
	}
	// The lease must outlive the job or a second runner could start mid-sweep.
	if s.lockTTL <= s.jobTimeout {
		s.lockTTL = s.jobTimeout + time.Minute
	}
	return s
}
