package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EngineConfig carries the tunables of the membership engine that may change
// at runtime without a restart.
type EngineConfig struct {
	Reference  ReferenceConfig  `mapstructure:"reference"`
	Contention ContentionConfig `mapstructure:"contention"`
	Expiry     ExpiryConfig     `mapstructure:"expiry"`
	Kiosk      KioskConfig      `mapstructure:"kiosk"`
	GCash      GCashConfig      `mapstructure:"gcash"`
	Reports    ReportsConfig    `mapstructure:"reports"`
}

type ReferenceConfig struct {
	MaxAttempts int `mapstructure:"maxAttempts"`
}

type ContentionConfig struct {
	MaxTries         uint          `mapstructure:"maxTries"`
	LockTimeout      time.Duration `mapstructure:"lockTimeout"`
	StatementTimeout time.Duration `mapstructure:"statementTimeout"`
	InitialBackoff   time.Duration `mapstructure:"initialBackoff"`
	MaxBackoff       time.Duration `mapstructure:"maxBackoff"`
}

type ExpiryConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batchSize"`
	LockTTL    time.Duration `mapstructure:"lockTTL"`
	JobTimeout time.Duration `mapstructure:"jobTimeout"`
}

type KioskConfig struct {
	RatePerSecond float64 `mapstructure:"ratePerSecond"`
	Burst         int     `mapstructure:"burst"`
}

type GCashConfig struct {
	AccountName   string `mapstructure:"accountName"`
	AccountNumber string `mapstructure:"accountNumber"`
}

type ReportsConfig struct {
	ExpiringDays int `mapstructure:"expiringDays"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Reference: ReferenceConfig{MaxAttempts: 5},
		Contention: ContentionConfig{
			MaxTries:         4,
			LockTimeout:      2 * time.Second,
			StatementTimeout: 10 * time.Second,
			InitialBackoff:   25 * time.Millisecond,
			MaxBackoff:       500 * time.Millisecond,
		},
		Expiry: ExpiryConfig{
			Interval:   5 * time.Minute,
			BatchSize:  200,
			LockTTL:    4 * time.Minute,
			JobTimeout: 2 * time.Minute,
		},
		Kiosk: KioskConfig{RatePerSecond: 5, Burst: 10},
		GCash: GCashConfig{
			AccountName:   "Gym Front Desk",
			AccountNumber: "",
		},
		Reports: ReportsConfig{ExpiringDays: 7},
	}
}

// EngineConfigHolder serves the latest valid EngineConfig and reloads it
// when engine.yml changes on disk.
type EngineConfigHolder struct {
	current atomic.Value // holds EngineConfig
}

// NewStaticEngineConfigHolder wraps a fixed config. Used by tests and tools.
func NewStaticEngineConfigHolder(cfg EngineConfig) *EngineConfigHolder {
	holder := &EngineConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewEngineConfigHolder() (*EngineConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("engine")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/gymledger/config")
	v.AddConfigPath("/etc/gymledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("GYMLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setEngineDefaults(v, DefaultEngineConfig())

	watch := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		watch = false
	}

	var cfg EngineConfig
	if err := v.UnmarshalKey("engine", &cfg); err != nil {
		return nil, err
	}
	if err := validateEngineConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticEngineConfigHolder(cfg)

	if watch {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated EngineConfig
			if err := v.UnmarshalKey("engine", &updated); err != nil {
				log.Printf("[engine-config] reload failed: %v", err)
				return
			}
			if err := validateEngineConfig(updated); err != nil {
				log.Printf("[engine-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[engine-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

func (h *EngineConfigHolder) Get() EngineConfig {
	if h == nil {
		return DefaultEngineConfig()
	}
	cfg, ok := h.current.Load().(EngineConfig)
	if !ok {
		return DefaultEngineConfig()
	}
	return cfg
}

func setEngineDefaults(v *viper.Viper, d EngineConfig) {
	v.SetDefault("engine.reference.maxAttempts", d.Reference.MaxAttempts)
	v.SetDefault("engine.contention.maxTries", d.Contention.MaxTries)
	v.SetDefault("engine.contention.lockTimeout", d.Contention.LockTimeout)
	v.SetDefault("engine.contention.statementTimeout", d.Contention.StatementTimeout)
	v.SetDefault("engine.contention.initialBackoff", d.Contention.InitialBackoff)
	v.SetDefault("engine.contention.maxBackoff", d.Contention.MaxBackoff)
	v.SetDefault("engine.expiry.interval", d.Expiry.Interval)
	v.SetDefault("engine.expiry.batchSize", d.Expiry.BatchSize)
	v.SetDefault("engine.expiry.lockTTL", d.Expiry.LockTTL)
	v.SetDefault("engine.expiry.jobTimeout", d.Expiry.JobTimeout)
	v.SetDefault("engine.kiosk.ratePerSecond", d.Kiosk.RatePerSecond)
	v.SetDefault("engine.kiosk.burst", d.Kiosk.Burst)
	v.SetDefault("engine.gcash.accountName", d.GCash.AccountName)
	v.SetDefault("engine.gcash.accountNumber", d.GCash.AccountNumber)
	v.SetDefault("engine.reports.expiringDays", d.Reports.ExpiringDays)
}

func validateEngineConfig(cfg EngineConfig) error {
	if cfg.Reference.MaxAttempts <= 0 {
		return errors.New("engine.reference.maxAttempts must be positive")
	}
	if cfg.Contention.MaxTries == 0 {
		return errors.New("engine.contention.maxTries must be positive")
	}
	if cfg.Expiry.Interval <= 0 {
		return errors.New("engine.expiry.interval must be positive")
	}
	if cfg.Expiry.BatchSize <= 0 {
		return errors.New("engine.expiry.batchSize must be positive")
	}
	if cfg.Kiosk.RatePerSecond <= 0 || cfg.Kiosk.Burst <= 0 {
		return errors.New("engine.kiosk rate and burst must be positive")
	}
	if cfg.Reports.ExpiringDays <= 0 {
		return errors.New("engine.reports.expiringDays must be positive")
	}
	return nil
}
