package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ProcessorPolicy holds the reconciliation knobs that may change without a restart.
type ProcessorPolicy struct {
	ProcessPeriod      time.Duration `mapstructure:"process_period"`
	MeteringPeriod     time.Duration `mapstructure:"metering_period"`
	HistoricalExpenses bool          `mapstructure:"historical_expenses"`
	AllowOweAction     bool          `mapstructure:"allow_owe_action"`
	GraceUnit          time.Duration `mapstructure:"grace_unit"`
	UnlimitedLevel     int           `mapstructure:"unlimited_level"`
	Services           []string      `mapstructure:"services"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	IdlePause          time.Duration `mapstructure:"idle_pause"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	PassTimeout        time.Duration `mapstructure:"pass_timeout"`
	ReclaimRate        float64       `mapstructure:"reclaim_rate"`
	ReclaimBurst       int           `mapstructure:"reclaim_burst"`
}

func DefaultProcessorPolicy() ProcessorPolicy {
	return ProcessorPolicy{
		ProcessPeriod:      time.Hour,
		MeteringPeriod:     time.Hour,
		HistoricalExpenses: false,
		AllowOweAction:     true,
		GraceUnit:          24 * time.Hour,
		UnlimitedLevel:     9,
		Services: []string{
			"compute",
			"volume.volume",
			"volume.snapshot",
			"image",
			"ratelimit.fip",
			"ratelimit.gw",
			"loadbalancer",
		},
		TickInterval: time.Hour,
		IdlePause:    time.Second,
		LockTTL:      5 * time.Minute,
		PassTimeout:  50 * time.Minute,
		ReclaimRate:  10,
		ReclaimBurst: 20,
	}
}

// PolicyHolder serves the current ProcessorPolicy and swaps it on config file changes.
type PolicyHolder struct {
	current atomic.Value // holds ProcessorPolicy
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(policy ProcessorPolicy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewPolicyHolder(log *zap.Logger) (*PolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.processor")

	v := viper.New()

	v.SetConfigName("processor")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/shadowfiend")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SHADOWFIEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultProcessorPolicy()
	v.SetDefault("processor.process_period", defaults.ProcessPeriod)
	v.SetDefault("processor.metering_period", defaults.MeteringPeriod)
	v.SetDefault("processor.historical_expenses", defaults.HistoricalExpenses)
	v.SetDefault("processor.allow_owe_action", defaults.AllowOweAction)
	v.SetDefault("processor.grace_unit", defaults.GraceUnit)
	v.SetDefault("processor.unlimited_level", defaults.UnlimitedLevel)
	v.SetDefault("processor.services", defaults.Services)
	v.SetDefault("processor.tick_interval", defaults.TickInterval)
	v.SetDefault("processor.idle_pause", defaults.IdlePause)
	v.SetDefault("processor.lock_ttl", defaults.LockTTL)
	v.SetDefault("processor.pass_timeout", defaults.PassTimeout)
	v.SetDefault("processor.reclaim_rate", defaults.ReclaimRate)
	v.SetDefault("processor.reclaim_burst", defaults.ReclaimBurst)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		watch = false
		log.Info("processor config file not found, using defaults")
	}

	policy, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticPolicyHolder(policy)
	if !watch {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePolicy(v)
		if err != nil {
			log.Warn("processor config reload ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("processor config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// decodePolicy unmarshals the whole tree so nested defaults merge with file values.
func decodePolicy(v *viper.Viper) (ProcessorPolicy, error) {
	var root struct {
		Processor ProcessorPolicy `mapstructure:"processor"`
	}
	if err := v.Unmarshal(&root); err != nil {
		return ProcessorPolicy{}, err
	}
	if err := ValidateProcessorPolicy(root.Processor); err != nil {
		return ProcessorPolicy{}, err
	}
	return root.Processor, nil
}

func (h *PolicyHolder) Get() ProcessorPolicy {
	return h.current.Load().(ProcessorPolicy)
}

func ValidateProcessorPolicy(p ProcessorPolicy) error {
	if p.ProcessPeriod <= 0 {
		return errors.New("processor.process_period must be positive")
	}
	if p.MeteringPeriod <= 0 {
		return errors.New("processor.metering_period must be positive")
	}
	if p.GraceUnit < 0 {
		return errors.New("processor.grace_unit cannot be negative")
	}
	if p.TickInterval <= 0 {
		return errors.New("processor.tick_interval must be positive")
	}
	if p.LockTTL <= 0 {
		return errors.New("processor.lock_ttl must be positive")
	}
	if p.ReclaimRate < 0 || p.ReclaimBurst < 0 {
		return errors.New("processor.reclaim_rate and reclaim_burst cannot be negative")
	}
	return nil
}
