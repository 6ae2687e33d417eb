// Package config holds the runtime configuration of the rwqueue command.
//
// Values come from command-line flags, RWQUEUE_* environment variables, or
// an rwqueue.yaml file (in that order of precedence), falling back to
// [Default].
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ardnew/usbrwq/host"
	"github.com/ardnew/usbrwq/host/hal/loopback"
	"github.com/ardnew/usbrwq/pkg"
)

// EnvPrefix prefixes every environment variable the configuration reads.
const EnvPrefix = "RWQUEUE"

// Configuration keys.
const (
	KeyPowerPolicyOwner = "powerPolicyOwner"
	KeyMaxInFlight      = "maxInFlight"
	KeySuspendGrace     = "suspendGrace"
	KeyLoopbackDepth    = "loopback.depth"
	KeyLoopbackLatency  = "loopback.latency"
	KeyLogLevel         = "log.level"
	KeyLogFormat        = "log.format"
	KeyMetricsAddr      = "metrics.addr"
)

// envNames maps each key to the environment variable that sets it.
var envNames = map[string]string{
	KeyPowerPolicyOwner: "RWQUEUE_POWER_POLICY_OWNER",
	KeyMaxInFlight:      "RWQUEUE_MAX_IN_FLIGHT",
	KeySuspendGrace:     "RWQUEUE_SUSPEND_GRACE",
	KeyLoopbackDepth:    "RWQUEUE_LOOPBACK_DEPTH",
	KeyLoopbackLatency:  "RWQUEUE_LOOPBACK_LATENCY",
	KeyLogLevel:         "RWQUEUE_LOG_LEVEL",
	KeyLogFormat:        "RWQUEUE_LOG_FORMAT",
	KeyMetricsAddr:      "RWQUEUE_METRICS_ADDR",
}

// LoopbackConfig configures the in-memory loopback function.
type LoopbackConfig struct {
	Depth   int
	Latency time.Duration
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string
}

// Config is the complete runtime configuration.
type Config struct {
	// PowerPolicyOwner makes the request queue power managed.
	PowerPolicyOwner bool

	// MaxInFlight bounds the transfers executing at once.
	MaxInFlight int

	// SuspendGrace delays cancellation of in-flight transfers on suspend.
	SuspendGrace time.Duration

	Loopback LoopbackConfig
	Log      LogConfig
	Metrics  MetricsConfig
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		PowerPolicyOwner: true,
		MaxInFlight:      host.DefaultMaxInFlight,
		Loopback: LoopbackConfig{
			Depth: loopback.DefaultDepth,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.MaxInFlight < 1:
		return fmt.Errorf("%w: %s must be at least 1, got %d", pkg.ErrInvalidParameter, KeyMaxInFlight, c.MaxInFlight)
	case c.SuspendGrace < 0:
		return fmt.Errorf("%w: %s must not be negative", pkg.ErrInvalidParameter, KeySuspendGrace)
	case c.Loopback.Depth < 1:
		return fmt.Errorf("%w: %s must be at least 1, got %d", pkg.ErrInvalidParameter, KeyLoopbackDepth, c.Loopback.Depth)
	case c.Loopback.Latency < 0:
		return fmt.Errorf("%w: %s must not be negative", pkg.ErrInvalidParameter, KeyLoopbackLatency)
	}
	if _, err := pkg.ParseLogLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := pkg.ParseLogFormat(c.Log.Format); err != nil {
		return err
	}
	return nil
}

// New returns a viper instance that reads rwqueue.yaml from /etc/rwqueue,
// $HOME/.rwqueue or the working directory, and RWQUEUE_* variables, with
// every key defaulted from [Default].
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("rwqueue")
	v.SetConfigType("yaml")
	for _, path := range []string{"/etc/rwqueue", "$HOME/.rwqueue", "."} {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault(KeyPowerPolicyOwner, d.PowerPolicyOwner)
	v.SetDefault(KeyMaxInFlight, d.MaxInFlight)
	v.SetDefault(KeySuspendGrace, d.SuspendGrace)
	v.SetDefault(KeyLoopbackDepth, d.Loopback.Depth)
	v.SetDefault(KeyLoopbackLatency, d.Loopback.Latency)
	v.SetDefault(KeyLogLevel, d.Log.Level)
	v.SetDefault(KeyLogFormat, d.Log.Format)
	v.SetDefault(KeyMetricsAddr, d.Metrics.Addr)

	for key, env := range envNames {
		// BindEnv only fails without a key.
		_ = v.BindEnv(key, env)
	}
	return v
}

// Load reads the configuration file, if any, and decodes v into a validated
// Config. A missing configuration file is not an error.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	c := Default()
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
