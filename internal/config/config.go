package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Keys recognized by the driver. Every "grid."-prefixed key except
// KeyHostPort, recognized or not, is forwarded untouched to registering
// executors.
const (
	KeyAskTimeout         = "grid.ask.timeout"
	KeyDefaultParallelism = "grid.default.parallelism"
	KeyReviveInterval     = "grid.scheduler.revive.interval"
	KeySynthesizeLost     = "grid.scheduler.synthesize.lost"
	KeyHeartbeatInterval  = "grid.executor.heartbeat.interval"
	KeyHeartbeatTimeout   = "grid.executor.heartbeat.timeout"
	KeyHostPort           = "grid.hostport"

	propertyPrefix = "grid."
)

// Config is an immutable snapshot of the process configuration, taken once at
// startup. The driver never re-reads configuration after Load.
type Config struct {
	askTimeout        time.Duration
	parallelism       int
	parallelismSet    bool
	reviveInterval    time.Duration
	synthesizeLost    bool
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	properties        map[string]string
}

// Load snapshots the given viper instance. Defaults are applied for every
// recognized key that is unset, except the parallelism override and the
// host:port, which have none.
func Load(v *viper.Viper) *Config {
	v.SetDefault(KeyAskTimeout, 10)
	v.SetDefault(KeyReviveInterval, time.Second)
	v.SetDefault(KeySynthesizeLost, true)
	v.SetDefault(KeyHeartbeatInterval, 5*time.Second)
	v.SetDefault(KeyHeartbeatTimeout, 15*time.Second)

	cfg := &Config{
		askTimeout:        time.Duration(v.GetInt(KeyAskTimeout)) * time.Second,
		reviveInterval:    v.GetDuration(KeyReviveInterval),
		synthesizeLost:    v.GetBool(KeySynthesizeLost),
		heartbeatInterval: v.GetDuration(KeyHeartbeatInterval),
		heartbeatTimeout:  v.GetDuration(KeyHeartbeatTimeout),
		properties:        make(map[string]string),
	}

	if v.IsSet(KeyDefaultParallelism) {
		cfg.parallelism = v.GetInt(KeyDefaultParallelism)
		cfg.parallelismSet = true
	}

	// Snapshot every grid.* property except the host:port of this driver,
	// which is meaningless on the executor side.
	for _, key := range v.AllKeys() {
		if !strings.HasPrefix(key, propertyPrefix) || key == KeyHostPort {
			continue
		}
		cfg.properties[key] = v.GetString(key)
	}

	return cfg
}

// AskTimeout bounds synchronous request/acknowledge exchanges with the
// coordinator (Stop, RemoveExecutor).
func (c *Config) AskTimeout() time.Duration { return c.askTimeout }

// DefaultParallelism returns the configured override, if any.
func (c *Config) DefaultParallelism() (int, bool) { return c.parallelism, c.parallelismSet }

// ReviveInterval is the period of the automatic offer revival; zero or
// negative disables it.
func (c *Config) ReviveInterval() time.Duration { return c.reviveInterval }

// SynthesizeLost reports whether a failed launch send should surface the task
// to the cluster scheduler as lost.
func (c *Config) SynthesizeLost() bool { return c.synthesizeLost }

// HeartbeatInterval is the period at which the driver checks for expired
// heartbeats. Executors send heartbeats at their own configured interval;
// this value does not change it.
func (c *Config) HeartbeatInterval() time.Duration { return c.heartbeatInterval }

// HeartbeatTimeout is the silence after which an executor is considered
// disconnected.
func (c *Config) HeartbeatTimeout() time.Duration { return c.heartbeatTimeout }

// Properties is the snapshot forwarded to each registering executor.
func (c *Config) Properties() map[string]string {
	props := make(map[string]string, len(c.properties))
	for k, v := range c.properties {
		props[k] = v
	}
	return props
}
