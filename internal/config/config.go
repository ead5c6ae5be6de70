package config

import "time"

// Watchdog scheduling strategies for lease enforcement.
const (
	StrategyDedicated = "dedicated"
	StrategyPool      = "pool"
)

// Config is the configuration of the leaselock daemon.
type Config struct {
	Node    NodeConfig    `koanf:"node"`
	Redis   RedisConfig   `koanf:"redis"`
	Lock    LockConfig    `koanf:"lock"`
	Metrics MetricsConfig `koanf:"metrics"`
	Jobs    []JobConfig   `koanf:"jobs"`
}

// NodeConfig contains node-specific settings.
type NodeConfig struct {
	ID          string        `koanf:"id"`
	GracePeriod time.Duration `koanf:"grace_period"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Address   string `koanf:"address"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

// LockConfig controls how job locks wait and how leases are enforced.
type LockConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	Strategy     string        `koanf:"strategy"`
	PoolWorkers  int           `koanf:"pool_workers"`
	PoolCapacity int           `koanf:"pool_capacity"`
	// Notify announces releases so nodes waiting on a job wake up at once.
	Notify bool `koanf:"notify"`
}

// MetricsConfig enables the Prometheus endpoint when Address is set.
type MetricsConfig struct {
	Address string `koanf:"address"`
}

// JobConfig defines a scheduled job. A non-zero KillGrace stops a run with
// SIGTERM first and kills the command only if it outlives the grace.
type JobConfig struct {
	Name      string            `koanf:"name"`
	Schedule  string            `koanf:"schedule"`
	Command   string            `koanf:"command"`
	Timeout   time.Duration     `koanf:"timeout"`
	Lease     time.Duration     `koanf:"lease"`
	Wait      time.Duration     `koanf:"wait"`
	KillGrace time.Duration     `koanf:"kill_grace"`
	WorkDir   string            `koanf:"work_dir"`
	Env       map[string]string `koanf:"env"`
	OnFailure string            `koanf:"on_failure"`
	OnSuccess string            `koanf:"on_success"`
	Enabled   *bool             `koanf:"enabled"`
}

// IsEnabled returns whether the job is enabled. Defaults to true if not specified.
func (j JobConfig) IsEnabled() bool {
	if j.Enabled == nil {
		return true
	}
	return *j.Enabled
}

// EffectiveLease returns the lease a run of the job holds its lock for.
// Unset, it is the timeout plus one minute, or five minutes without a timeout.
func (j JobConfig) EffectiveLease() time.Duration {
	switch {
	case j.Lease > 0:
		return j.Lease
	case j.Timeout > 0:
		return j.Timeout + time.Minute
	default:
		return 5 * time.Minute
	}
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Node: NodeConfig{
			GracePeriod: 5 * time.Second,
		},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			KeyPrefix: "leaselock:",
		},
		Lock: LockConfig{
			PollInterval: 100 * time.Millisecond,
			Strategy:     StrategyDedicated,
			PoolWorkers:  4,
			PoolCapacity: 1024,
		},
		Jobs: []JobConfig{},
	}
}
