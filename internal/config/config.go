package config

import "time"

// Store backends.
const (
	BackendRedis  = "redis"
	BackendEtcd   = "etcd"
	BackendMemory = "memory"
)

// Config represents the complete application configuration.
type Config struct {
	Node    NodeConfig    `koanf:"node"`
	Store   StoreConfig   `koanf:"store"`
	Redis   RedisConfig   `koanf:"redis"`
	Etcd    EtcdConfig    `koanf:"etcd"`
	Lock    LockConfig    `koanf:"lock"`
	Metrics MetricsConfig `koanf:"metrics"`
	Jobs    []JobConfig   `koanf:"jobs"`
}

// NodeConfig contains node-specific settings.
type NodeConfig struct {
	ID          string        `koanf:"id"`
	GracePeriod time.Duration `koanf:"grace_period"`
}

// StoreConfig selects the backend holding lock records.
type StoreConfig struct {
	Backend   string `koanf:"backend"`
	KeyPrefix string `koanf:"key_prefix"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// EtcdConfig contains etcd connection settings.
type EtcdConfig struct {
	Endpoints   []string      `koanf:"endpoints"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
	Username    string        `koanf:"username"`
	Password    string        `koanf:"password"`
}

// LockConfig holds defaults for locks taken outside of jobs.
type LockConfig struct {
	GlobalTimeout time.Duration `koanf:"global_timeout"`
	PollInterval  time.Duration `koanf:"poll_interval"`
	Jitter        time.Duration `koanf:"jitter"`
}

// MetricsConfig controls the Prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	Address string `koanf:"address"`
	Path    string `koanf:"path"`
}

// JobConfig defines a scheduled job.
type JobConfig struct {
	Name        string            `koanf:"name"`
	Schedule    string            `koanf:"schedule"`
	Command     string            `koanf:"command"`
	Timeout     time.Duration     `koanf:"timeout"`
	LockTTL     time.Duration     `koanf:"lock_ttl"`
	WaitTimeout time.Duration     `koanf:"wait_timeout"`
	WorkDir     string            `koanf:"work_dir"`
	Env         map[string]string `koanf:"env"`
	OnFailure   string            `koanf:"on_failure"`
	OnSuccess   string            `koanf:"on_success"`
	Enabled     *bool             `koanf:"enabled"`
}

// IsEnabled returns whether the job is enabled. Defaults to true if not specified.
func (j JobConfig) IsEnabled() bool {
	if j.Enabled == nil {
		return true
	}
	return *j.Enabled
}

// LeaseTTL returns the TTL for the job's lock: lock_ttl if set, otherwise
// the command timeout plus a minute, otherwise five minutes.
func (j JobConfig) LeaseTTL() time.Duration {
	switch {
	case j.LockTTL > 0:
		return j.LockTTL
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
		Store: StoreConfig{
			Backend:   BackendRedis,
			KeyPrefix: "leaselock:",
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
		Etcd: EtcdConfig{
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: 5 * time.Second,
		},
		Lock: LockConfig{
			PollInterval: 100 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Jobs: []JobConfig{},
	}
}
