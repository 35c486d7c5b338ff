package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Load reads and parses a configuration file. Supports YAML, TOML and JSON
// formats based on file extension. Environment variables in the format
// ${VAR} or ${VAR:-default} are substituted.
func Load(path string) (*Config, error) {
	parser, err := parserFor(filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return load(file.Provider(path), parser)
}

// Read parses configuration of the given format ("yaml", "toml" or "json")
// from r.
func Read(r io.Reader, format string) (*Config, error) {
	parser, err := parserFor("." + format)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return load(rawbytes.Provider(data), parser)
}

func parserFor(ext string) (koanf.Parser, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
}

func load(p koanf.Provider, parser koanf.Parser) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(p, parser); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	expandEnvInConfig(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandEnvInConfig expands environment variables in string values that
// commonly carry secrets or host-specific settings.
func expandEnvInConfig(cfg *Config) {
	fields := []*string{
		&cfg.Node.ID,
		&cfg.Store.Backend,
		&cfg.Store.KeyPrefix,
		&cfg.Redis.Address,
		&cfg.Redis.Password,
		&cfg.Etcd.Username,
		&cfg.Etcd.Password,
		&cfg.Metrics.Address,
	}
	for i := range cfg.Etcd.Endpoints {
		fields = append(fields, &cfg.Etcd.Endpoints[i])
	}
	for i := range cfg.Jobs {
		job := &cfg.Jobs[i]
		fields = append(fields, &job.Name, &job.Command, &job.WorkDir, &job.OnFailure, &job.OnSuccess)
		for k, v := range job.Env {
			job.Env[k] = expandEnv(v)
		}
	}

	for _, f := range fields {
		*f = expandEnv(*f)
	}
}

// expandEnv substitutes ${VAR} and ${VAR:-default}. The default applies
// when VAR is unset or empty.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		if v := os.Getenv(name); v != "" || !hasDefault {
			return v
		}
		return def
	})
}

// Validate checks the configuration for errors.
func (cfg *Config) Validate() error {
	switch cfg.Store.Backend {
	case BackendRedis:
		if cfg.Redis.Address == "" {
			return fmt.Errorf("redis.address is required")
		}
	case BackendEtcd:
		if len(cfg.Etcd.Endpoints) == 0 || slices.Contains(cfg.Etcd.Endpoints, "") {
			return fmt.Errorf("etcd.endpoints must list at least one non-empty endpoint")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("store.backend %q is not one of redis, etcd, memory", cfg.Store.Backend)
	}

	if cfg.Lock.GlobalTimeout < 0 {
		return fmt.Errorf("lock.global_timeout must not be negative")
	}
	if cfg.Lock.PollInterval <= 0 {
		return fmt.Errorf("lock.poll_interval must be positive")
	}
	if cfg.Lock.Jitter < 0 {
		return fmt.Errorf("lock.jitter must not be negative")
	}

	seen := make(map[string]int)
	for i, job := range cfg.Jobs {
		if job.Name == "" {
			return fmt.Errorf("jobs[%d].name is required", i)
		}
		if prev, exists := seen[job.Name]; exists {
			return fmt.Errorf("jobs[%d].name %q is a duplicate of jobs[%d]", i, job.Name, prev)
		}
		seen[job.Name] = i
		if job.Schedule == "" {
			return fmt.Errorf("jobs[%d].schedule is required", i)
		}
		if job.Command == "" {
			return fmt.Errorf("jobs[%d].command is required", i)
		}
		if job.WaitTimeout < 0 {
			return fmt.Errorf("jobs[%d].wait_timeout must not be negative", i)
		}
		if job.LockTTL < 0 {
			return fmt.Errorf("jobs[%d].lock_ttl must not be negative", i)
		}
	}

	return nil
}
