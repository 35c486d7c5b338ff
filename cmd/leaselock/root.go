package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"leaselock/internal/config"
	"leaselock/internal/lock"
	"leaselock/internal/metrics"
	"leaselock/internal/store"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var version = "dev"

const connectTimeout = 5 * time.Second

// globals holds the persistent flags shared by every command.
type globals struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "leaselock",
		Short: "Self-expiring distributed locks",
		Long: `leaselock coordinates processes on different hosts through lease locks
kept in Redis, etcd or process memory.

A lock expires after its global timeout unless the holder refreshes it.
A global timeout of 0 never expires and must be released or cleared by hand.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "configuration file (yaml, toml or json; - reads yaml from stdin)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(g),
		newExecCmd(g),
		newStatusCmd(g),
		newClearCmd(g),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "leaselock %s\n", version)
		},
	}
}

// loadConfig reads the configuration named by --config, or returns the
// defaults when none was given.
func (g *globals) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	switch g.configPath {
	case "":
		cfg := config.Defaults()
		return &cfg, nil
	case "-":
		return config.Read(cmd.InOrStdin(), "yaml")
	default:
		return config.Load(g.configPath)
	}
}

func (g *globals) logger(cmd *cobra.Command) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: level,
	})), nil
}

// nodeID returns the configured node ID, or a generated one.
func nodeID(cfg *config.Config, logger *slog.Logger) string {
	if cfg.Node.ID != "" {
		return cfg.Node.ID
	}
	hostname, _ := os.Hostname()
	id := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	logger.Debug("generated node ID", "node_id", id)
	return id
}

// openStore connects to the configured backend and verifies the connection.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var st store.Store

	switch cfg.Store.Backend {
	case config.BackendRedis:
		st = store.NewRedis(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
	case config.BackendEtcd:
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Username:    cfg.Etcd.Username,
			Password:    cfg.Etcd.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create etcd client: %w", err)
		}
		st = store.NewEtcd(client)
	case config.BackendMemory:
		st = store.NewMemory()
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if p, ok := st.(store.Pinger); ok {
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := p.Ping(pingCtx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Store.Backend, err)
		}
	}
	return st, nil
}

// lockOptions maps the lock section of cfg to lock options.
func lockOptions(cfg *config.Config, identity string, logger *slog.Logger, m *metrics.Metrics) []lock.Option {
	return []lock.Option{
		lock.WithKeyPrefix(cfg.Store.KeyPrefix),
		lock.WithIdentity(identity),
		lock.WithGlobalTimeout(cfg.Lock.GlobalTimeout),
		lock.WithPollInterval(cfg.Lock.PollInterval),
		lock.WithJitter(cfg.Lock.Jitter),
		lock.WithLogger(logger),
		lock.WithMetrics(m),
	}
}
