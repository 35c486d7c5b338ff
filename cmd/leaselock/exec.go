package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"leaselock/internal/executor"
	"leaselock/internal/lock"

	"github.com/spf13/cobra"
)

// exitNotAcquired is EX_TEMPFAIL from sysexits.h.
const exitNotAcquired = 75

// ttlFromConfig is the --ttl default: use the configured global timeout.
const ttlFromConfig time.Duration = -1

type execOptions struct {
	key     string
	ttl     time.Duration
	wait    time.Duration
	block   bool
	timeout time.Duration
}

func newExecCmd(g *globals) *cobra.Command {
	o := &execOptions{}

	cmd := &cobra.Command{
		Use:   "exec --key KEY [flags] -- COMMAND [ARGS...]",
		Short: "Run a command while holding a lock",
		Long: `exec acquires the lock, runs the command while refreshing the lease, and
releases the lock when the command exits. The command is killed if the lease
is lost. Exits with status 75 when the lock could not be acquired, otherwise
with the command's status.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, g, o, args)
		},
	}

	cmd.Flags().StringVarP(&o.key, "key", "k", "", "lock key")
	cmd.Flags().DurationVar(&o.ttl, "ttl", ttlFromConfig, "global timeout of the lock, 0 never expires (default from config)")
	cmd.Flags().DurationVarP(&o.wait, "wait", "w", 0, "wait up to this long for the lock (0 tries once)")
	cmd.Flags().BoolVar(&o.block, "block", false, "wait for the lock without a deadline")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 0, "kill the command after this long")
	_ = cmd.MarkFlagRequired("key")

	return cmd
}

func runExec(cmd *cobra.Command, g *globals, o *execOptions, args []string) error {
	if o.ttl < 0 && o.ttl != ttlFromConfig {
		return fmt.Errorf("invalid --ttl %s: must not be negative", o.ttl)
	}

	logger, err := g.logger(cmd)
	if err != nil {
		return err
	}
	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	opts := lockOptions(cfg, nodeID(cfg, logger), logger, nil)
	if o.ttl != ttlFromConfig {
		opts = append(opts, lock.WithGlobalTimeout(o.ttl))
	}
	l, err := lock.New(st, o.key, opts...)
	if err != nil {
		return err
	}

	blocking := o.block || o.wait > 0
	acquired, err := l.Acquire(ctx, blocking, o.wait)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return &exitError{code: exitNotAcquired, msg: fmt.Sprintf("lock %q is held by another owner", o.key)}
	}
	logger.Debug("acquired lock", "key", o.key, "ttl", l.GlobalTimeout())

	// Hold the lease only while the command runs.
	keepCtx, stopKeep := context.WithCancel(ctx)
	var lost <-chan struct{}
	if l.GlobalTimeout() > 0 {
		lost = l.Keep(keepCtx, 0)
	}

	result := executor.New().Execute(ctx, executor.Options{
		Args:      args,
		Timeout:   o.timeout,
		LeaseLost: lost,
		Stdout:    cmd.OutOrStdout(),
		Stderr:    cmd.ErrOrStderr(),
	})
	stopKeep()

	if !result.LeaseLost {
		if _, err := l.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to release lock", "key", o.key, "error", err)
		}
	}

	switch {
	case result.Success():
		return nil
	case result.LeaseLost:
		return &exitError{code: 1, msg: fmt.Sprintf("lease on %q lost, command killed", o.key)}
	case result.ExitCode > 0:
		return &exitError{code: result.ExitCode}
	default:
		return result.Err
	}
}
