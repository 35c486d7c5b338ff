// Package executor runs the commands guarded by a lock. A command is killed
// when its timeout elapses or when the lease protecting it is lost.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

var (
	// ErrTimeout is the cancellation cause when Options.Timeout elapses.
	ErrTimeout = errors.New("command timed out")

	// ErrLeaseLost is the cancellation cause when Options.LeaseLost closes.
	ErrLeaseLost = errors.New("lock lease lost")

	// ErrNoCommand is returned when neither Command nor Args is set.
	ErrNoCommand = errors.New("no command given")
)

// Result represents the result of a command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Err      error

	// TimedOut and LeaseLost report why the command was killed, if it was.
	TimedOut  bool
	LeaseLost bool
}

// Success returns true if the command executed successfully (exit code 0).
func (r *Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Options contains execution options for a command.
type Options struct {
	// Command is run with "$SHELL -c". Ignored when Args is set.
	Command string
	// Args is executed directly, without a shell.
	Args []string

	WorkDir string
	Env     map[string]string
	Timeout time.Duration

	// LeaseLost kills the command when closed.
	LeaseLost <-chan struct{}

	// Stdout and Stderr, if set, receive output as it is produced in
	// addition to the copy kept in Result.
	Stdout io.Writer
	Stderr io.Writer
}

// Executor runs commands.
type Executor struct {
	shell     string
	waitDelay time.Duration
}

// New creates a new Executor using $SHELL, or /bin/sh when unset.
func New() *Executor {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Executor{shell: shell, waitDelay: 5 * time.Second}
}

// Execute runs a command and waits for it. It never returns nil.
func (e *Executor) Execute(ctx context.Context, opts Options) *Result {
	start := time.Now()
	result := &Result{}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if opts.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, opts.Timeout, ErrTimeout)
		defer cancelTimeout()
	}

	if opts.LeaseLost != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-opts.LeaseLost:
				cancel(ErrLeaseLost)
			case <-done:
			}
		}()
	}

	cmd, err := e.command(ctx, opts)
	if err != nil {
		result.Err = err
		result.ExitCode = -1
		return result
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = tee(&stdout, opts.Stdout)
	cmd.Stderr = tee(&stderr, opts.Stderr)

	err = cmd.Run()
	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err == nil {
		return result
	}

	result.Err = err
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
	} else {
		result.ExitCode = -1
	}

	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		result.TimedOut = errors.Is(cause, ErrTimeout)
		result.LeaseLost = errors.Is(cause, ErrLeaseLost)
		result.Err = fmt.Errorf("%w: %w", cause, err)
	}

	return result
}

func (e *Executor) command(ctx context.Context, opts Options) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	switch {
	case len(opts.Args) > 0:
		cmd = exec.CommandContext(ctx, opts.Args[0], opts.Args[1:]...)
	case opts.Command != "":
		cmd = exec.CommandContext(ctx, e.shell, "-c", opts.Command)
	default:
		return nil, ErrNoCommand
	}

	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}

	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	// Children that inherited the pipes must not keep Run blocked.
	cmd.WaitDelay = e.waitDelay
	return cmd, nil
}

func tee(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}
