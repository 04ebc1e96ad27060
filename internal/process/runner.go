package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// defaultGracefulTimeout is how long a cancelled command gets between
// SIGTERM and SIGKILL.
const defaultGracefulTimeout = 10 * time.Second

// maxCapturedOutput bounds the stdout/stderr kept per command.
const maxCapturedOutput = 1 << 20

// Command describes one subprocess invocation.
type Command struct {
	// Name is a human-readable identifier for logging and errors.
	// Defaults to the binary path.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format).
	Env []string

	// WorkDir is the working directory. If empty, inherits from the agent.
	WorkDir string

	// Timeout bounds the run. Zero means only the context bounds it.
	Timeout time.Duration
}

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Executor runs commands. Operation actors depend on this interface so
// tests can substitute scripted results.
type Executor interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Logger defines the logging interface for the runner.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Runner executes commands in their own process group.
type Runner struct {
	logger          Logger
	gracefulTimeout time.Duration
}

// NewRunner creates a runner with default settings.
func NewRunner() *Runner {
	return &Runner{
		logger:          noopLogger{},
		gracefulTimeout: defaultGracefulTimeout,
	}
}

// SetLogger sets the logger for the runner.
func (r *Runner) SetLogger(logger Logger) {
	r.logger = logger
}

// SetGracefulTimeout changes the delay between SIGTERM and SIGKILL.
func (r *Runner) SetGracefulTimeout(d time.Duration) {
	if d > 0 {
		r.gracefulTimeout = d
	}
}

// Run starts the command, waits for it and returns its output.
//
// A non-zero exit status returns the Result together with an *ExitError.
// A cancelled context terminates the whole process group and returns the
// context error.
func (r *Runner) Run(ctx context.Context, c Command) (Result, error) {
	if c.Binary == "" {
		return Result{}, ErrEmptyBinary
	}
	name := c.Name
	if name == "" {
		name = c.Binary
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Binary, c.Args...) //nolint:gosec // Binaries come from the agent's plugin directory and configuration

	// A new process group lets cancellation reach every child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd, syscall.SIGTERM)
	}
	cmd.WaitDelay = r.gracefulTimeout

	if c.Env != nil {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.WorkDir != "" {
		cmd.Dir = c.WorkDir
	}

	stdout := &limitedBuffer{limit: maxCapturedOutput}
	stderr := &limitedBuffer{limit: maxCapturedOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.Debug("running command", "name", name, "binary", c.Binary, "args", c.Args)

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		// Make sure nothing in the group survives the SIGTERM.
		signalGroup(cmd, syscall.SIGKILL) //nolint:errcheck // Best effort, group may be gone
		r.logger.Warn("command cancelled", "name", name, "error", ctxErr)
		return res, fmt.Errorf("running %s: %w", name, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		r.logger.Debug("command failed", "name", name, "exit_code", res.ExitCode)
		return res, &ExitError{Name: name, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	if err != nil {
		return res, fmt.Errorf("running %s: %w", name, err)
	}

	r.logger.Debug("command finished", "name", name, "duration", res.Duration)
	return res, nil
}

// signalGroup signals the process group created via Setpgid.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	// Negative PID addresses the process group.
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// limitedBuffer keeps the first limit bytes written and drops the rest.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
