// Package executor runs validated commands directly, without a shell, in a
// cleared environment with a wall-clock timeout and an output cap.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Reason is a stable failure code.
type Reason string

const (
	ReasonTimeout        Reason = "timeout"
	ReasonOutputTooLarge Reason = "outputTooLarge"
	ReasonNonZeroExit    Reason = "nonZeroExit"
	ReasonNotFound       Reason = "notFound"
	ReasonCanceled       Reason = "canceled"
	ReasonSpawnFailed    Reason = "spawnFailed"
)

// Error describes a failed execution.
type Error struct {
	Reason   Reason
	Program  string
	ExitCode int
	// Stderr is truncated to Limits.MaxStderrBytes.
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	switch e.Reason {
	case ReasonNonZeroExit:
		if e.Stderr != "" {
			return fmt.Sprintf("%s exited with code %d: %s", e.Program, e.ExitCode, e.Stderr)
		}
		return fmt.Sprintf("%s exited with code %d", e.Program, e.ExitCode)
	case ReasonNotFound:
		return fmt.Sprintf("%s: program not found", e.Program)
	case ReasonTimeout:
		return fmt.Sprintf("%s: timeout", e.Program)
	case ReasonOutputTooLarge:
		return fmt.Sprintf("%s: output too large", e.Program)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Program, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Program, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Limits bound a single execution.
type Limits struct {
	Timeout        time.Duration
	MaxOutputBytes int64
	MaxStderrBytes int
}

// DefaultLimits are used for zero-valued fields.
var DefaultLimits = Limits{
	Timeout:        30 * time.Second,
	MaxOutputBytes: 2 << 20,
	MaxStderrBytes: 4096,
}

// Spec is one process to run.
type Spec struct {
	// Argv is the program name followed by its arguments.
	Argv []string
	// Env is the complete child environment. Nothing is inherited.
	Env map[string]string
	Dir string
}

// Executor runs processes.
type Executor struct {
	limits   Limits
	logger   *slog.Logger
	lookPath func(string) (string, error)
}

// Option configures an Executor.
type Option func(*Executor)

// WithLookPath replaces exec.LookPath for program resolution.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(e *Executor) { e.lookPath = fn }
}

// New creates an executor. Zero fields in limits take DefaultLimits values.
func New(limits Limits, logger *slog.Logger, opts ...Option) *Executor {
	if limits.Timeout <= 0 {
		limits.Timeout = DefaultLimits.Timeout
	}
	if limits.MaxOutputBytes <= 0 {
		limits.MaxOutputBytes = DefaultLimits.MaxOutputBytes
	}
	if limits.MaxStderrBytes <= 0 {
		limits.MaxStderrBytes = DefaultLimits.MaxStderrBytes
	}
	e := &Executor{limits: limits, logger: logger, lookPath: exec.LookPath}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Limits returns the effective limits.
func (e *Executor) Limits() Limits { return e.limits }

var errOutputTooLarge = errors.New("output too large")

// Run executes spec and returns its stdout. Cancelling ctx kills the process.
func (e *Executor) Run(ctx context.Context, spec Spec) ([]byte, error) {
	if len(spec.Argv) == 0 {
		return nil, &Error{Reason: ReasonSpawnFailed, Err: errors.New("empty argv")}
	}
	program := spec.Argv[0]

	path, err := e.lookPath(program)
	if err != nil {
		return nil, &Error{Reason: ReasonNotFound, Program: program, ExitCode: -1, Err: err}
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	runCtx, cancelTimeout := context.WithTimeout(runCtx, e.limits.Timeout)
	defer cancelTimeout()

	cmd := exec.CommandContext(runCtx, path, spec.Argv[1:]...)
	cmd.Env = envList(spec.Env)
	cmd.Dir = spec.Dir
	cmd.WaitDelay = time.Second
	configureProcess(cmd)

	stdout := &capWriter{limit: e.limits.MaxOutputBytes, onOverflow: func() { cancel(errOutputTooLarge) }}
	stderr := &capWriter{limit: int64(e.limits.MaxStderrBytes)}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	if stdout.overflowed {
		e.logger.Warn("process output exceeded cap", "program", program, "limit_bytes", e.limits.MaxOutputBytes)
		return nil, &Error{Reason: ReasonOutputTooLarge, Program: program, ExitCode: -1}
	}
	if err == nil {
		e.logger.Debug("process finished", "program", program, "bytes", stdout.buf.Len(), "duration", elapsed)
		return stdout.buf.Bytes(), nil
	}

	stderrText := stderr.text()
	switch {
	case ctx.Err() != nil:
		return nil, &Error{Reason: ReasonCanceled, Program: program, ExitCode: -1, Err: ctx.Err()}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		e.logger.Warn("process timed out", "program", program, "timeout", e.limits.Timeout)
		return nil, &Error{Reason: ReasonTimeout, Program: program, ExitCode: -1, Stderr: stderrText, Err: runCtx.Err()}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, &Error{Reason: ReasonNonZeroExit, Program: program, ExitCode: exitErr.ExitCode(), Stderr: stderrText, Err: err}
	}
	if errors.Is(err, exec.ErrNotFound) {
		return nil, &Error{Reason: ReasonNotFound, Program: program, ExitCode: -1, Err: err}
	}
	return nil, &Error{Reason: ReasonSpawnFailed, Program: program, ExitCode: -1, Err: err}
}

// envList renders env as KEY=VALUE pairs. The result is never nil, so the
// child never inherits the parent environment.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// capWriter buffers up to limit bytes and discards the rest.
type capWriter struct {
	buf        bytes.Buffer
	limit      int64
	overflowed bool
	onOverflow func()
}

func (w *capWriter) Write(p []byte) (int, error) {
	room := w.limit - int64(w.buf.Len())
	if int64(len(p)) <= room {
		return w.buf.Write(p)
	}
	if room > 0 {
		w.buf.Write(p[:room])
	}
	if !w.overflowed {
		w.overflowed = true
		if w.onOverflow != nil {
			w.onOverflow()
		}
	}
	return len(p), nil
}

// text returns the buffered output, marked with "..." when bytes were dropped.
func (w *capWriter) text() string {
	s := w.buf.String()
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	s = strings.TrimSpace(s)
	if w.overflowed {
		s += "..."
	}
	return s
}
