// Package sandbox runs validated commands against the read-only document
// root. It spawns the argument vector directly, never through a shell, so
// the only thing that can execute is exactly what the validator approved.
// Output is captured with per-stream byte caps and a wall-clock timeout
// kills the entire process group, not just the leader.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// ErrTimeout reports that a command exceeded its wall-clock budget. It is
// distinct from a non-zero exit, which is a normal Result.
var ErrTimeout = errors.New("sandbox: execution timed out")

// TruncationMarker is appended to a captured stream that hit its byte cap.
const TruncationMarker = "\n... (output truncated)"

const (
	defaultTimeout        = 30 * time.Second
	defaultMaxOutputBytes = 1 << 20
	defaultMaxConcurrent  = 16
)

type (
	// Options configures an Executor.
	Options struct {
		// Root is the absolute directory commands run in. Required.
		Root string
		// Timeout bounds each command's wall-clock runtime. Defaults to 30s.
		Timeout time.Duration
		// MaxOutputBytes caps each of stdout and stderr. Defaults to 1 MiB.
		MaxOutputBytes int
		// MaxConcurrent caps simultaneously running commands across all
		// sessions. Defaults to 16.
		MaxConcurrent int
		// Env overrides the minimal environment passed to commands.
		Env []string
	}

	// Executor runs commands under the sandbox constraints. Safe for
	// concurrent use; the concurrency gate is shared across callers.
	Executor struct {
		root      string
		timeout   time.Duration
		maxOutput int
		env       []string
		slots     chan struct{}
	}

	// Result captures one completed execution. ExitCode is zero on success;
	// a non-zero exit is still a Result, not an error.
	Result struct {
		Stdout    string
		Stderr    string
		ExitCode  int
		Duration  time.Duration
		Truncated bool
	}
)

// New builds an Executor rooted at opts.Root.
func New(opts Options) (*Executor, error) {
	if opts.Root == "" {
		return nil, errors.New("root is required")
	}
	if !filepath.IsAbs(opts.Root) {
		return nil, fmt.Errorf("root %q must be absolute", opts.Root)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxOutput := opts.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	root := filepath.Clean(opts.Root)
	env := opts.Env
	if env == nil {
		env = minimalEnv(root)
	}
	return &Executor{
		root:      root,
		timeout:   timeout,
		maxOutput: maxOutput,
		env:       env,
		slots:     make(chan struct{}, maxConcurrent),
	}, nil
}

// minimalEnv is the environment commands see: enough to locate binaries and
// render UTF-8, nothing inherited from the service process.
func minimalEnv(root string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
		"TERM=dumb",
		"HOME=" + root,
	}
}

// Execute spawns tokens[0] with the remaining tokens as its argument vector
// and waits for completion. It blocks while the global concurrency gate is
// full. Timeout expiry kills the command's process group and returns
// ErrTimeout; caller cancellation does the same but surfaces ctx.Err().
func (e *Executor) Execute(ctx context.Context, tokens []string) (Result, error) {
	if len(tokens) == 0 {
		return Result{}, errors.New("argument vector is empty")
	}

	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, tokens[0], tokens[1:]...)
	cmd.Dir = e.root
	cmd.Env = e.env

	var stdout, stderr capWriter
	stdout.limit = e.maxOutput
	stderr.limit = e.maxOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Run the command in its own process group so cancellation reaches every
	// descendant; killing only the leader leaves children holding the output
	// pipes and Wait would block until they exit.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		Truncated: stdout.truncated || stderr.truncated,
	}

	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return result, ErrTimeout
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("spawn %q: %w", tokens[0], err)
}

// capWriter buffers up to limit bytes and swallows the rest, recording that
// truncation happened.
type capWriter struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	if w.truncated {
		return len(p), nil
	}
	remain := w.limit - w.buf.Len()
	if len(p) <= remain {
		w.buf.Write(p)
		return len(p), nil
	}
	w.buf.Write(p[:remain])
	w.truncated = true
	return len(p), nil
}

func (w *capWriter) String() string {
	if w.truncated {
		return w.buf.String() + TruncationMarker
	}
	return w.buf.String()
}
