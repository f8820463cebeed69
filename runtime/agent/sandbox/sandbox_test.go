package sandbox_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/docscout/runtime/agent/sandbox"
)

func newExecutor(t *testing.T, opts sandbox.Options) (*sandbox.Executor, string) {
	t.Helper()
	root := opts.Root
	if root == "" {
		root = t.TempDir()
		opts.Root = root
	}
	e, err := sandbox.New(opts)
	require.NoError(t, err)
	return e, root
}

func TestExecuteCapturesOutput(t *testing.T) {
	e, root := newExecutor(t, sandbox.Options{})
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.md"), []byte("hello docs\n"), 0o600))

	res, err := e.Execute(context.Background(), []string{"cat", "readme.md"})
	require.NoError(t, err)
	require.Equal(t, "hello docs\n", res.Stdout)
	require.Empty(t, res.Stderr)
	require.Zero(t, res.ExitCode)
	require.False(t, res.Truncated)
	require.Greater(t, res.Duration, time.Duration(0))
}

func TestExecutePinsWorkingDirectory(t *testing.T) {
	e, root := newExecutor(t, sandbox.Options{})
	res, err := e.Execute(context.Background(), []string{"pwd"})
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	require.Equal(t, resolved, strings.TrimSpace(res.Stdout))
}

func TestExecuteReportsNonZeroExit(t *testing.T) {
	e, _ := newExecutor(t, sandbox.Options{})
	res, err := e.Execute(context.Background(), []string{"cat", "missing.md"})
	require.NoError(t, err)
	require.NotZero(t, res.ExitCode)
	require.Contains(t, res.Stderr, "missing.md")
}

func TestExecuteScrubsEnvironment(t *testing.T) {
	t.Setenv("DOCSCOUT_TEST_SECRET", "leaked")
	e, _ := newExecutor(t, sandbox.Options{})
	res, err := e.Execute(context.Background(), []string{"env"})
	require.NoError(t, err)
	require.NotContains(t, res.Stdout, "DOCSCOUT_TEST_SECRET")
	require.Contains(t, res.Stdout, "PATH=")
	require.Contains(t, res.Stdout, "LANG=C.UTF-8")
}

func TestExecuteTruncatesLongOutput(t *testing.T) {
	e, root := newExecutor(t, sandbox.Options{MaxOutputBytes: 1024})
	big := strings.Repeat("x", 4096)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte(big), 0o600))

	res, err := e.Execute(context.Background(), []string{"cat", "big.txt"})
	require.NoError(t, err)
	require.True(t, res.Truncated)
	require.True(t, strings.HasSuffix(res.Stdout, sandbox.TruncationMarker))
	require.Len(t, res.Stdout, 1024+len(sandbox.TruncationMarker))
}

func TestExecuteTimesOutAndKillsProcessGroup(t *testing.T) {
	e, _ := newExecutor(t, sandbox.Options{Timeout: 200 * time.Millisecond})

	// The child forks a grandchild that would outlive a leader-only kill and
	// hold the output pipe open. Execute must still return promptly.
	start := time.Now()
	_, err := e.Execute(context.Background(), []string{"sh", "-c", "sleep 30 & sleep 30"})
	require.ErrorIs(t, err, sandbox.ErrTimeout)
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestExecuteSurfacesCallerCancellation(t *testing.T) {
	e, _ := newExecutor(t, sandbox.Options{Timeout: 30 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := e.Execute(ctx, []string{"sleep", "30"})
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, sandbox.ErrTimeout)
}

func TestExecuteBoundsConcurrency(t *testing.T) {
	e, _ := newExecutor(t, sandbox.Options{MaxConcurrent: 1, Timeout: 10 * time.Second})

	start := time.Now()
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Execute(context.Background(), []string{"sleep", "0.5"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestExecuteRejectsEmptyVector(t *testing.T) {
	e, _ := newExecutor(t, sandbox.Options{})
	_, err := e.Execute(context.Background(), nil)
	require.Error(t, err)
}

func TestExecuteUnknownBinary(t *testing.T) {
	e, _ := newExecutor(t, sandbox.Options{})
	_, err := e.Execute(context.Background(), []string{"docscout-no-such-binary"})
	require.Error(t, err)
}
