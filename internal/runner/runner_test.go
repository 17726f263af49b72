package runner_test

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/specjour/specjour/internal/runner"
)

func TestRun(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	var mx sync.Mutex
	var streamed []string
	r := runner.New(func(_ context.Context, line string) {
		mx.Lock()
		defer mx.Unlock()
		streamed = append(streamed, line)
	})

	t.Run("success", func(t *testing.T) {
		res, err := r.Run(t.Context(), runner.Command{
			Path: sh,
			Args: []string{"-c", "echo out; echo err 1>&2; echo $TEST_ENV_NUMBER"},
			Env:  []string{"TEST_ENV_NUMBER=3"},
		})
		require.NoError(t, err)
		require.NoError(t, res.Err)
		require.Equal(t, "out\n3\n", res.Stdout.String())
		require.Equal(t, []string{"err"}, res.Stderr)
		require.Equal(t, "out\n3\nerr\n", res.Output())
		require.NotZero(t, res.Started)
		require.GreaterOrEqual(t, res.Duration(), time.Duration(0))
		require.Equal(t, 0, res.State.ExitCode())
	})

	t.Run("failure", func(t *testing.T) {
		res, err := r.Run(t.Context(), runner.Command{
			Path: sh,
			Args: []string{"-c", "exit 3"},
		})
		require.NoError(t, err)
		var exitErr *exec.ExitError
		require.ErrorAs(t, res.Err, &exitErr)
		require.Equal(t, 3, res.State.ExitCode())
	})

	t.Run("timeout", func(t *testing.T) {
		res, err := r.Run(t.Context(), runner.Command{
			Path:    sh,
			Args:    []string{"-c", "sleep 5"},
			Timeout: 100 * time.Millisecond,
		})
		require.NoError(t, err)
		require.Error(t, res.Err)
		require.Less(t, res.Duration(), 4*time.Second)
	})

	t.Run("exec error", func(t *testing.T) {
		res, err := r.Run(t.Context(), runner.Command{Path: "does not exist"})
		require.NoError(t, err)
		var execErr *exec.Error
		require.ErrorAs(t, res.Err, &execErr)
		require.Equal(t, "does not exist", execErr.Name)
	})

	mx.Lock()
	defer mx.Unlock()
	require.Equal(t, []string{"err"}, streamed)
}

func TestRun_InProgress(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	started := make(chan struct{})
	r := runner.New(func(_ context.Context, line string) {
		if strings.TrimSpace(line) == "started" {
			close(started)
		}
	})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Run(ctx, runner.Command{Path: sh, Args: []string{"-c", "echo started 1>&2; sleep 5"}})
	}()
	<-started
	_, err = r.Run(t.Context(), runner.Command{Path: sh})
	require.ErrorIs(t, err, runner.ErrInProgress)
	cancel()
	<-done
}
