package specjour_test

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	specjourPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("specjour-ci") {
		slog.Warn("integration tests ignored, build the binary first: go build -race -cover -covermode=atomic -o specjour-ci ./cmd/specjour/")
		os.Exit(0)
	}
	if _, err := exec.LookPath("sh"); err != nil {
		slog.Warn("integration tests ignored, binary sh not available")
		os.Exit(0)
	}

	var err error
	specjourPath, err = filepath.Abs("specjour-ci")
	if err != nil {
		slog.Error("can't get abspath for specjour-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for specjour-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for specjour-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

const config = `
version: 0
worker_size: 2
history: history.db
lock: true
printer:
    listen: 127.0.0.1:0
commands:
    spec: ["sh", "-c", 'case "$1" in *fail*) echo "expected true" 1>&2; exit 1;; esac; echo "$SPECJOUR_WORKER $1" >> ran', "sh"]
    feature: ["sh", "-c", 'echo "$SPECJOUR_WORKER $1" >> ran', "sh"]
`

func projectDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(tmpDir(t))
	require.NoError(t, err)
	return dir
}

func TestDispatch(t *testing.T) {
	dir := projectDir(t)

	creat(t, filepath.Join(dir, "specjour.yaml"), []byte(config))
	creat(t, filepath.Join(dir, "spec", "models", "user_spec.rb"), []byte("describe User do\n  it 'a' do\n  end\n\n  it 'b' do\n  end\nend\n"))
	creat(t, filepath.Join(dir, "spec", "fail_spec.rb"), []byte("describe Fail do\n  it 'fails' do\n  end\nend\n"))
	creat(t, filepath.Join(dir, "features", "login.feature"), []byte("Feature: login\n"))

	stdout, stderr, err := specjour(t, dir, "dispatch", "--config", "specjour.yaml")
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Logf("%s", stderr)
		require.ErrorAs(t, err, &exitErr)
	}
	// a failing test fails the run
	require.Equal(t, 1, exitErr.ExitCode(), stderr)
	require.Contains(t, stdout, "FAILED "+filepath.Join(dir, "spec", "fail_spec.rb")+":2")
	require.Contains(t, stdout, "4 examples, 1 failures, 0 pending")

	ran, err := os.ReadFile(filepath.Join(dir, "ran"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(ran)), "\n")
	require.Len(t, lines, 3)
	for _, l := range lines {
		require.True(t, strings.HasPrefix(l, "1 ") || strings.HasPrefix(l, "2 "), l)
	}

	stdout, stderr, err = specjour(t, dir, "history", "--config", "specjour.yaml")
	require.NoError(t, err, stderr)
	history := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, history, 1)
	require.Contains(t, history[0], "task=run_tests workers=2 tests=4")
}

func TestDispatch_Filtered(t *testing.T) {
	dir := projectDir(t)

	creat(t, filepath.Join(dir, "specjour.yaml"), []byte(config))
	creat(t, filepath.Join(dir, "spec", "models", "user_spec.rb"), []byte("describe User do\n  it 'a' do\n  end\nend\n"))
	creat(t, filepath.Join(dir, "features", "login.feature"), []byte("Feature: login\n"))

	// the features are left pending
	stdout, stderr, err := specjour(t, dir, "dispatch", "--config", "specjour.yaml", "--task", "run_specs", "-w", "1")
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr, stderr)
	require.Contains(t, stdout, "PENDING "+filepath.Join(dir, "features", "login.feature"))
	require.Contains(t, stdout, "1 examples, 0 failures, 1 pending")

	// only spec hints, no feature is discovered
	stdout, stderr, err = specjour(t, dir, "dispatch", "--config", "specjour.yaml", "--task", "run_specs", "-w", "1", "spec/models")
	require.NoError(t, err, stderr)
	require.Contains(t, stdout, "1 examples, 0 failures, 0 pending")
}

func specjour(t *testing.T, dir string, args ...string) (string, string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, specjourPath, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "SPECJOURCONFIG=")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
