package pool

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/specjour/specjour/internal/model"
)

// WorkerSpec is the parameter set handed to one worker process.
type WorkerSpec struct {
	Index      int
	PrinterURI string
	Quiet      bool
	Task       model.Task
	RunID      string
}

// Args returns the flags of the hidden _worker command for spec.
func (s WorkerSpec) Args() []string {
	args := []string{
		"--index", strconv.Itoa(s.Index),
		"--printer", s.PrinterURI,
		"--task", s.Task.String(),
	}
	if s.Quiet {
		args = append(args, "--quiet")
	}
	return args
}

// Env returns the environment variables describing spec to the worker and
// to the test commands it runs.
func (s WorkerSpec) Env() []string {
	return []string{
		"SPECJOUR_RUN_ID=" + s.RunID,
		"SPECJOUR_WORKER=" + strconv.Itoa(s.Index),
		"TEST_ENV_NUMBER=" + strconv.Itoa(s.Index),
	}
}

// Process is a spawned worker owned by the pool.
type Process interface {
	Pid() int
	Spec() WorkerSpec
	Signal(sig os.Signal) error
	// Wait blocks until the process exits.
	Wait() error
}

type Spawner interface {
	Spawn(ctx context.Context, spec WorkerSpec) (Process, error)
}

// SpawnError is returned when the OS refused to create a worker.
type SpawnError struct {
	Index int
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning worker %d: %v", e.Index, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExecSpawner starts every worker as a new OS process running Path with
// Args followed by the worker flags.
type ExecSpawner struct {
	Path   string
	Args   []string
	Dir    string
	Env    []string // appended to os.Environ
	Stdout io.Writer
	Stderr io.Writer
}

// NewExecSpawner re-executes the running binary with the hidden _worker
// command. extra is put between the command and the worker flags.
func NewExecSpawner(dir string, extra ...string) (*ExecSpawner, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating own executable: %w", err)
	}
	return &ExecSpawner{
		Path:   self,
		Args:   append([]string{"_worker"}, extra...),
		Dir:    dir,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}

func (s *ExecSpawner) Spawn(_ context.Context, spec WorkerSpec) (Process, error) {
	args := append(append([]string(nil), s.Args...), spec.Args()...)
	// the context is not bound to the command, stopping a worker belongs to
	// the Controller
	cmd := exec.Command(s.Path, args...)
	cmd.Dir = s.Dir
	cmd.Env = append(append(os.Environ(), s.Env...), spec.Env()...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, spec: spec}, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	spec WorkerSpec
}

func (p *execProcess) Pid() int                   { return p.cmd.Process.Pid }
func (p *execProcess) Spec() WorkerSpec           { return p.spec }
func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Wait() error                { return p.cmd.Wait() }
