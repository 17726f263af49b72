// Package runner executes the test commands of a worker and captures their
// output and exit state.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var ErrInProgress = errors.New("command in progress")

// LineFunc receives every stderr line of a running command.
type LineFunc func(ctx context.Context, line string)

type Command struct {
	Path    string
	Args    []string
	Env     []string // appended to os.Environ
	Dir     string
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Stderr  []string
	Err     error
}

func (r Result) Duration() time.Duration {
	return r.Stopped.Sub(r.Started)
}

// Output returns stdout followed by the stderr lines.
func (r Result) Output() string {
	var sb strings.Builder
	if r.Stdout != nil {
		sb.Write(r.Stdout.Bytes())
	}
	for _, l := range r.Stderr {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Runner runs one command at a time.
type Runner struct {
	mx      sync.Mutex
	running bool
	onLine  LineFunc
}

// New returns a Runner passing stderr lines to onLine, which may be nil.
func New(onLine LineFunc) *Runner {
	return &Runner{onLine: onLine}
}

// Run starts the command and waits for it. A command which could not be
// started or exited unsuccessfully has Result.Err set, ErrInProgress is
// returned when another command is still running.
func (r *Runner) Run(ctx context.Context, proto Command) (Result, error) {
	r.mx.Lock()
	if r.running {
		r.mx.Unlock()
		return Result{}, ErrInProgress
	}
	r.running = true
	r.mx.Unlock()
	defer func() {
		r.mx.Lock()
		r.running = false
		r.mx.Unlock()
	}()

	res := Result{
		Path:   proto.Path,
		Args:   append([]string(nil), proto.Args...),
		Stdout: &bytes.Buffer{},
	}

	if proto.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
		defer cancel()
	}

	stderr := &lineWriter{ctx: ctx, onLine: r.onLine}
	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	cmd.Env = append(os.Environ(), proto.Env...)
	cmd.Stdout = res.Stdout
	cmd.Stderr = stderr
	// children left behind by a killed command may hold the pipes open
	cmd.WaitDelay = time.Second

	res.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		res.Stopped = time.Now().UTC()
		res.Err = err
		return res, nil
	}
	res.Err = cmd.Wait()
	res.Stopped = time.Now().UTC()
	res.State = cmd.ProcessState
	res.Stderr = stderr.flush()
	return res, nil
}

// lineWriter splits stderr into lines. exec.Cmd writes to it from a single
// goroutine.
type lineWriter struct {
	ctx     context.Context
	onLine  LineFunc
	partial []byte
	lines   []string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.line(string(bytes.TrimSuffix(w.partial[:i], []byte("\r"))))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) line(l string) {
	w.lines = append(w.lines, l)
	if w.onLine != nil {
		w.onLine(w.ctx, l)
	}
}

func (w *lineWriter) flush() []string {
	if len(w.partial) > 0 {
		w.line(string(w.partial))
		w.partial = nil
	}
	return w.lines
}
