// Package pool spawns the worker processes of a loader run, waits for all
// of them and makes sure none survives the run.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/specjour/specjour/internal/model"
)

var ErrStarted = errors.New("pool already started")

type State int32

const (
	Idle State = iota
	Publishing
	Spawning
	Running
	WaitingAll
	CleaningUp
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Publishing:
		return "publishing"
	case Spawning:
		return "spawning"
	case Running:
		return "running"
	case WaitingAll:
		return "waiting_all"
	case CleaningUp:
		return "cleaning_up"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config is the parameter set of a single Start.
type Config struct {
	Size       int
	PrinterURI string
	Task       model.Task
	Quiet      bool
	RunID      string
}

type metrics struct {
	spawned prometheus.Counter
	exits   *prometheus.CounterVec
}

// Pool runs once: Start may be called a single time.
type Pool struct {
	spawner Spawner
	ctrl    *Controller
	metrics metrics

	state atomic.Int32

	mx      sync.Mutex
	tracked []Process
	exited  int
	failed  int

	waiters errgroup.Group
}

func New(spawner Spawner, ctrl *Controller, reg prometheus.Registerer) *Pool {
	f := promauto.With(reg)
	return &Pool{
		spawner: spawner,
		ctrl:    ctrl,
		metrics: metrics{
			spawned: f.NewCounter(prometheus.CounterOpts{
				Namespace: "specjour",
				Subsystem: "pool",
				Name:      "workers_spawned_total",
				Help:      "Worker processes started.",
			}),
			exits: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: "specjour",
				Subsystem: "pool",
				Name:      "worker_exits_total",
				Help:      "Worker processes which exited, by outcome.",
			}, []string{"outcome"}),
		},
	}
}

func (p *Pool) State() State {
	return State(p.state.Load())
}

// Tracked returns the processes which were spawned and are not confirmed
// exited yet.
func (p *Pool) Tracked() []Process {
	p.mx.Lock()
	defer p.mx.Unlock()
	return slices.Clone(p.tracked)
}

// Failed returns how many workers exited with an error.
func (p *Pool) Failed() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.failed
}

// Start publishes the work set, spawns cfg.Size workers and blocks until
// all of them exited or ctx is done. Whatever happens, the workers still
// running are signalled and reaped before Start returns.
func (p *Pool) Start(ctx context.Context, cfg Config, publish func(context.Context) error) error {
	if cfg.Size < 1 {
		return fmt.Errorf("pool size must be positive, got %d", cfg.Size)
	}
	if !p.state.CompareAndSwap(int32(Idle), int32(Publishing)) {
		return ErrStarted
	}
	slog.DebugContext(ctx, "pool state", "state", Publishing.String())
	defer p.cleanup(ctx)

	if err := publish(ctx); err != nil {
		return fmt.Errorf("publishing work set: %w", err)
	}

	p.transition(ctx, Spawning)
	for i := 1; i <= cfg.Size; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("spawning workers: %w", err)
		}
		spec := WorkerSpec{
			Index:      i,
			PrinterURI: cfg.PrinterURI,
			Quiet:      cfg.Quiet,
			Task:       cfg.Task,
			RunID:      cfg.RunID,
		}
		proc, err := p.spawner.Spawn(ctx, spec)
		if err != nil {
			return &SpawnError{Index: i, Err: err}
		}
		p.track(proc)
		p.metrics.spawned.Inc()
		slog.DebugContext(ctx, "worker spawned", "worker", i, "pid", proc.Pid())
		p.waiters.Go(func() error {
			p.wait(ctx, proc)
			return nil
		})
	}

	p.transition(ctx, Running)
	allDone := make(chan struct{})
	go func() {
		_ = p.waiters.Wait()
		close(allDone)
	}()

	p.transition(ctx, WaitingAll)
	select {
	case <-allDone:
		p.mx.Lock()
		failed := p.failed
		p.mx.Unlock()
		slog.InfoContext(ctx, "all workers exited", "workers", cfg.Size, "failed", failed)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", context.Cause(ctx))
	}
}

func (p *Pool) transition(ctx context.Context, s State) {
	p.state.Store(int32(s))
	slog.DebugContext(ctx, "pool state", "state", s.String())
}

func (p *Pool) track(proc Process) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.tracked = append(p.tracked, proc)
}

// wait blocks on a single worker, its failure does not affect the others.
func (p *Pool) wait(ctx context.Context, proc Process) {
	err := proc.Wait()

	p.mx.Lock()
	p.tracked = slices.DeleteFunc(p.tracked, func(t Process) bool { return t.Pid() == proc.Pid() })
	p.exited++
	if err != nil {
		p.failed++
	}
	p.mx.Unlock()

	spec := proc.Spec()
	if err != nil {
		p.metrics.exits.WithLabelValues("failed").Inc()
		slog.WarnContext(ctx, "worker failed", "worker", spec.Index, "pid", proc.Pid(), "error", err)
		return
	}
	p.metrics.exits.WithLabelValues("ok").Inc()
	slog.DebugContext(ctx, "worker exited", "worker", spec.Index, "pid", proc.Pid())
}

// cleanup signals the tracked workers and reaps them. A further
// interruption while reaping kills what is left.
func (p *Pool) cleanup(ctx context.Context) {
	p.transition(ctx, CleaningUp)
	defer p.transition(ctx, Done)

	p.ctrl.Cleanup(ctx, p.Tracked())

	reaped := make(chan struct{})
	go func() {
		_ = p.waiters.Wait()
		close(reaped)
	}()
	select {
	case <-reaped:
	case <-p.ctrl.Escalate():
		left := p.Tracked()
		slog.WarnContext(ctx, "killing workers", "left", len(left))
		p.ctrl.Kill(ctx, left)
		<-reaped
	}
}
