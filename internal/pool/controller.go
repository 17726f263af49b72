package pool

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// Controller owns the interrupted flag of a loader and decides which signal
// tears the workers down.
type Controller struct {
	interrupted atomic.Bool

	escalateOnce sync.Once
	escalate     chan struct{}

	signals *prometheus.CounterVec
}

// NewController returns a Controller registering its metrics in reg, which
// may be nil.
func NewController(reg prometheus.Registerer) *Controller {
	return &Controller{
		escalate: make(chan struct{}),
		signals: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "specjour",
			Subsystem: "pool",
			Name:      "signals_sent_total",
			Help:      "Signals delivered to worker processes.",
		}, []string{"signal"}),
	}
}

// Watch installs a handler for SIGINT and SIGTERM. The first signal marks
// the controller interrupted and cancels the returned context, any further
// one closes Escalate. The handler stays installed until the returned stop
// function is called.
func (c *Controller) Watch(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-quit:
				return
			case sig := <-ch:
				slog.WarnContext(ctx, "interrupted", "signal", sig.String(), "again", c.Interrupted())
				c.Interrupt()
				cancel()
			}
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
			<-done
		})
		cancel()
	}
}

// Interrupt sets the interrupted flag. Calling it again requests escalation.
func (c *Controller) Interrupt() {
	if c.interrupted.CompareAndSwap(false, true) {
		return
	}
	c.escalateOnce.Do(func() { close(c.escalate) })
}

func (c *Controller) Interrupted() bool {
	return c.interrupted.Load()
}

// Escalate is closed when the loader was interrupted more than once.
func (c *Controller) Escalate() <-chan struct{} {
	return c.escalate
}

// Cleanup sends SIGINT to every process when the loader was interrupted and
// SIGTERM otherwise. Processes which already exited are skipped silently.
func (c *Controller) Cleanup(ctx context.Context, procs []Process) {
	var sig os.Signal = syscall.SIGTERM
	if c.Interrupted() {
		sig = syscall.SIGINT
	}
	c.broadcast(ctx, procs, sig)
}

// Kill sends SIGKILL to every process.
func (c *Controller) Kill(ctx context.Context, procs []Process) {
	c.broadcast(ctx, procs, syscall.SIGKILL)
}

func (c *Controller) broadcast(ctx context.Context, procs []Process, sig os.Signal) {
	for _, p := range procs {
		err := p.Signal(sig)
		switch {
		case err == nil:
			c.signals.WithLabelValues(sig.String()).Inc()
			slog.DebugContext(ctx, "signal sent", "worker", p.Spec().Index, "pid", p.Pid(), "signal", sig.String())
		case gone(err):
		default:
			slog.WarnContext(ctx, "signal not delivered", "worker", p.Spec().Index, "pid", p.Pid(), "signal", sig.String(), "error", err)
		}
	}
}

func gone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}
