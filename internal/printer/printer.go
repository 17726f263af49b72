// Package printer implements the reporting endpoint every loader and
// worker connects to. It queues the published work set, hands tests out one
// at a time and aggregates the results.
package printer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/specjour/specjour/internal/model"
)

const Path = "/printer"

type metrics struct {
	queued  prometheus.Counter
	results *prometheus.CounterVec
	workers prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) metrics {
	f := promauto.With(reg)
	return metrics{
		queued: f.NewCounter(prometheus.CounterOpts{
			Namespace: "specjour",
			Subsystem: "printer",
			Name:      "tests_queued_total",
			Help:      "Number of distinct tests published to the printer.",
		}),
		results: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "specjour",
			Subsystem: "printer",
			Name:      "results_total",
			Help:      "Number of test results reported by workers.",
		}, []string{"status"}),
		workers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "specjour",
			Subsystem: "printer",
			Name:      "active_workers",
			Help:      "Workers which announced themselves and did not finish yet.",
		}),
	}
}

type Printer struct {
	mx        sync.Mutex
	queue     []string
	seen      map[string]struct{}
	results   []model.Result
	workers   map[int]bool // worker index -> done
	published bool

	drained     chan struct{}
	drainedOnce sync.Once

	gatherer prometheus.Gatherer
	metrics  metrics
	upgrader websocket.Upgrader
}

// New returns a Printer registering its metrics in reg. A nil reg uses a
// private registry.
func New(reg *prometheus.Registry) *Printer {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Printer{
		seen:     make(map[string]struct{}),
		workers:  make(map[int]bool),
		drained:  make(chan struct{}),
		gatherer: reg,
		metrics:  newMetrics(reg),
	}
}

// Handler serves the websocket endpoint on Path and prometheus metrics on /metrics.
func (p *Printer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(Path, p)
	mux.Handle("/metrics", promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// URI returns the printer URI clients should dial for a listener serving Handler.
func URI(addr net.Addr) string {
	return "ws://" + addr.String() + Path
}

// Serve runs an http server on ln until ctx is cancelled.
func (p *Printer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil { //nolint:contextcheck // the serving context is already cancelled
		slog.WarnContext(ctx, "printer shutdown", "error", err)
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (p *Printer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(ctx, "printer upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer func() {
		_ = ws.Close()
	}()

	for {
		var msg model.Message
		if err := ws.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
				slog.DebugContext(ctx, "printer client gone", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		reply := p.handle(ctx, msg)
		if err := ws.WriteJSON(reply); err != nil {
			slog.DebugContext(ctx, "printer reply failed", "remote", r.RemoteAddr, "error", err)
			return
		}
	}
}

func (p *Printer) handle(ctx context.Context, msg model.Message) model.Message {
	ack := model.Message{Kind: model.MsgAck}
	switch msg.Kind {
	case model.MsgTests:
		n := p.Enqueue(msg.Tests)
		slog.InfoContext(ctx, "tests published", "received", len(msg.Tests), "queued", n)
		return ack
	case model.MsgReady:
		p.mx.Lock()
		if _, ok := p.workers[msg.Worker]; !ok {
			p.metrics.workers.Inc()
		}
		p.workers[msg.Worker] = false
		p.mx.Unlock()
		slog.DebugContext(ctx, "worker ready", "worker", msg.Worker)
		return ack
	case model.MsgNextTest:
		return model.Message{Kind: model.MsgTest, Test: p.next(msg.Filter)}
	case model.MsgResult:
		p.record(model.Result{
			Test:       msg.Test,
			Worker:     msg.Worker,
			Status:     msg.Status,
			DurationMs: msg.DurationMs,
			Output:     msg.Output,
		})
		return ack
	case model.MsgDone:
		p.finish(msg.Worker)
		slog.DebugContext(ctx, "worker done", "worker", msg.Worker)
		return ack
	default:
		return model.Message{Kind: model.MsgError, Error: fmt.Sprintf("unknown message kind %q", msg.Kind)}
	}
}

// Enqueue adds tests not seen before to the queue and returns how many were added.
// Several loaders may publish overlapping work sets.
func (p *Printer) Enqueue(tests []string) int {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.published = true
	added := 0
	for _, t := range tests {
		if _, ok := p.seen[t]; ok {
			continue
		}
		p.seen[t] = struct{}{}
		p.queue = append(p.queue, t)
		added++
	}
	p.metrics.queued.Add(float64(added))
	return added
}

func (p *Printer) next(filter model.Kind) string {
	p.mx.Lock()
	defer p.mx.Unlock()
	for i, t := range p.queue {
		if filter == "" || model.KindOf(t) == filter {
			p.queue = slices.Delete(p.queue, i, i+1)
			return t
		}
	}
	return ""
}

func (p *Printer) record(res model.Result) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.results = append(p.results, res)
	p.metrics.results.WithLabelValues(res.Status).Inc()
}

func (p *Printer) finish(worker int) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if done, ok := p.workers[worker]; ok && !done {
		p.metrics.workers.Dec()
	}
	p.workers[worker] = true
	if !p.published || len(p.queue) > 0 {
		return
	}
	for _, done := range p.workers {
		if !done {
			return
		}
	}
	p.drainedOnce.Do(func() { close(p.drained) })
}

// Drained is closed once work was published, the queue is empty and every
// announced worker reported done.
func (p *Printer) Drained() <-chan struct{} {
	return p.drained
}

type Summary struct {
	Passed   int
	Failed   int
	Pending  []string
	Failures []model.Result
	Duration time.Duration
}

func (s Summary) OK() bool {
	return s.Failed == 0 && len(s.Pending) == 0
}

func (p *Printer) Summary() Summary {
	p.mx.Lock()
	defer p.mx.Unlock()
	var s Summary
	var total int64
	for _, r := range p.results {
		total += r.DurationMs
		if r.Status == model.StatusPassed {
			s.Passed++
			continue
		}
		s.Failed++
		s.Failures = append(s.Failures, r)
	}
	s.Pending = slices.Clone(p.queue)
	s.Duration = time.Duration(total) * time.Millisecond
	return s
}

// WriteTo prints a human readable report.
func (s Summary) WriteTo(w io.Writer) (int64, error) {
	var n int64
	write := func(format string, args ...any) error {
		m, err := fmt.Fprintf(w, format, args...)
		n += int64(m)
		return err
	}
	for _, f := range s.Failures {
		if err := write("FAILED %s (worker %d)\n%s\n", f.Test, f.Worker, f.Output); err != nil {
			return n, err
		}
	}
	for _, t := range s.Pending {
		if err := write("PENDING %s\n", t); err != nil {
			return n, err
		}
	}
	err := write("%d examples, %d failures, %d pending (%s test time)\n",
		s.Passed+s.Failed, s.Failed, len(s.Pending), s.Duration)
	return n, err
}
