// Package conn is the client side of the printer protocol. The loader uses
// it to publish the work set, workers use it to pull tests and report
// results.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/specjour/specjour/internal/model"
)

const (
	DefaultMaxElapsed = 10 * time.Second
	DefaultTimeout    = 30 * time.Second
)

var ErrDisconnected = errors.New("connection already disconnected")

// Error is returned for every failed exchange with the printer.
type Error struct {
	Op  string
	URI string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("printer %s %s: %v", e.Op, e.URI, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Options struct {
	// MaxElapsed bounds the dial retries, zero uses DefaultMaxElapsed.
	MaxElapsed time.Duration
	// Timeout bounds each request/reply exchange without a context deadline,
	// zero uses DefaultTimeout.
	Timeout time.Duration
	Dialer  *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = DefaultMaxElapsed
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

type Conn struct {
	uri     string
	timeout time.Duration

	mx sync.Mutex // serializes request/reply exchanges
	ws *websocket.Conn

	// Disconnect does not take mx, WriteControl and Close may be called
	// concurrently with a pending exchange.
	once   sync.Once
	closed chan struct{}
	closes int
}

// Dial connects to the printer at uri. Transient failures are retried with
// an exponential backoff until opts.MaxElapsed is spent, a malformed uri or
// a printer refusing the upgrade fails at once.
func Dial(ctx context.Context, uri string, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	if err := model.ValidatePrinterURI(uri); err != nil {
		return nil, &Error{Op: "dial", URI: uri, Err: err}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxElapsedTime = opts.MaxElapsed

	var ws *websocket.Conn
	attempt := 0
	op := func() error {
		attempt++
		c, resp, err := opts.Dialer.DialContext(ctx, uri, nil)
		if err != nil {
			if resp != nil {
				_ = resp.Body.Close()
				if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
					return backoff.Permanent(fmt.Errorf("status %d: %w", resp.StatusCode, err))
				}
			}
			slog.DebugContext(ctx, "printer dial failed", "uri", uri, "attempt", attempt, "error", err)
			return err
		}
		ws = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(eb, ctx)); err != nil {
		return nil, &Error{Op: "dial", URI: uri, Err: err}
	}
	slog.DebugContext(ctx, "connected to printer", "uri", uri, "attempts", attempt)

	return &Conn{
		uri:     uri,
		timeout: opts.Timeout,
		ws:      ws,
		closed:  make(chan struct{}),
	}, nil
}

func (c *Conn) URI() string { return c.uri }

// Publish sends the full work set and waits until the printer acknowledged it,
// so tests are queued before any worker can ask for one.
func (c *Conn) Publish(ctx context.Context, tests []string) error {
	_, err := c.request(ctx, "publish", model.Message{Kind: model.MsgTests, Tests: tests}, model.MsgAck)
	return err
}

// Ready announces a worker to the printer.
func (c *Conn) Ready(ctx context.Context, worker int) error {
	_, err := c.request(ctx, "ready", model.Message{Kind: model.MsgReady, Worker: worker}, model.MsgAck)
	return err
}

// NextTest returns the next locator of the given kind, empty kind means any,
// and an empty string once the queue is drained.
func (c *Conn) NextTest(ctx context.Context, worker int, filter model.Kind) (string, error) {
	reply, err := c.request(ctx, "next_test", model.Message{Kind: model.MsgNextTest, Worker: worker, Filter: filter}, model.MsgTest)
	if err != nil {
		return "", err
	}
	return reply.Test, nil
}

// Report sends the outcome of one test.
func (c *Conn) Report(ctx context.Context, res model.Result) error {
	msg := model.Message{
		Kind:       model.MsgResult,
		Test:       res.Test,
		Worker:     res.Worker,
		Status:     res.Status,
		DurationMs: res.DurationMs,
		Output:     res.Output,
	}
	_, err := c.request(ctx, "report", msg, model.MsgAck)
	return err
}

// Done tells the printer the worker will not ask for more work.
func (c *Conn) Done(ctx context.Context, worker int) error {
	_, err := c.request(ctx, "done", model.Message{Kind: model.MsgDone, Worker: worker}, model.MsgAck)
	return err
}

func (c *Conn) request(ctx context.Context, op string, msg model.Message, want string) (model.Message, error) {
	c.mx.Lock()
	defer c.mx.Unlock()

	select {
	case <-c.closed:
		return model.Message{}, &Error{Op: op, URI: c.uri, Err: ErrDisconnected}
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	// unblock a pending read or write once ctx is done
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
		_ = c.ws.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return model.Message{}, c.fail(ctx, op, err)
	}
	if err := c.ws.WriteJSON(msg); err != nil {
		return model.Message{}, c.fail(ctx, op, err)
	}
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return model.Message{}, c.fail(ctx, op, err)
	}
	var reply model.Message
	if err := c.ws.ReadJSON(&reply); err != nil {
		return model.Message{}, c.fail(ctx, op, err)
	}

	switch reply.Kind {
	case want:
		return reply, nil
	case model.MsgError:
		return model.Message{}, &Error{Op: op, URI: c.uri, Err: errors.New(reply.Error)}
	default:
		return model.Message{}, &Error{Op: op, URI: c.uri, Err: fmt.Errorf("unexpected reply %q, expected %q", reply.Kind, want)}
	}
}

func (c *Conn) fail(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = errors.Join(ctxErr, err)
	}
	return &Error{Op: op, URI: c.uri, Err: err}
}

// Disconnect closes the connection. Only the first call has an effect.
func (c *Conn) Disconnect() {
	c.once.Do(func() {
		c.closes++
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if err := c.ws.Close(); err != nil {
			slog.Debug("closing printer connection", "uri", c.uri, "error", err)
		}
	})
}

// Lazy dials on first use and keeps the connection for the rest of the run.
type Lazy struct {
	uri  string
	opts Options

	mx   sync.Mutex
	conn *Conn
}

func NewLazy(uri string, opts Options) *Lazy {
	return &Lazy{uri: uri, opts: opts}
}

// Get returns the memoized connection, dialing it on the first call.
// A failed dial is not memoized.
func (l *Lazy) Get(ctx context.Context) (*Conn, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.conn != nil {
		return l.conn, nil
	}
	c, err := Dial(ctx, l.uri, l.opts)
	if err != nil {
		return nil, err
	}
	l.conn = c
	return c, nil
}

// Disconnect releases the connection if one was ever made. Safe to call
// any number of times.
func (l *Lazy) Disconnect() {
	l.mx.Lock()
	c := l.conn
	l.mx.Unlock()
	if c != nil {
		c.Disconnect()
	}
}
