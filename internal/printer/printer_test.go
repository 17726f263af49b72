package printer_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/specjour/specjour/internal/model"
	"github.com/specjour/specjour/internal/printer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// serve starts p on a random port and returns its address
func serve(t *testing.T, p *printer.Printer) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return ln.Addr()
}

func dial(t *testing.T, addr net.Addr) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(printer.URI(addr), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() {
		_ = ws.Close()
	})
	return ws
}

func exchange(t *testing.T, ws *websocket.Conn, msg model.Message) model.Message {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
	var reply model.Message
	require.NoError(t, ws.ReadJSON(&reply))
	return reply
}

func TestPrinter(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	p := printer.New(reg)
	addr := serve(t, p)

	loader := dial(t, addr)
	reply := exchange(t, loader, model.Message{Kind: model.MsgTests, Tests: []string{
		"spec/a_spec.rb:3", "spec/a_spec.rb:9", "features/x.feature",
	}})
	require.Equal(t, model.MsgAck, reply.Kind)

	// a second loader publishing an overlapping set only adds new tests
	require.Equal(t, 1, p.Enqueue([]string{"spec/a_spec.rb:3", "spec/b_spec.rb:1"}))

	w1 := dial(t, addr)
	w2 := dial(t, addr)
	require.Equal(t, model.MsgAck, exchange(t, w1, model.Message{Kind: model.MsgReady, Worker: 1}).Kind)
	require.Equal(t, model.MsgAck, exchange(t, w2, model.Message{Kind: model.MsgReady, Worker: 2}).Kind)

	got := exchange(t, w2, model.Message{Kind: model.MsgNextTest, Worker: 2, Filter: model.KindFeature})
	require.Equal(t, model.MsgTest, got.Kind)
	require.Equal(t, "features/x.feature", got.Test)
	got = exchange(t, w2, model.Message{Kind: model.MsgNextTest, Worker: 2, Filter: model.KindFeature})
	require.Empty(t, got.Test)
	exchange(t, w2, model.Message{Kind: model.MsgResult, Worker: 2, Test: "features/x.feature", Status: model.StatusPassed, DurationMs: 1000})
	exchange(t, w2, model.Message{Kind: model.MsgDone, Worker: 2})

	var ran []string
	for {
		got := exchange(t, w1, model.Message{Kind: model.MsgNextTest, Worker: 1})
		if got.Test == "" {
			break
		}
		ran = append(ran, got.Test)
		status := model.StatusPassed
		if got.Test == "spec/a_spec.rb:9" {
			status = model.StatusFailed
		}
		exchange(t, w1, model.Message{Kind: model.MsgResult, Worker: 1, Test: got.Test, Status: status, DurationMs: 500, Output: "out"})
	}
	require.Equal(t, []string{"spec/a_spec.rb:3", "spec/a_spec.rb:9", "spec/b_spec.rb:1"}, ran)

	select {
	case <-p.Drained():
		t.Fatal("drained before every worker finished")
	default:
	}
	exchange(t, w1, model.Message{Kind: model.MsgDone, Worker: 1})
	select {
	case <-p.Drained():
	case <-time.After(time.Second):
		t.Fatal("printer not drained")
	}

	s := p.Summary()
	require.Equal(t, 3, s.Passed)
	require.Equal(t, 1, s.Failed)
	require.False(t, s.OK())
	require.Len(t, s.Failures, 1)
	require.Equal(t, "spec/a_spec.rb:9", s.Failures[0].Test)
	require.Equal(t, 2500*time.Millisecond, s.Duration)

	var buf bytes.Buffer
	_, err := s.WriteTo(&buf)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "FAILED spec/a_spec.rb:9 (worker 1)")
	require.Contains(t, buf.String(), "4 examples, 1 failures, 0 pending")

	reply = exchange(t, w1, model.Message{Kind: "bogus"})
	require.Equal(t, model.MsgError, reply.Kind)

	// metrics endpoint
	client := &http.Client{Transport: &http.Transport{}}
	t.Cleanup(client.CloseIdleConnections)
	resp, err := client.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.True(t, strings.Contains(string(body), "specjour_printer_tests_queued_total 4"), string(body))
	require.Contains(t, string(body), `specjour_printer_results_total{status="failed"} 1`)
	require.Contains(t, string(body), "specjour_printer_active_workers 0")
}

func TestSummaryPending(t *testing.T) {
	t.Parallel()
	p := printer.New(nil)
	p.Enqueue([]string{"spec/a_spec.rb:1"})
	s := p.Summary()
	require.False(t, s.OK())
	require.Equal(t, []string{"spec/a_spec.rb:1"}, s.Pending)

	var buf bytes.Buffer
	_, err := s.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, "PENDING spec/a_spec.rb:1\n0 examples, 0 failures, 1 pending (0s test time)\n", buf.String())
}
