package model

// Message kinds of the printer protocol.
const (
	MsgTests    = "tests="
	MsgAck      = "ack"
	MsgReady    = "ready"
	MsgNextTest = "next_test"
	MsgTest     = "test"
	MsgResult   = "result"
	MsgDone     = "done"
	MsgError    = "error"
)

// Test outcomes reported by workers.
const (
	StatusPassed = "passed"
	StatusFailed = "failed"
)

// Message is a single frame exchanged between the printer and its clients.
// Fields not relevant to a kind stay empty.
type Message struct {
	Kind       string   `json:"kind"`
	Tests      []string `json:"tests,omitempty"`
	Test       string   `json:"test,omitempty"`
	Filter     Kind     `json:"filter,omitempty"`
	Worker     int      `json:"worker,omitempty"`
	Status     string   `json:"status,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`
	Output     string   `json:"output,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Result is a test outcome as aggregated by the printer.
type Result struct {
	Test       string
	Worker     int
	Status     string
	DurationMs int64
	Output     string
}
