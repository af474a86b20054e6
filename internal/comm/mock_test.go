package comm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nemanja-m/distrib/internal/shared/logging"
	"github.com/nemanja-m/distrib/pkg/id"
)

// mockLogger captures log lines for assertions.
type mockLogger struct {
	mu       sync.Mutex
	messages []string
}

func newMockLogger() *mockLogger {
	return &mockLogger{}
}

func (m *mockLogger) Debug(msg string, args ...any) { m.log("DEBUG", msg, args...) }
func (m *mockLogger) Info(msg string, args ...any)  { m.log("INFO", msg, args...) }
func (m *mockLogger) Warn(msg string, args ...any)  { m.log("WARN", msg, args...) }
func (m *mockLogger) Error(msg string, args ...any) { m.log("ERROR", msg, args...) }
func (m *mockLogger) Fatal(msg string, args ...any) { m.log("FATAL", msg, args...) }

func (m *mockLogger) With(args ...any) logging.Logger {
	return m
}

func (m *mockLogger) log(level, msg string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	formatted := fmt.Sprintf("[%s] %s", level, msg)
	for i := 0; i+1 < len(args); i += 2 {
		formatted += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}
	m.messages = append(m.messages, formatted)
}

func (m *mockLogger) output() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Join(m.messages, "\n")
}

type response struct {
	body []byte
	err  error
}

// fakeTransport replays scripted responses; the last one repeats.
type fakeTransport struct {
	mu        sync.Mutex
	responses []response
	calls     []Target
	bodies    [][]byte
}

func (f *fakeTransport) Call(_ context.Context, t Target, body []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, t)
	f.bodies = append(f.bodies, body)

	idx := len(f.calls) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	r := f.responses[idx]
	return r.body, r.err
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeHealer struct {
	revived []id.Node
	err     error
}

func (h *fakeHealer) Revive(_ context.Context, node id.Node) error {
	h.revived = append(h.revived, node)
	return h.err
}
