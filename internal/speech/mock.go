package speech

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock produces deterministic audio without touching the network.
// Zero value synthesizes every call; FailFirst injects leading failures.
type Mock struct {
	FailFirst int           // fail this many leading calls
	Delay     time.Duration // simulated backend latency per call
	Err       error         // error for injected failures; nil means a generic one

	mu    sync.Mutex
	calls int
}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Name() string { return "mock" }

// Calls reports how many Synthesize calls were made.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Mock) Synthesize(ctx context.Context, text, lang string) ([]byte, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if n <= m.FailFirst {
		if m.Err != nil {
			return nil, m.Err
		}
		return nil, fmt.Errorf("injected failure %d", n)
	}
	return Audio(text, lang), nil
}

// Audio is the byte pattern the mock emits for a given input.
func Audio(text, lang string) []byte {
	return []byte(fmt.Sprintf("mp3|%s|%s", lang, text))
}
