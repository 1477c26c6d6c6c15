package gemini

import (
	"context"
	"sync"
)

// MockTranslator scripts responses for tests. Each call pops the next
// entry from Script; when the script is exhausted the last entry
// repeats.
type MockTranslator struct {
	mu       sync.Mutex
	Script   []MockResult
	Requests []Request
	calls    int
}

type MockResult struct {
	Response *Response
	Err      error
}

func (m *MockTranslator) Translate(ctx context.Context, request Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, request)
	idx := m.calls
	if idx >= len(m.Script) {
		idx = len(m.Script) - 1
	}
	m.calls++
	if idx < 0 {
		return &Response{TranslatedText: "translated: " + request.SourceText}, nil
	}
	r := m.Script[idx]
	return r.Response, r.Err
}

// Calls reports how many times Translate ran.
func (m *MockTranslator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
