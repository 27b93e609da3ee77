package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ShadowExecutor records invocations without side effects.
type ShadowExecutor struct {
	mu    sync.Mutex
	calls []Invocation
}

// NewShadowExecutor creates a shadow executor.
func NewShadowExecutor() *ShadowExecutor {
	return &ShadowExecutor{}
}

// Invoke implements Executor.
func (s *ShadowExecutor) Invoke(_ context.Context, agentID string, in Invocation) (*Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, in)
	s.mu.Unlock()
	return &Response{
		Success: true,
		Output:  json.RawMessage(`{"shadow":true}`),
		Summary: fmt.Sprintf("shadow: %s not invoked for %s", agentID, in.DecisionType),
	}, nil
}

// Invocations returns every recorded invocation.
func (s *ShadowExecutor) Invocations() []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Invocation(nil), s.calls...)
}
