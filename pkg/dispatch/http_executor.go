package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while an agent endpoint's breaker is open.
var ErrCircuitOpen = errors.New("dispatch: circuit breaker open")

// HTTPExecutor POSTs invocations to an agent endpoint. It never retries;
// retrying belongs to a later cycle.
type HTTPExecutor struct {
	endpoint string
	client   *http.Client
	breaker  *CircuitBreaker
}

// NewHTTPExecutor creates an executor for endpoint. A nil client gets a 30s timeout.
func NewHTTPExecutor(endpoint string, client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPExecutor{
		endpoint: endpoint,
		client:   client,
		breaker:  NewCircuitBreaker(endpoint, 5, 30*time.Second),
	}
}

// Invoke implements Executor.
func (e *HTTPExecutor) Invoke(ctx context.Context, agentID string, in Invocation) (*Response, error) {
	if !e.breaker.Allow() {
		return nil, fmt.Errorf("%w for %s", ErrCircuitOpen, agentID)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-ID", agentID)

	resp, err := e.client.Do(req)
	if err != nil {
		e.breaker.Failure()
		return nil, fmt.Errorf("invoke %s: %w", agentID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		e.breaker.Failure()
		return nil, fmt.Errorf("invoke %s: read body: %w", agentID, err)
	}
	if resp.StatusCode >= 500 {
		e.breaker.Failure()
		return nil, fmt.Errorf("invoke %s: agent returned %d", agentID, resp.StatusCode)
	}
	e.breaker.Success()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("invoke %s: agent returned %d: %s", agentID, resp.StatusCode, bytes.TrimSpace(data))
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("invoke %s: decode response: %w", agentID, err)
	}
	return &out, nil
}

type breakerState string

const (
	stateClosed   breakerState = "CLOSED"
	stateOpen     breakerState = "OPEN"
	stateHalfOpen breakerState = "HALF_OPEN"
)

// CircuitBreaker implements a simple state machine for failure detection.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
	clock        func() time.Time
}

// NewCircuitBreaker opens after threshold consecutive failures and lets one
// probe through after timeout.
func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        stateClosed,
		clock:        time.Now,
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateOpen:
		if cb.clock().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		// one probe at a time
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.clock()
	if cb.state == stateHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = stateOpen
	}
}
