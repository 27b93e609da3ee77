// Package dispatch implements ACT: executing approved decisions through a
// registry of agent executors under a race-safe budget pre-flight.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/builderaio/buildera-io-sub006/pkg/config"
	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
)

// ErrUnregisteredAgent is returned for agent ids missing from the registry.
var ErrUnregisteredAgent = errors.New("dispatch: unregistered agent")

// Invocation is the payload handed to an agent.
type Invocation struct {
	AgentID      string                   `json:"agent_id"`
	DecisionID   string                   `json:"decision_id"`
	CompanyID    string                   `json:"company_id"`
	Department   contracts.DepartmentType `json:"department"`
	DecisionType string                   `json:"decision_type"`
	Description  string                   `json:"description"`
	Content      contracts.ContentData    `json:"content_data"`
}

// Response is what an agent returns.
type Response struct {
	Success          bool            `json:"success"`
	Output           json.RawMessage `json:"output,omitempty"`
	Summary          string          `json:"summary,omitempty"`
	DurationMs       int64           `json:"duration_ms"`
	ContentGenerated int             `json:"content_generated"`
	Engagement       *float64        `json:"engagement,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// Executor invokes an agent. The core does not know agent internals.
type Executor interface {
	Invoke(ctx context.Context, agentID string, in Invocation) (*Response, error)
}

// Agent is a registered executor with its cost and timeout.
type Agent struct {
	ID             string
	Executor       Executor
	CreditsPerCall int64
	Timeout        time.Duration
}

// Registry maps agent ids to executors. It is resolved once at startup.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent. Duplicate ids are rejected.
func (r *Registry) Register(a Agent) error {
	if a.ID == "" || a.Executor == nil {
		return fmt.Errorf("dispatch: agent id and executor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[a.ID]; ok {
		return fmt.Errorf("dispatch: agent %q already registered", a.ID)
	}
	r.agents[a.ID] = a
	return nil
}

// Lookup returns a registered agent.
func (r *Registry) Lookup(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// IDs lists registered agent ids in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate fails fast when any of ids is not registered.
func (r *Registry) Validate(ids []string) error {
	var missing []string
	for _, id := range ids {
		if _, ok := r.Lookup(id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnregisteredAgent, strings.Join(missing, ", "))
	}
	return nil
}

// FromPolicy registers every agent of the policy catalog. In shadow mode, and
// for agents without an endpoint, a ShadowExecutor is used.
func FromPolicy(policy *config.Policy, shadow bool, client *http.Client) (*Registry, error) {
	logger := slog.Default().With("component", "dispatch")
	reg := NewRegistry()
	shadowExec := NewShadowExecutor()
	for _, spec := range policy.Agents {
		var exec Executor = shadowExec
		switch {
		case shadow:
		case spec.Endpoint == "":
			logger.Warn("agent has no endpoint, running in shadow", "agent_id", spec.ID)
		default:
			exec = NewHTTPExecutor(spec.Endpoint, client)
		}
		if err := reg.Register(Agent{
			ID:             spec.ID,
			Executor:       exec,
			CreditsPerCall: spec.CreditsPerCall,
			Timeout:        spec.Timeout,
		}); err != nil {
			return nil, err
		}
	}
	if err := reg.Validate(policy.AgentIDs()); err != nil {
		return nil, err
	}
	return reg, nil
}
