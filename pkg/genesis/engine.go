// Package genesis evolves a department's capability set.
//
// It mines execution, decision, lesson and intelligence history for gaps,
// proposes capabilities to cover them, and walks proposals through
// proposed -> trial -> active, or to deprecated. Versions only move forward:
// once a code is deprecated, a new proposal for the same family is issued
// under the next major version ("family.v2", "family.v3", ...).
package genesis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/builderaio/buildera-io-sub006/pkg/config"
	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
	"github.com/builderaio/buildera-io-sub006/pkg/dispatch"
	"github.com/builderaio/buildera-io-sub006/pkg/store"
)

var (
	// ErrInsufficientEvidence is returned when a gap tally is below the policy minimum.
	ErrInsufficientEvidence = errors.New("genesis: insufficient gap evidence")
	// ErrAlreadyProposed is returned when the family already has a live capability.
	ErrAlreadyProposed = errors.New("genesis: capability family already live")
	// ErrInvalidMode is returned by Activate for modes other than trial or active.
	ErrInvalidMode = errors.New("genesis: activation mode must be trial or active")
)

// recurrence is how often a blocked type or a negative pattern must repeat
// inside the window to count as a gap.
const recurrence = 2

// Store is the persistence genesis reads and mutates.
type Store interface {
	store.CapabilityStore
	ListSignals(ctx context.Context, f store.IntelligenceFilter) ([]*contracts.IntelligenceSignal, error)
	ListDecisions(ctx context.Context, f store.DecisionFilter) ([]*contracts.Decision, error)
	ListLogs(ctx context.Context, f store.LogFilter) ([]*contracts.ExecutionLogEntry, error)
	ListLessons(ctx context.Context, f store.LessonFilter) ([]*contracts.Lesson, error)
}

// Engine is the capability genesis engine.
type Engine struct {
	store  Store
	policy *config.Policy
	clock  func() time.Time
	logger *slog.Logger
}

// NewEngine creates a genesis engine.
func NewEngine(st Store, policy *config.Policy) *Engine {
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	return &Engine{
		store:  st,
		policy: policy,
		clock:  time.Now,
		logger: slog.Default().With("component", "genesis"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// MineGaps tallies the gaps of a department over the trailing window.
// A zero window uses the policy default.
func (e *Engine) MineGaps(ctx context.Context, companyID string, dept contracts.DepartmentType, window time.Duration) (*contracts.GapEvidence, error) {
	if window <= 0 {
		window = e.policy.Genesis.Window
	}
	end := e.clock()
	start := end.Add(-window)
	ev := &contracts.GapEvidence{
		UnmappedAgentInvocations: map[string]int{},
		RecurringBlocked:         map[string]int{},
		UnhandledSignals:         map[string]int{},
		UnmetPatterns:            map[string]int{},
		WindowStart:              start,
		WindowEnd:                end,
	}

	active, err := e.store.ListCapabilities(ctx, store.CapabilityFilter{
		CompanyID: companyID,
		Statuses:  []contracts.CapabilityStatus{contracts.CapabilityTrial, contracts.CapabilityActive},
	})
	if err != nil {
		return nil, fmt.Errorf("mine gaps: capabilities: %w", err)
	}
	records, err := e.store.ListSignals(ctx, store.IntelligenceFilter{CompanyID: companyID, Since: start})
	if err != nil {
		return nil, fmt.Errorf("mine gaps: intelligence: %w", err)
	}
	for _, rec := range records {
		for _, s := range rec.Signals {
			if !covered(active, s.Category) {
				ev.UnhandledSignals[strings.ToLower(s.Category)]++
			}
		}
	}

	failed, err := e.store.ListLogs(ctx, store.LogFilter{
		CompanyID: companyID, Department: dept, Phase: contracts.PhaseAct, Status: contracts.LogFailed, Since: start,
	})
	if err != nil {
		return nil, fmt.Errorf("mine gaps: execution log: %w", err)
	}
	for _, entry := range failed {
		if entry.AgentID != "" && strings.Contains(entry.ErrorMessage, dispatch.ErrUnregisteredAgent.Error()) {
			ev.UnmappedAgentInvocations[entry.AgentID]++
		}
	}

	blocked, err := e.store.ListDecisions(ctx, store.DecisionFilter{
		CompanyID: companyID, Department: dept, Verdicts: []contracts.Verdict{contracts.VerdictBlocked}, Since: start,
	})
	if err != nil {
		return nil, fmt.Errorf("mine gaps: decisions: %w", err)
	}
	for _, d := range blocked {
		ev.RecurringBlocked[d.DecisionType]++
	}

	negative, err := e.store.ListLessons(ctx, store.LessonFilter{
		CompanyID: companyID, Department: dept, Outcomes: []contracts.OutcomeEvaluation{contracts.OutcomeNegative}, Since: start,
	})
	if err != nil {
		return nil, fmt.Errorf("mine gaps: memory: %w", err)
	}
	for _, l := range negative {
		ev.UnmetPatterns[l.DecisionType]++
	}

	dropBelow(ev.RecurringBlocked, recurrence)
	dropBelow(ev.UnmetPatterns, recurrence)
	return ev, nil
}

// ProposeFromGaps creates one proposed capability for the strongest gap in ev.
func (e *Engine) ProposeFromGaps(ctx context.Context, companyID string, dept contracts.DepartmentType, ev contracts.GapEvidence) (*contracts.Capability, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if total := ev.Total(); total < e.policy.Genesis.MinEvidence {
		return nil, fmt.Errorf("%w: %d < %d", ErrInsufficientEvidence, total, e.policy.Genesis.MinEvidence)
	}

	c := e.draft(dept, strongest(ev))
	existing, err := e.store.ListCapabilities(ctx, store.CapabilityFilter{CompanyID: companyID, Department: dept, Family: c.Family})
	if err != nil {
		return nil, err
	}
	version, err := nextVersion(existing)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	c.ID = uuid.New().String()
	c.CompanyID = companyID
	c.Department = dept
	c.Version = version.String()
	c.Code = codeFor(c.Family, version)
	c.Status = contracts.CapabilityProposed
	c.Source = contracts.SourceAIProposed
	c.GapEvidence = &ev
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := e.store.CreateCapability(ctx, c); err != nil {
		return nil, fmt.Errorf("propose %s: %w", c.Code, err)
	}
	e.logger.InfoContext(ctx, "capability proposed",
		"company_id", companyID, "department", dept, "capability_code", c.Code, "evidence", ev.Total())
	return c, nil
}

// Activate moves a capability into trial (starting the trial timer) or
// promotes a trial capability to active.
func (e *Engine) Activate(ctx context.Context, id string, mode contracts.CapabilityStatus) (*contracts.Capability, error) {
	c, err := e.store.GetCapability(ctx, id)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	var expires *time.Time
	switch mode {
	case contracts.CapabilityTrial:
		t := now.Add(e.policy.Genesis.TrialDuration)
		expires = &t
	case contracts.CapabilityActive:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if err := e.store.TransitionCapability(ctx, id, c.Status, mode, expires, now); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "capability activated", "capability_code", c.Code, "from", c.Status, "to", mode)
	return e.store.GetCapability(ctx, id)
}

// Reject deprecates a proposed or trial capability. Deprecation is terminal.
func (e *Engine) Reject(ctx context.Context, id string) (*contracts.Capability, error) {
	c, err := e.store.GetCapability(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.store.TransitionCapability(ctx, id, c.Status, contracts.CapabilityDeprecated, nil, e.clock()); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "capability deprecated", "capability_code", c.Code, "from", c.Status)
	return e.store.GetCapability(ctx, id)
}

// SweepResult counts the outcome of a trial sweep.
type SweepResult struct {
	Promoted   int `json:"promoted"`
	Deprecated int `json:"deprecated"`
}

// SweepTrials settles every trial whose timer expired at or before now.
// A trial is promoted when decisions made through it gathered enough
// resolved lessons during the trial with a high enough positive ratio; otherwise it
// is deprecated.
func (e *Engine) SweepTrials(ctx context.Context, now time.Time) (SweepResult, error) {
	var out SweepResult
	trials, err := e.store.ListCapabilities(ctx, store.CapabilityFilter{
		Statuses: []contracts.CapabilityStatus{contracts.CapabilityTrial},
	})
	if err != nil {
		return out, err
	}
	var errs []error
	for _, c := range trials {
		if c.TrialExpiresAt == nil || c.TrialExpiresAt.After(now) {
			continue
		}
		promote, err := e.trialSucceeded(ctx, c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		to := contracts.CapabilityDeprecated
		if promote {
			to = contracts.CapabilityActive
		}
		if err := e.store.TransitionCapability(ctx, c.ID, contracts.CapabilityTrial, to, nil, now); err != nil {
			errs = append(errs, err)
			continue
		}
		if promote {
			out.Promoted++
		} else {
			out.Deprecated++
		}
		e.logger.InfoContext(ctx, "trial settled", "company_id", c.CompanyID, "capability_code", c.Code, "status", to)
	}
	return out, errors.Join(errs...)
}

func (e *Engine) trialSucceeded(ctx context.Context, c *contracts.Capability) (bool, error) {
	since := c.TrialExpiresAt.Add(-e.policy.Genesis.TrialDuration)
	lessons, err := e.store.ListLessons(ctx, store.LessonFilter{
		CompanyID: c.CompanyID, Department: c.Department, CapabilityCode: c.Code, Since: since,
	})
	if err != nil {
		return false, fmt.Errorf("trial %s: %w", c.Code, err)
	}
	var positive, resolved int
	for _, l := range lessons {
		switch l.Outcome {
		case contracts.OutcomePositive:
			positive++
			resolved++
		case contracts.OutcomeNegative, contracts.OutcomeNeutral:
			resolved++
		}
	}
	if resolved == 0 || positive < e.policy.Genesis.PromotionMinPositive {
		return false, nil
	}
	return float64(positive)/float64(resolved) >= e.policy.Genesis.PromotionMinRatio, nil
}

// SeedSystem creates the policy's system capabilities for a company as
// active. Families that already have a capability are left alone.
func (e *Engine) SeedSystem(ctx context.Context, companyID string) ([]*contracts.Capability, error) {
	now := e.clock()
	var created []*contracts.Capability
	for _, seed := range e.policy.Capabilities {
		dept := contracts.ParseDepartmentType(seed.Department)
		existing, err := e.store.ListCapabilities(ctx, store.CapabilityFilter{CompanyID: companyID, Department: dept, Family: seed.Family})
		if err != nil {
			return created, err
		}
		if len(existing) > 0 {
			continue
		}
		c := &contracts.Capability{
			ID:               uuid.New().String(),
			CompanyID:        companyID,
			Department:       dept,
			Code:             seed.Family,
			Family:           seed.Family,
			Version:          "1.0.0",
			Name:             seed.Name,
			Description:      seed.Description,
			Status:           contracts.CapabilityActive,
			Source:           contracts.SourceSystem,
			DecisionType:     seed.DecisionType,
			AgentID:          seed.AgentID,
			SignalCategories: seed.SignalCategories,
			TriggerExpr:      seed.TriggerExpr,
			RiskLevel:        contracts.ParseRiskLevel(seed.RiskLevel),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := e.store.CreateCapability(ctx, c); err != nil {
			return created, fmt.Errorf("seed %s: %w", c.Code, err)
		}
		created = append(created, c)
	}
	if len(created) > 0 {
		e.logger.InfoContext(ctx, "system capabilities seeded", "company_id", companyID, "count", len(created))
	}
	return created, nil
}

// gap is the single tally entry a proposal is drafted from.
type gap struct {
	kind  string
	key   string
	count int
}

const (
	kindSignal  = "unhandled_signals"
	kindAgent   = "unmapped_agent_invocations"
	kindBlocked = "recurring_blocked"
	kindPattern = "unmet_patterns"
)

// strongest picks the largest tally. Ties go to the kind listed first, then
// to the lexically smaller key.
func strongest(ev contracts.GapEvidence) gap {
	var best gap
	for _, k := range []struct {
		kind string
		m    map[string]int
	}{
		{kindSignal, ev.UnhandledSignals},
		{kindAgent, ev.UnmappedAgentInvocations},
		{kindBlocked, ev.RecurringBlocked},
		{kindPattern, ev.UnmetPatterns},
	} {
		keys := make([]string, 0, len(k.m))
		for key := range k.m {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if k.m[key] > best.count {
				best = gap{kind: k.kind, key: key, count: k.m[key]}
			}
		}
	}
	return best
}

// draft fills in what a capability for g does.
func (e *Engine) draft(dept contracts.DepartmentType, g gap) *contracts.Capability {
	slug := slugify(g.key)
	c := &contracts.Capability{RiskLevel: contracts.RiskMedium}
	switch g.kind {
	case kindSignal:
		c.Family = slug + "_response"
		c.DecisionType = c.Family
		c.AgentID = e.departmentAgent(dept)
		c.SignalCategories = []string{strings.ToLower(g.key)}
		c.Name = fmt.Sprintf("Respond to %s signals", g.key)
	case kindAgent:
		c.Family = slug
		c.DecisionType = slug
		c.AgentID = g.key
		c.Name = fmt.Sprintf("Use agent %s", g.key)
	default:
		// Repeated blocks or failures of an existing type: propose a
		// reviewed variant one risk level up.
		c.Family = slug + "_assisted"
		c.DecisionType = g.key
		c.AgentID = e.departmentAgent(dept)
		c.Name = fmt.Sprintf("Assisted %s", g.key)
		if risk := contracts.ParseRiskLevel(e.policy.Guardrail.DecisionTypeRisk[g.key]); risk != contracts.RiskUnknown {
			c.RiskLevel = risk.Raise()
		}
	}
	c.ProposedReason = fmt.Sprintf("%s[%s] seen %d times", g.kind, g.key, g.count)
	c.Description = c.ProposedReason
	return c
}

// departmentAgent returns the agent of the department's first system seed.
func (e *Engine) departmentAgent(dept contracts.DepartmentType) string {
	for _, s := range e.policy.Capabilities {
		if contracts.ParseDepartmentType(s.Department) == dept && s.AgentID != "" {
			return s.AgentID
		}
	}
	return ""
}

// nextVersion returns 1.0.0 for a new family and the next major version
// after the highest deprecated one. A live capability in the family blocks
// a new proposal.
func nextVersion(existing []*contracts.Capability) (*semver.Version, error) {
	var highest *semver.Version
	for _, c := range existing {
		if c.Status != contracts.CapabilityDeprecated {
			return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyProposed, c.Code, c.Status)
		}
		v, err := semver.NewVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("capability %s version %q: %w", c.Code, c.Version, err)
		}
		if highest == nil || v.GreaterThan(highest) {
			highest = v
		}
	}
	if highest == nil {
		return semver.MustParse("1.0.0"), nil
	}
	next := highest.IncMajor()
	return &next, nil
}

func codeFor(family string, v *semver.Version) string {
	if v.Major() <= 1 {
		return family
	}
	return fmt.Sprintf("%s.v%d", family, v.Major())
}

func covered(active []*contracts.Capability, category string) bool {
	for _, c := range active {
		if c.Covers(category) {
			return true
		}
	}
	return false
}

func dropBelow(m map[string]int, threshold int) {
	for k, c := range m {
		if c < threshold {
			delete(m, k)
		}
	}
}

func slugify(s string) string {
	var b strings.Builder
	lossy := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			lossy = lossy || unicode.IsLetter(r) || unicode.IsNumber(r)
			b.WriteByte('_')
		}
	}
	slug := strings.Trim(b.String(), "_")
	// Keys that lose letters or reduce to nothing carry a digest of the key.
	if slug != "" && !lossy {
		return slug
	}
	sum := sha256.Sum256([]byte(s))
	digest := "g" + hex.EncodeToString(sum[:4])
	if slug == "" {
		return digest
	}
	return slug + "_" + digest
}
