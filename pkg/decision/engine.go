// Package decision implements THINK: turning intelligence into candidate
// Decisions through the department's active capabilities.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/builderaio/buildera-io-sub006/pkg/celexpr"
	"github.com/builderaio/buildera-io-sub006/pkg/config"
	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
)

// Input is everything a Decision Engine may look at for one cycle.
type Input struct {
	CompanyID    string
	Department   contracts.DepartmentType
	CycleID      string
	Capabilities []*contracts.Capability
	// Intelligence is newest first.
	Intelligence []*contracts.IntelligenceSignal
	// Lessons is newest first.
	Lessons []*contracts.Lesson
	Now     time.Time
}

// Result holds the produced decisions and the signals no capability covered.
type Result struct {
	Decisions []*contracts.Decision
	Gaps      []contracts.GapObservation
}

// Engine produces candidate decisions. Implementations may be rule based or
// model backed; the Decision shape is the same either way.
type Engine interface {
	Decide(ctx context.Context, in Input) (*Result, error)
}

// RuleEngine maps signals to active capabilities by category and optional
// CEL trigger expression.
type RuleEngine struct {
	cel            *celexpr.Evaluator
	credits        map[string]int64
	defaultCredits int64
	negativeStreak int
	logger         *slog.Logger
}

// NewRuleEngine builds a rule engine from the policy's agent catalog and learning settings.
func NewRuleEngine(policy *config.Policy) (*RuleEngine, error) {
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	ev, err := celexpr.New("signal", "capability")
	if err != nil {
		return nil, err
	}
	credits := make(map[string]int64, len(policy.Agents))
	for _, a := range policy.Agents {
		credits[a.ID] = a.CreditsPerCall
	}
	return &RuleEngine{
		cel:            ev,
		credits:        credits,
		defaultCredits: policy.Genesis.DefaultCredits,
		negativeStreak: policy.Learning.NegativeStreak,
		logger:         slog.Default().With("component", "decision"),
	}, nil
}

// ValidateTrigger compiles a capability trigger expression.
func (e *RuleEngine) ValidateTrigger(expr string) error {
	if expr == "" {
		return nil
	}
	return e.cel.Compile(expr)
}

type candidate struct {
	decision *contracts.Decision
	positive int
}

// Decide implements Engine.
func (e *RuleEngine) Decide(ctx context.Context, in Input) (*Result, error) {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	history := summarize(in.Lessons)
	res := &Result{}
	var cands []candidate
	seen := make(map[string]bool)

	for _, rec := range in.Intelligence {
		for _, sig := range rec.Signals {
			key := titleKey(sig.Title)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true

			matched := e.match(ctx, in.Capabilities, rec, sig)
			if len(matched) == 0 {
				res.Gaps = append(res.Gaps, contracts.GapObservation{
					Category:    sig.Category,
					SignalTitle: sig.Title,
					Source:      rec.Source,
				})
				continue
			}
			for _, c := range matched {
				d, err := e.build(in, c, sig, key, history[c.DecisionType])
				if err != nil {
					return nil, err
				}
				cands = append(cands, candidate{decision: d, positive: history[c.DecisionType].positive})
			}
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].positive > cands[j].positive
	})
	for _, c := range cands {
		res.Decisions = append(res.Decisions, c.decision)
	}
	e.logger.DebugContext(ctx, "decisions produced",
		"company_id", in.CompanyID, "department", in.Department, "decisions", len(res.Decisions), "gaps", len(res.Gaps))
	return res, nil
}

func (e *RuleEngine) match(ctx context.Context, caps []*contracts.Capability, rec *contracts.IntelligenceSignal, sig contracts.Signal) []*contracts.Capability {
	var out []*contracts.Capability
	for _, c := range caps {
		if !c.Status.IsActive() || !c.Covers(sig.Category) {
			continue
		}
		if c.TriggerExpr != "" {
			ok, err := e.cel.Eval(c.TriggerExpr, map[string]any{
				"signal": map[string]any{
					"title":     sig.Title,
					"summary":   sig.Summary,
					"impact":    string(sig.Impact),
					"category":  sig.Category,
					"source":    rec.Source,
					"relevance": rec.RelevanceScore,
				},
				"capability": map[string]any{
					"code":          c.Code,
					"decision_type": c.DecisionType,
					"risk_level":    string(c.RiskLevel),
				},
			})
			if err != nil {
				e.logger.WarnContext(ctx, "capability trigger failed", "capability_code", c.Code, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func (e *RuleEngine) build(in Input, c *contracts.Capability, sig contracts.Signal, key string, h typeHistory) (*contracts.Decision, error) {
	risk := c.RiskLevel
	var factors []string
	if risk.Rank() > 0 {
		factors = append(factors, "capability:"+string(risk))
	} else {
		risk = ""
	}
	if risk != "" && h.negativeStreak >= e.negativeStreak {
		risk = risk.Raise()
		factors = append(factors, fmt.Sprintf("negative_streak:%d", h.negativeStreak))
	}
	if sig.Impact == contracts.RiskCritical {
		factors = append(factors, "signal_impact:critical")
	}

	credits, ok := e.credits[c.AgentID]
	if !ok {
		credits = e.defaultCredits
	}
	content := contracts.ContentData{
		RiskLevel:        risk,
		RiskFactors:      factors,
		EstimatedCredits: credits,
		SignalTitle:      sig.Title,
		SignalCategory:   sig.Category,
		Summary:          sig.Summary,
	}
	if err := content.Validate(); err != nil {
		return nil, fmt.Errorf("decision for %s: %w", c.Code, err)
	}

	d := &contracts.Decision{
		ID:             uuid.New().String(),
		CompanyID:      in.CompanyID,
		Department:     in.Department,
		CycleID:        in.CycleID,
		DecisionType:   c.DecisionType,
		Description:    fmt.Sprintf("%s: %s", c.Name, sig.Title),
		AgentToExecute: c.AgentID,
		CapabilityCode: c.Code,
		Content:        content,
		CreatedAt:      in.Now,
	}
	fp, err := Fingerprint(d, key, in.Now)
	if err != nil {
		return nil, err
	}
	d.Fingerprint = fp
	return d, nil
}

type typeHistory struct {
	positive       int
	negativeStreak int
}

// summarize counts positive lessons and the leading run of negatives per
// decision type. Pending lessons are ignored.
func summarize(lessons []*contracts.Lesson) map[string]typeHistory {
	out := make(map[string]typeHistory)
	broken := make(map[string]bool)
	for _, l := range lessons {
		if l.Outcome == contracts.OutcomePending || l.Outcome == contracts.OutcomeUnknown {
			continue
		}
		h := out[l.DecisionType]
		if l.Outcome == contracts.OutcomePositive {
			h.positive++
		}
		if !broken[l.DecisionType] {
			if l.Outcome == contracts.OutcomeNegative {
				h.negativeStreak++
			} else {
				broken[l.DecisionType] = true
			}
		}
		out[l.DecisionType] = h
	}
	return out
}

func titleKey(title string) string {
	return cases.Fold().String(strings.Join(strings.Fields(norm.NFC.String(title)), " "))
}
