package intelligence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
)

// ErrInvalidPayload is returned when a raw payload fails schema validation.
var ErrInvalidPayload = errors.New("intelligence: invalid payload")

const payloadSchemaURL = "https://schemas.buildera.io/autopilot/intelligence-payload.schema.json"

// payloadSchema describes what an Intelligence Source must return.
const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["signals"],
  "properties": {
    "relevance_score": {"type": "number", "minimum": 0, "maximum": 1},
    "signals": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "summary": {"type": "string"},
          "impact": {"type": "string"},
          "category": {"type": "string"}
        }
      }
    }
  }
}`

type rawPayload struct {
	RelevanceScore *float64 `json:"relevance_score"`
	Signals        []struct {
		Title    string `json:"title"`
		Summary  string `json:"summary"`
		Impact   string `json:"impact"`
		Category string `json:"category"`
	} `json:"signals"`
}

// Ingestor validates, normalises and caches intelligence.
type Ingestor struct {
	cache  Cache
	schema *jsonschema.Schema
	clock  func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	sources []Source
}

// NewIngestor compiles the payload schema and returns an ingestor writing to cache.
func NewIngestor(cache Cache) (*Ingestor, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(payloadSchemaURL, strings.NewReader(payloadSchema)); err != nil {
		return nil, fmt.Errorf("intelligence schema load failed: %w", err)
	}
	compiled, err := c.Compile(payloadSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("intelligence schema compile failed: %w", err)
	}
	return &Ingestor{
		cache:  cache,
		schema: compiled,
		clock:  time.Now,
		logger: slog.Default().With("component", "intelligence"),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (i *Ingestor) WithClock(clock func() time.Time) *Ingestor {
	i.clock = clock
	return i
}

// Register adds a pull source used by Refresh.
func (i *Ingestor) Register(src Source) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sources = append(i.sources, src)
}

// Ingest validates a raw payload and stores a new immutable record.
func (i *Ingestor) Ingest(ctx context.Context, companyID, source string, raw json.RawMessage) (*contracts.IntelligenceSignal, error) {
	if companyID == "" || source == "" {
		return nil, fmt.Errorf("%w: company and source are required", ErrInvalidPayload)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := i.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var p rawPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	seen := make(map[string]bool, len(p.Signals))
	signals := make([]contracts.Signal, 0, len(p.Signals))
	for _, s := range p.Signals {
		title := normalizeText(s.Title)
		if title == "" {
			continue
		}
		key := i.DedupKey(title)
		if seen[key] {
			continue
		}
		seen[key] = true

		impact := contracts.ParseRiskLevel(s.Impact)
		if impact == contracts.RiskUnknown {
			impact = contracts.RiskLow
		}
		category := strings.ToLower(normalizeText(s.Category))
		if category == "" {
			category = "general"
		}
		signals = append(signals, contracts.Signal{
			Title:    title,
			Summary:  normalizeText(s.Summary),
			Impact:   impact,
			Category: category,
		})
	}

	rec := &contracts.IntelligenceSignal{
		ID:             uuid.New().String(),
		CompanyID:      companyID,
		Source:         source,
		RawPayload:     append(json.RawMessage(nil), raw...),
		Signals:        signals,
		RelevanceScore: relevance(p.RelevanceScore, signals),
		FetchedAt:      i.clock(),
	}
	if err := i.cache.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("intelligence cache put: %w", err)
	}
	i.logger.InfoContext(ctx, "intelligence ingested",
		"company_id", companyID, "source", source, "signals", len(signals), "relevance", rec.RelevanceScore)
	return rec, nil
}

// Refresh pulls every registered source. A failing source is logged and skipped;
// the joined errors are returned alongside whatever was ingested.
func (i *Ingestor) Refresh(ctx context.Context, companyID string) ([]*contracts.IntelligenceSignal, error) {
	i.mu.RLock()
	sources := append([]Source(nil), i.sources...)
	i.mu.RUnlock()

	var (
		out  []*contracts.IntelligenceSignal
		errs []error
	)
	for _, src := range sources {
		raw, err := src.Fetch(ctx, companyID)
		if err != nil {
			i.logger.WarnContext(ctx, "intelligence source failed", "company_id", companyID, "source", src.Name(), "error", err)
			errs = append(errs, fmt.Errorf("source %s: %w", src.Name(), err))
			continue
		}
		rec, err := i.Ingest(ctx, companyID, src.Name(), raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", src.Name(), err))
			continue
		}
		out = append(out, rec)
	}
	return out, errors.Join(errs...)
}

// Latest returns the newest cached records of a company.
func (i *Ingestor) Latest(ctx context.Context, companyID string, limit int) ([]*contracts.IntelligenceSignal, error) {
	return i.cache.Latest(ctx, companyID, limit)
}

// DedupKey returns the case-folded NFC form of a title. A Caser is stateful,
// so one is built per call.
func (i *Ingestor) DedupKey(title string) string {
	return cases.Fold().String(normalizeText(title))
}

// normalizeText applies NFC and collapses whitespace.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// relevance uses the declared score when present, otherwise the mean impact.
func relevance(declared *float64, signals []contracts.Signal) float64 {
	if declared != nil {
		return *declared
	}
	if len(signals) == 0 {
		return 0
	}
	var sum float64
	for _, s := range signals {
		sum += float64(s.Impact.Rank()) / float64(contracts.RiskCritical.Rank())
	}
	return sum / float64(len(signals))
}
