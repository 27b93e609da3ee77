package intelligence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
	"github.com/builderaio/buildera-io-sub006/pkg/store"
)

type staticSource struct {
	name    string
	payload string
	err     error
}

func (s staticSource) Name() string { return s.name }

func (s staticSource) Fetch(context.Context, string) (json.RawMessage, error) {
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(s.payload), nil
}

func newIngestor(t *testing.T) *Ingestor {
	t.Helper()
	ing, err := NewIngestor(NewStoreCache(store.NewMemoryStore()))
	require.NoError(t, err)
	return ing.WithClock(func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) })
}

func TestIngest_NormalisesAndDedups(t *testing.T) {
	ing := newIngestor(t)
	raw := json.RawMessage(`{"signals":[
		{"title":"  Café   opening  ","impact":"HIGH","category":"Trend"},
		{"title":"CAFÉ OPENING","impact":"low"},
		{"title":"Competitor price drop","summary":" cut  10% ","impact":"bogus"}
	]}`)

	rec, err := ing.Ingest(context.Background(), "acme", "market", raw)
	require.NoError(t, err)
	require.Len(t, rec.Signals, 2)

	assert.Equal(t, "Café opening", rec.Signals[0].Title)
	assert.Equal(t, contracts.RiskHigh, rec.Signals[0].Impact)
	assert.Equal(t, "trend", rec.Signals[0].Category)

	assert.Equal(t, contracts.RiskLow, rec.Signals[1].Impact)
	assert.Equal(t, "general", rec.Signals[1].Category)
	assert.Equal(t, "cut 10%", rec.Signals[1].Summary)

	// (high 3/4 + low 1/4) / 2
	assert.InDelta(t, 0.5, rec.RelevanceScore, 1e-9)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), rec.FetchedAt)
}

func TestIngest_DeclaredRelevanceWins(t *testing.T) {
	ing := newIngestor(t)
	rec, err := ing.Ingest(context.Background(), "acme", "market",
		json.RawMessage(`{"relevance_score":0.9,"signals":[{"title":"x"}]}`))
	require.NoError(t, err)
	assert.InDelta(t, 0.9, rec.RelevanceScore, 1e-9)
}

func TestIngest_RejectsInvalidPayload(t *testing.T) {
	ing := newIngestor(t)
	ctx := context.Background()

	cases := map[string]string{
		"not json":         `{`,
		"missing signals":  `{"items":[]}`,
		"missing title":    `{"signals":[{"summary":"no title"}]}`,
		"relevance bounds": `{"relevance_score":3,"signals":[]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ing.Ingest(ctx, "acme", "market", json.RawMessage(raw))
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}

	_, err := ing.Ingest(ctx, "", "market", json.RawMessage(`{"signals":[]}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestRefresh_SkipsFailingSources(t *testing.T) {
	ing := newIngestor(t)
	ing.Register(staticSource{name: "crm", payload: `{"signals":[{"title":"New lead","category":"lead"}]}`})
	ing.Register(staticSource{name: "broken", err: errors.New("upstream 503")})
	ing.Register(staticSource{name: "garbage", payload: `[]`})

	recs, err := ing.Refresh(context.Background(), "acme")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Contains(t, err.Error(), "upstream 503")
	require.Len(t, recs, 1)
	assert.Equal(t, "crm", recs[0].Source)

	latest, err := ing.Latest(context.Background(), "acme", 10)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "New lead", latest[0].Signals[0].Title)
}

func TestLatest_NewestFirst(t *testing.T) {
	ing := newIngestor(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, title := range []string{"first", "second"} {
		at := now.Add(time.Duration(i) * time.Minute)
		ing.WithClock(func() time.Time { return at })
		_, err := ing.Ingest(ctx, "acme", "market", json.RawMessage(`{"signals":[{"title":"`+title+`"}]}`))
		require.NoError(t, err)
	}

	latest, err := ing.Latest(ctx, "acme", 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "second", latest[0].Signals[0].Title)
}

func TestDedupKey_CaseAndNormalisation(t *testing.T) {
	ing := newIngestor(t)
	// "e" + combining acute vs precomposed "é"
	assert.Equal(t, ing.DedupKey("Cafe\u0301  Opening"), ing.DedupKey("CAFÉ opening"))
}
