package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/builderaio/buildera-io-sub006/pkg/config"
	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
	"github.com/builderaio/buildera-io-sub006/pkg/iq"
	"github.com/builderaio/buildera-io-sub006/pkg/store"
)

func TestRun_Help(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 0, Run([]string{"autopilot", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "cycle")
	assert.Contains(t, out.String(), "iq")
}

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 2, Run([]string{"autopilot", "deploy"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Unknown command: deploy")
}

func TestRun_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"cycle without flags", []string{"autopilot", "cycle"}},
		{"cycle without department", []string{"autopilot", "cycle", "--company", "acme"}},
		{"cycle with unknown department", []string{"autopilot", "cycle", "--company", "acme", "--department", "support"}},
		{"iq without company", []string{"autopilot", "iq"}},
		{"bad flag", []string{"autopilot", "iq", "--nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			assert.Equal(t, 2, Run(tt.args, &out, &errOut))
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{LogLevel: "WARN", LogFormat: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "company_id", "acme")

	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)
	assert.NotContains(t, line, "hidden")
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, "acme", rec["company_id"])
}

// TestEndToEnd drives the HTTP surface over a fully wired in-memory engine.
func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{ShadowMode: true, CycleInterval: time.Hour, CycleConcurrency: 1}
	svc, err := wire(ctx, cfg, config.DefaultPolicy(), store.NewMemoryStore(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(ctx) })
	h := svc.APIServer().Handler(nil)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodPost, "/api/v1/companies/acme/onboard", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(http.MethodPost, "/api/v1/companies/acme/departments/marketing/autopilot", `{"enabled": true}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, "no channels or content yet")

	w = do(http.MethodPut, "/api/v1/companies/acme/profile", `{"maturity": "starter", "prerequisites": {"content_items": 5}}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(http.MethodPost, "/api/v1/companies/acme/departments/finance/autopilot", `{"enabled": true}`)
	require.Equal(t, http.StatusForbidden, w.Code, "finance needs a growing company")

	w = do(http.MethodPost, "/api/v1/companies/acme/departments/marketing/autopilot", `{"enabled": true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(http.MethodPost, "/api/v1/companies/acme/intelligence",
		`{"source": "market-watch", "payload": {"signals": [{"title": "Short video is trending", "category": "trend", "impact": "low"}]}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(http.MethodPost, "/api/v1/companies/acme/departments/marketing/cycles", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sum contracts.CycleSummary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sum))
	assert.Equal(t, contracts.LogCompleted, sum.Status)
	assert.Equal(t, 1, sum.Executed)
	assert.Equal(t, int64(10), sum.CreditsConsumed)

	w = do(http.MethodGet, "/api/v1/companies/acme/iq", "")
	require.Equal(t, http.StatusOK, w.Code)
	var score iq.Result
	require.NoError(t, json.NewDecoder(w.Body).Decode(&score))
	assert.Equal(t, 1, score.Inputs.Cycles)
	assert.Equal(t, len(config.DefaultPolicy().Capabilities), score.Inputs.ActiveCapabilities)
	assert.Equal(t, iq.Score(score.Inputs), score.Score)

	report, err := svc.Scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cycles, "the scheduler runs every autopilot department")
}
