package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/builderaio/buildera-io-sub006/pkg/approval"
	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
	"github.com/builderaio/buildera-io-sub006/pkg/department"
	"github.com/builderaio/buildera-io-sub006/pkg/iq"
)

const maxBodyBytes = 1 << 20

// Cycles runs and reports cycles.
type Cycles interface {
	RunCycle(ctx context.Context, companyID string, dept contracts.DepartmentType) (*contracts.CycleSummary, error)
	Status(companyID string, dept contracts.DepartmentType) contracts.CycleState
}

// Departments manages department configuration.
type Departments interface {
	Onboard(ctx context.Context, companyID string) ([]*contracts.Department, error)
	ListDepartments(ctx context.Context, companyID string) ([]*contracts.Department, error)
	ToggleAutopilot(ctx context.Context, companyID string, dept contracts.DepartmentType, enabled bool) (*contracts.Department, error)
}

// Profiles receives company snapshots from the external data services.
type Profiles interface {
	Set(companyID string, p department.Profile)
}

// Approvals is the approval queue.
type Approvals interface {
	ListPending(ctx context.Context, companyID string) ([]*contracts.ApprovalRequest, error)
	Resolve(ctx context.Context, id string, status contracts.ApprovalStatus, reviewer approval.Reviewer) (*approval.Resolution, error)
}

// Genesis proposes and moves capabilities through their lifecycle.
type Genesis interface {
	MineGaps(ctx context.Context, companyID string, dept contracts.DepartmentType, window time.Duration) (*contracts.GapEvidence, error)
	ProposeFromGaps(ctx context.Context, companyID string, dept contracts.DepartmentType, ev contracts.GapEvidence) (*contracts.Capability, error)
	Activate(ctx context.Context, id string, mode contracts.CapabilityStatus) (*contracts.Capability, error)
	Reject(ctx context.Context, id string) (*contracts.Capability, error)
	SeedSystem(ctx context.Context, companyID string) ([]*contracts.Capability, error)
}

// Intelligence ingests raw intelligence payloads.
type Intelligence interface {
	Ingest(ctx context.Context, companyID, source string, raw json.RawMessage) (*contracts.IntelligenceSignal, error)
}

// Scores computes Enterprise IQ.
type Scores interface {
	Company(ctx context.Context, companyID string) (*iq.Result, error)
	Department(ctx context.Context, companyID string, dept contracts.DepartmentType) (*iq.Result, error)
}

// Server wires the HTTP surface to the engine.
type Server struct {
	Cycles       Cycles
	Departments  Departments
	Profiles     Profiles
	Approvals    Approvals
	Genesis      Genesis
	Intelligence Intelligence
	Scores       Scores

	logger *slog.Logger
}

// NewServer creates a server. Every dependency is required.
func NewServer(s Server) *Server {
	s.logger = slog.Default().With("component", "api")
	return &s
}

// Routes registers every endpoint on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("PUT /api/v1/companies/{company}/profile", s.handleSetProfile)
	mux.HandleFunc("POST /api/v1/companies/{company}/onboard", s.handleOnboard)
	mux.HandleFunc("GET /api/v1/companies/{company}/departments", s.handleListDepartments)
	mux.HandleFunc("POST /api/v1/companies/{company}/departments/{department}/autopilot", s.handleToggleAutopilot)
	mux.HandleFunc("POST /api/v1/companies/{company}/departments/{department}/cycles", s.handleRunCycle)
	mux.HandleFunc("GET /api/v1/companies/{company}/departments/{department}/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/companies/{company}/departments/{department}/genesis", s.handleGenesis)
	mux.HandleFunc("POST /api/v1/companies/{company}/intelligence", s.handleIngest)
	mux.HandleFunc("GET /api/v1/companies/{company}/iq", s.handleIQ)

	mux.HandleFunc("GET /api/v1/companies/{company}/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /api/v1/approvals/{id}/resolve", s.handleResolve)

	mux.HandleFunc("POST /api/v1/capabilities/{id}/activate", s.handleActivate)
	mux.HandleFunc("POST /api/v1/capabilities/{id}/reject", s.handleReject)
	return mux
}

// Handler returns the routes wrapped in request ID, access log and rate limiting.
func (s *Server) Handler(limiter *RateLimiter) http.Handler {
	var h http.Handler = s.Routes()
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	h = AccessLog(s.logger)(h)
	return RequestID(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// pathDepartment parses {department}; unknown types are rejected here.
func pathDepartment(r *http.Request) (contracts.DepartmentType, error) {
	raw := r.PathValue("department")
	d := contracts.ParseDepartmentType(raw)
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", department.ErrUnknownDepartment, raw)
	}
	return d, nil
}

func (s *Server) handleSetProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Maturity      string                   `json:"maturity"`
		Prerequisites department.Prerequisites `json:"prerequisites"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	m := contracts.ParseMaturityLevel(req.Maturity)
	if m == contracts.MaturityUnknown {
		WriteBadRequest(w, r, fmt.Sprintf("unknown maturity %q", req.Maturity))
		return
	}
	p := department.Profile{Maturity: m, Prerequisites: req.Prerequisites}
	s.Profiles.Set(r.PathValue("company"), p)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleOnboard(w http.ResponseWriter, r *http.Request) {
	company := r.PathValue("company")
	depts, err := s.Departments.Onboard(r.Context(), company)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	seeded, err := s.Genesis.SeedSystem(r.Context(), company)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"departments":  depts,
		"capabilities": seeded,
	})
}

func (s *Server) handleListDepartments(w http.ResponseWriter, r *http.Request) {
	depts, err := s.Departments.ListDepartments(r.Context(), r.PathValue("company"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, depts)
}

func (s *Server) handleToggleAutopilot(w http.ResponseWriter, r *http.Request) {
	dept, err := pathDepartment(r)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if req.Enabled == nil {
		WriteBadRequest(w, r, "enabled is required")
		return
	}
	d, err := s.Departments.ToggleAutopilot(r.Context(), r.PathValue("company"), dept, *req.Enabled)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleRunCycle returns the summary of failed cycles too; the summary's
// status and failed_phase describe the failure.
func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	dept, err := pathDepartment(r)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	summary, err := s.Cycles.RunCycle(r.Context(), r.PathValue("company"), dept)
	if summary == nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	dept, err := pathDepartment(r)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"company_id": r.PathValue("company"),
		"department": dept,
		"state":      s.Cycles.Status(r.PathValue("company"), dept),
	})
}

func (s *Server) handleGenesis(w http.ResponseWriter, r *http.Request) {
	dept, err := pathDepartment(r)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	var req struct {
		Window string `json:"window"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			WriteBadRequest(w, r, err.Error())
			return
		}
	}
	var window time.Duration
	if req.Window != "" {
		if window, err = time.ParseDuration(req.Window); err != nil || window <= 0 {
			WriteBadRequest(w, r, fmt.Sprintf("invalid window %q", req.Window))
			return
		}
	}

	company := r.PathValue("company")
	ev, err := s.Genesis.MineGaps(r.Context(), company, dept, window)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	c, err := s.Genesis.ProposeFromGaps(r.Context(), company, dept, *ev)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"evidence":   ev,
		"capability": c,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source  string          `json:"source"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if req.Source == "" || len(req.Payload) == 0 {
		WriteBadRequest(w, r, "source and payload are required")
		return
	}
	sig, err := s.Intelligence.Ingest(r.Context(), r.PathValue("company"), req.Source, req.Payload)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sig)
}

// handleIQ scores the company, or one department with ?department=.
func (s *Server) handleIQ(w http.ResponseWriter, r *http.Request) {
	company := r.PathValue("company")
	var (
		res *iq.Result
		err error
	)
	if raw := r.URL.Query().Get("department"); raw != "" {
		dept := contracts.ParseDepartmentType(raw)
		if !dept.Valid() {
			WriteDomainError(w, r, fmt.Errorf("%w: %q", department.ErrUnknownDepartment, raw))
			return
		}
		res, err = s.Scores.Department(r.Context(), company, dept)
	} else {
		res, err = s.Scores.Company(r.Context(), company)
	}
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.Approvals.ListPending(r.Context(), r.PathValue("company"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// handleResolve answers 202 when the resolution was stored but dispatch
// failed; the request is re-driven by the scheduler's recovery pass.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status       string `json:"status"`
		ReviewerID   string `json:"reviewer_id"`
		ReviewerTier string `json:"reviewer_tier"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if req.ReviewerID == "" {
		WriteBadRequest(w, r, "reviewer_id is required")
		return
	}
	reviewer := approval.Reviewer{ID: req.ReviewerID, Tier: contracts.ParseReviewerTier(req.ReviewerTier)}
	res, err := s.Approvals.Resolve(r.Context(), r.PathValue("id"), contracts.ParseApprovalStatus(req.Status), reviewer)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case res != nil:
		s.logger.WarnContext(r.Context(), "approved request not dispatched", "approval_id", r.PathValue("id"), "error", err)
		writeJSON(w, http.StatusAccepted, res)
	default:
		WriteDomainError(w, r, err)
	}
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	c, err := s.Genesis.Activate(r.Context(), r.PathValue("id"), contracts.ParseCapabilityStatus(req.Mode))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	c, err := s.Genesis.Reject(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
