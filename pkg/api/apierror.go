// Package api is the HTTP trigger surface of the autopilot engine. Errors are
// RFC 7807 Problem Details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/builderaio/buildera-io-sub006/pkg/approval"
	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
	"github.com/builderaio/buildera-io-sub006/pkg/cycle"
	"github.com/builderaio/buildera-io-sub006/pkg/department"
	"github.com/builderaio/buildera-io-sub006/pkg/genesis"
	"github.com/builderaio/buildera-io-sub006/pkg/intelligence"
	"github.com/builderaio/buildera-io-sub006/pkg/store"
)

const problemTypeBase = "https://autopilot.buildera.io/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	// Reason carries the structured cause of prerequisite and lock failures.
	Reason any `json:"reason,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem writes a Problem Detail response.
func WriteProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = fmt.Sprintf("%s%d", problemTypeBase, p.Status)
	}
	if r != nil {
		p.Instance = r.URL.Path
		p.TraceID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a Problem Detail with the given status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	WriteProblem(w, r, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteDomainError maps engine errors to Problem Details.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		locked *department.LockedError
		prereq *department.PrerequisiteError
	)
	switch {
	case errors.As(err, &locked):
		WriteProblem(w, r, &ProblemDetail{
			Type: problemTypeBase + "department-locked", Title: "Department Locked",
			Status: http.StatusForbidden, Detail: locked.Error(), Reason: locked,
		})
	case errors.As(err, &prereq):
		WriteProblem(w, r, &ProblemDetail{
			Type: problemTypeBase + "prerequisite-missing", Title: "Prerequisite Missing",
			Status: http.StatusUnprocessableEntity, Detail: prereq.Error(), Reason: prereq,
		})
	case errors.Is(err, store.ErrNotFound):
		WriteNotFound(w, r, err.Error())
	case errors.Is(err, cycle.ErrCycleInFlight),
		errors.Is(err, cycle.ErrAutopilotOff),
		errors.Is(err, department.ErrDisabled),
		errors.Is(err, approval.ErrNotPending),
		errors.Is(err, genesis.ErrAlreadyProposed),
		errors.Is(err, contracts.ErrInvalidTransition),
		errors.Is(err, store.ErrConflict):
		WriteConflict(w, r, err.Error())
	case errors.Is(err, approval.ErrInsufficientTier):
		WriteError(w, r, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, genesis.ErrInsufficientEvidence):
		WriteError(w, r, http.StatusUnprocessableEntity, "Insufficient Evidence", err.Error())
	case errors.Is(err, department.ErrUnknownDepartment),
		errors.Is(err, approval.ErrInvalidResolution),
		errors.Is(err, genesis.ErrInvalidMode),
		errors.Is(err, intelligence.ErrInvalidPayload):
		WriteBadRequest(w, r, err.Error())
	default:
		WriteInternal(w, r, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
