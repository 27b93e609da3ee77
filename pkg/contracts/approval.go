package contracts

import (
	"strings"
	"time"
)

// ApprovalStatus represents the current state of an approval request.
type ApprovalStatus string

const (
	ApprovalPendingReview ApprovalStatus = "pending_review"
	ApprovalApproved      ApprovalStatus = "approved"
	ApprovalRejected      ApprovalStatus = "rejected"
	ApprovalUnknown       ApprovalStatus = "unknown"
)

// ParseApprovalStatus maps a stored value to an ApprovalStatus.
func ParseApprovalStatus(s string) ApprovalStatus {
	switch st := ApprovalStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case ApprovalPendingReview, ApprovalApproved, ApprovalRejected:
		return st
	default:
		return ApprovalUnknown
	}
}

// ReviewerTier is the privilege a reviewer needs to resolve a request.
type ReviewerTier string

const (
	TierStandard  ReviewerTier = "standard"
	TierExecutive ReviewerTier = "executive"
)

// ParseReviewerTier maps a stored value to a tier. Anything unrecognised is standard.
func ParseReviewerTier(s string) ReviewerTier {
	if ReviewerTier(strings.ToLower(strings.TrimSpace(s))) == TierExecutive {
		return TierExecutive
	}
	return TierStandard
}

// Satisfies reports whether a reviewer holding t may resolve a request requiring required.
func (t ReviewerTier) Satisfies(required ReviewerTier) bool {
	if required == TierExecutive {
		return t == TierExecutive
	}
	return true
}

// TierFor returns the reviewer tier a pending verdict requires.
func TierFor(v Verdict) ReviewerTier {
	if v == VerdictEscalated {
		return TierExecutive
	}
	return TierStandard
}

// ApprovalRequest is a Decision held for human sign-off.
type ApprovalRequest struct {
	ID           string         `json:"id"`
	DecisionID   string         `json:"decision_id"`
	CompanyID    string         `json:"company_id"`
	Department   DepartmentType `json:"department"`
	Verdict      Verdict        `json:"verdict"`
	ContentType  string         `json:"content_type"`
	ContentData  ContentData    `json:"content_data"`
	Rule         string         `json:"rule"`
	Status       ApprovalStatus `json:"status"`
	RequiredTier ReviewerTier   `json:"reviewer_tier"`
	ReviewerID   string         `json:"reviewer_id,omitempty"`
	ReviewedAt   *time.Time     `json:"reviewed_at,omitempty"`
	// DispatchedAt is set when an approved request is handed to the dispatcher.
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
