package department

import (
	"context"
	"sync"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
)

// MaturityProvider supplies the externally computed company maturity.
type MaturityProvider interface {
	Maturity(ctx context.Context, companyID string) (contracts.MaturityLevel, error)
}

// Prerequisites counts the company data each department needs before autopilot can run.
type Prerequisites struct {
	ConnectedChannels int `json:"connected_channels"`
	ContentItems      int `json:"content_items"`
	CRMRecords        int `json:"crm_records"`
	UsageRecords      int `json:"usage_records"`
	LegalParameters   int `json:"legal_parameters"`
	Members           int `json:"members"`
	ExecutionTeams    int `json:"execution_teams"`
}

// PrerequisiteSource supplies prerequisite counts for a company.
type PrerequisiteSource interface {
	Prerequisites(ctx context.Context, companyID string) (Prerequisites, error)
}

// Check returns the unmet prerequisites of a department, or nil when satisfied.
func Check(companyID string, dept contracts.DepartmentType, p Prerequisites) *PrerequisiteError {
	var (
		missing []Shortfall
		anyOf   bool
	)
	switch dept {
	case contracts.DepartmentMarketing:
		if p.ConnectedChannels < 1 && p.ContentItems < 5 {
			missing = []Shortfall{
				{Name: "connected_channels", Have: p.ConnectedChannels, Need: 1},
				{Name: "content_items", Have: p.ContentItems, Need: 5},
			}
			anyOf = true
		}
	case contracts.DepartmentSales:
		if p.CRMRecords < 1 {
			missing = []Shortfall{{Name: "crm_records", Have: p.CRMRecords, Need: 1}}
		}
	case contracts.DepartmentFinance:
		if p.UsageRecords < 1 {
			missing = []Shortfall{{Name: "usage_records", Have: p.UsageRecords, Need: 1}}
		}
	case contracts.DepartmentLegal:
		if p.LegalParameters < 1 {
			missing = []Shortfall{{Name: "legal_parameters", Have: p.LegalParameters, Need: 1}}
		}
	case contracts.DepartmentHR:
		if p.Members < 2 {
			missing = []Shortfall{{Name: "members", Have: p.Members, Need: 2}}
		}
	case contracts.DepartmentOperations:
		if p.ExecutionTeams < 1 {
			missing = []Shortfall{{Name: "execution_teams", Have: p.ExecutionTeams, Need: 1}}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &PrerequisiteError{CompanyID: companyID, Department: dept, Missing: missing, AnyOf: anyOf}
}

// Profile is a company snapshot pushed by the external data services.
type Profile struct {
	Maturity      contracts.MaturityLevel `json:"maturity"`
	Prerequisites Prerequisites           `json:"prerequisites"`
}

// ProfileStore keeps the latest company profile in memory and serves both
// MaturityProvider and PrerequisiteSource. Unknown companies are starters
// with no prerequisite data.
type ProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewProfileStore creates an empty profile store.
func NewProfileStore() *ProfileStore {
	return &ProfileStore{profiles: make(map[string]Profile)}
}

// Set replaces a company profile.
func (s *ProfileStore) Set(companyID string, p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[companyID] = p
}

func (s *ProfileStore) Maturity(_ context.Context, companyID string) (contracts.MaturityLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[companyID]
	if !ok || p.Maturity == "" {
		return contracts.MaturityStarter, nil
	}
	return p.Maturity, nil
}

func (s *ProfileStore) Prerequisites(_ context.Context, companyID string) (Prerequisites, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profiles[companyID].Prerequisites, nil
}
