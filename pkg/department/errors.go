package department

import (
	"errors"
	"fmt"
	"strings"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
)

var (
	// ErrLocked is wrapped by LockedError.
	ErrLocked = errors.New("department: locked")
	// ErrPrerequisite is wrapped by PrerequisiteError.
	ErrPrerequisite = errors.New("department: prerequisite missing")
	// ErrDisabled is returned when enabling autopilot on a disabled department.
	ErrDisabled = errors.New("department: disabled")
	// ErrUnknownDepartment is returned for department types outside the fixed set.
	ErrUnknownDepartment = errors.New("department: unknown type")
)

// LockedError reports that the company's maturity does not unlock a department.
type LockedError struct {
	CompanyID  string                   `json:"company_id"`
	Department contracts.DepartmentType `json:"department"`
	Required   contracts.MaturityLevel  `json:"required_maturity"`
	Current    contracts.MaturityLevel  `json:"current_maturity"`
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("department %s is locked: requires maturity %s, company is %s", e.Department, e.Required, e.Current)
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// Shortfall is one unmet prerequisite.
type Shortfall struct {
	Name string `json:"name"`
	Have int    `json:"have"`
	Need int    `json:"need"`
}

// PrerequisiteError reports which prerequisite data is absent.
// When AnyOf is set, satisfying a single shortfall is enough.
type PrerequisiteError struct {
	CompanyID  string                   `json:"company_id"`
	Department contracts.DepartmentType `json:"department"`
	Missing    []Shortfall              `json:"missing"`
	AnyOf      bool                     `json:"any_of"`
}

func (e *PrerequisiteError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		parts[i] = fmt.Sprintf("%s (have %d, need %d)", m.Name, m.Have, m.Need)
	}
	sep := " and "
	if e.AnyOf {
		sep = " or "
	}
	return fmt.Sprintf("department %s prerequisites missing: %s", e.Department, strings.Join(parts, sep))
}

func (e *PrerequisiteError) Unwrap() error { return ErrPrerequisite }
