// Package contracts defines the entities and closed enumerations shared by the
// autopilot governance engine.
//
// Every enum is a string type with an explicit Unknown variant. Parse functions
// never fail: values written by older versions of the system map to Unknown so
// they can still be ingested and audited.
package contracts

import (
	"strings"
	"time"
)

// DepartmentType is the fixed set of departments a company can run on autopilot.
type DepartmentType string

const (
	DepartmentMarketing  DepartmentType = "marketing"
	DepartmentSales      DepartmentType = "sales"
	DepartmentFinance    DepartmentType = "finance"
	DepartmentLegal      DepartmentType = "legal"
	DepartmentHR         DepartmentType = "hr"
	DepartmentOperations DepartmentType = "operations"
	DepartmentUnknown    DepartmentType = "unknown"
)

// AllDepartments lists the departments created at onboarding, in display order.
var AllDepartments = []DepartmentType{
	DepartmentMarketing,
	DepartmentSales,
	DepartmentFinance,
	DepartmentLegal,
	DepartmentHR,
	DepartmentOperations,
}

// ParseDepartmentType maps a stored value to a DepartmentType.
func ParseDepartmentType(s string) DepartmentType {
	switch d := DepartmentType(strings.ToLower(strings.TrimSpace(s))); d {
	case DepartmentMarketing, DepartmentSales, DepartmentFinance, DepartmentLegal, DepartmentHR, DepartmentOperations:
		return d
	default:
		return DepartmentUnknown
	}
}

// Valid reports whether d is one of the known departments.
func (d DepartmentType) Valid() bool {
	return d != DepartmentUnknown && ParseDepartmentType(string(d)) == d
}

// MaturityLevel is the externally computed company growth stage.
type MaturityLevel string

const (
	MaturityUnknown     MaturityLevel = "unknown"
	MaturityStarter     MaturityLevel = "starter"
	MaturityGrowing     MaturityLevel = "growing"
	MaturityEstablished MaturityLevel = "established"
	MaturityEnterprise  MaturityLevel = "enterprise"
)

var maturityRank = map[MaturityLevel]int{
	MaturityStarter:     1,
	MaturityGrowing:     2,
	MaturityEstablished: 3,
	MaturityEnterprise:  4,
}

// ParseMaturityLevel maps a stored value to a MaturityLevel.
func ParseMaturityLevel(s string) MaturityLevel {
	m := MaturityLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := maturityRank[m]; ok {
		return m
	}
	return MaturityUnknown
}

// Rank orders maturity levels. Unknown ranks below every real level.
func (m MaturityLevel) Rank() int {
	return maturityRank[m]
}

// AtLeast reports whether m meets or exceeds the required level.
func (m MaturityLevel) AtLeast(required MaturityLevel) bool {
	return m.Rank() >= required.Rank() && m.Rank() > 0
}

// Department is the per-company configuration of one department.
// Departments are created at onboarding and are never deleted, only disabled.
type Department struct {
	ID               string         `json:"id"`
	CompanyID        string         `json:"company_id"`
	Type             DepartmentType `json:"department_type"`
	Enabled          bool           `json:"enabled"`
	AutopilotEnabled bool           `json:"autopilot_enabled"`
	RequiredMaturity MaturityLevel  `json:"required_maturity"`
	DailyCreditCap   int64          `json:"daily_credit_cap"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// PairKey identifies a (company, department) pair, the unit of single-flight execution.
func PairKey(companyID string, dept DepartmentType) string {
	return companyID + ":" + string(dept)
}
