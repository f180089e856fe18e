package rbac

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role represents a grantable role. Roles are reference data managed by administrators.
type Role struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// ScopeType names the organizational boundary a role assignment applies to.
type ScopeType string

const (
	ScopeCompany  ScopeType = "COMPANY"
	ScopeDivision ScopeType = "DIVISION"
	ScopeTeam     ScopeType = "TEAM"
	ScopeProject  ScopeType = "PROJECT"
)

// Specificity ranks scope types so that PROJECT > TEAM > DIVISION > COMPANY.
func (t ScopeType) Specificity() int {
	switch t {
	case ScopeProject:
		return 3
	case ScopeTeam:
		return 2
	case ScopeDivision:
		return 1
	default:
		return 0
	}
}

// Valid reports whether t is one of the known scope types.
func (t ScopeType) Valid() bool {
	switch t {
	case ScopeCompany, ScopeDivision, ScopeTeam, ScopeProject:
		return true
	}
	return false
}

// ParseScopeType normalises raw input into a ScopeType.
func ParseScopeType(raw string) (ScopeType, error) {
	t := ScopeType(strings.ToUpper(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown scope type %q", ErrInvalidScope, raw)
	}
	return t, nil
}

// Scope identifies a single scope instance. ID is nil for COMPANY.
type Scope struct {
	Type ScopeType `json:"scopeType"`
	ID   *int64    `json:"scopeId,omitempty"`
}

// CompanyScope returns the company-wide scope.
func CompanyScope() Scope {
	return Scope{Type: ScopeCompany}
}

// NewScope builds a scope instance for a non-company scope type.
func NewScope(t ScopeType, id int64) Scope {
	return Scope{Type: t, ID: &id}
}

// Validate enforces that COMPANY carries no id and every other type does.
func (s Scope) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("%w: unknown scope type %q", ErrInvalidScope, s.Type)
	}
	if s.Type == ScopeCompany {
		if s.ID != nil {
			return fmt.Errorf("%w: company scope must not carry an id", ErrInvalidScope)
		}
		return nil
	}
	if s.ID == nil {
		return fmt.Errorf("%w: %s scope requires an id", ErrInvalidScope, strings.ToLower(string(s.Type)))
	}
	return nil
}

// IDValue returns the scope id or zero for COMPANY.
func (s Scope) IDValue() int64 {
	if s.ID == nil {
		return 0
	}
	return *s.ID
}

func (s Scope) String() string {
	if s.ID == nil {
		return string(s.Type)
	}
	return string(s.Type) + ":" + strconv.FormatInt(*s.ID, 10)
}

// Assignment states that a user holds a role within one scope instance.
// The tuple (UserID, RoleID, ScopeType, ScopeID) is unique.
type Assignment struct {
	ID         int64     `json:"id" db:"id"`
	UserID     int64     `json:"userId" db:"user_id"`
	RoleID     int64     `json:"roleId" db:"role_id"`
	RoleName   string    `json:"roleName" db:"role_name"`
	ScopeType  ScopeType `json:"scopeType" db:"scope_type"`
	ScopeID    *int64    `json:"scopeId,omitempty" db:"scope_id"`
	AssignedBy *int64    `json:"assignedBy,omitempty" db:"assigned_by"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// Scope returns the scope instance of the assignment.
func (a Assignment) Scope() Scope {
	return Scope{Type: a.ScopeType, ID: a.ScopeID}
}

// HighestRoles holds the winning role per scope instance.
type HighestRoles struct {
	Company  *string          `json:"COMPANY"`
	Division map[int64]string `json:"DIVISION"`
	Team     map[int64]string `json:"TEAM"`
	Project  map[int64]string `json:"PROJECT"`
}

func newHighestRoles() HighestRoles {
	return HighestRoles{
		Division: map[int64]string{},
		Team:     map[int64]string{},
		Project:  map[int64]string{},
	}
}

func (h HighestRoles) bucket(t ScopeType) map[int64]string {
	switch t {
	case ScopeDivision:
		return h.Division
	case ScopeTeam:
		return h.Team
	case ScopeProject:
		return h.Project
	}
	return nil
}

// RoleContext is the derived authorization snapshot of one user. It is never persisted.
type RoleContext struct {
	UserID       int64        `json:"userId"`
	Assignments  []Assignment `json:"roleContexts"`
	HighestRoles HighestRoles `json:"highestRoles"`
}

// EmptyContext returns the least-privileged context: no assignments, COMPANY null, empty buckets.
func EmptyContext(userID int64) RoleContext {
	return RoleContext{
		UserID:       userID,
		Assignments:  []Assignment{},
		HighestRoles: newHighestRoles(),
	}
}

// IsEmpty reports whether the context grants nothing.
func (c RoleContext) IsEmpty() bool {
	return len(c.Assignments) == 0
}

// HighestFor returns the winning role for a scope instance. For COMPANY the id is ignored.
func (c RoleContext) HighestFor(t ScopeType, id int64) (string, bool) {
	if t == ScopeCompany {
		if c.HighestRoles.Company == nil {
			return "", false
		}
		return *c.HighestRoles.Company, true
	}
	name, ok := c.HighestRoles.bucket(t)[id]
	return name, ok
}

// HasRole reports whether any assignment carries the named role, regardless of scope.
func (c RoleContext) HasRole(name string) bool {
	name = normalizeName(name)
	for _, a := range c.Assignments {
		if normalizeName(a.RoleName) == name {
			return true
		}
	}
	return false
}

// RolesIn returns the role names held at COMPANY scope plus those held at the given scope.
func (c RoleContext) RolesIn(scope Scope) []string {
	var names []string
	for _, a := range c.Assignments {
		if a.ScopeType == ScopeCompany {
			names = append(names, a.RoleName)
			continue
		}
		if scope.ID != nil && a.ScopeType == scope.Type && a.ScopeID != nil && *a.ScopeID == *scope.ID {
			names = append(names, a.RoleName)
		}
	}
	return names
}

// ScopeContext is the optional scope input of a grant request.
type ScopeContext struct {
	DivisionID *int64 `json:"divisionId,omitempty"`
	ProjectID  *int64 `json:"projectId,omitempty"`
	TeamID     *int64 `json:"teamId,omitempty"`
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
