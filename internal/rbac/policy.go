package rbac

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var defaultPolicyYAML []byte

// ContextRequirement names the scope id a role grant must supply.
type ContextRequirement string

const (
	RequireNone              ContextRequirement = "NONE"
	RequireDivision          ContextRequirement = "DIVISION"
	RequireProject           ContextRequirement = "PROJECT"
	RequireTeam              ContextRequirement = "TEAM"
	RequireDivisionOrProject ContextRequirement = "DIVISION_OR_PROJECT"
)

func (r ContextRequirement) valid() bool {
	switch r {
	case RequireNone, RequireDivision, RequireProject, RequireTeam, RequireDivisionOrProject:
		return true
	}
	return false
}

// ResolveScope picks the scope instance a grant applies to. When both ids satisfy
// DIVISION_OR_PROJECT the project wins as the narrower scope.
func (r ContextRequirement) ResolveScope(sc ScopeContext) (Scope, error) {
	switch r {
	case RequireDivision:
		if sc.DivisionID == nil {
			return Scope{}, fmt.Errorf("%w: divisionId is required", ErrScopeRequired)
		}
		return NewScope(ScopeDivision, *sc.DivisionID), nil
	case RequireTeam:
		if sc.TeamID == nil {
			return Scope{}, fmt.Errorf("%w: teamId is required", ErrScopeRequired)
		}
		return NewScope(ScopeTeam, *sc.TeamID), nil
	case RequireProject:
		if sc.ProjectID == nil {
			return Scope{}, fmt.Errorf("%w: projectId is required", ErrScopeRequired)
		}
		return NewScope(ScopeProject, *sc.ProjectID), nil
	case RequireDivisionOrProject:
		if sc.ProjectID != nil {
			return NewScope(ScopeProject, *sc.ProjectID), nil
		}
		if sc.DivisionID != nil {
			return NewScope(ScopeDivision, *sc.DivisionID), nil
		}
		return Scope{}, fmt.Errorf("%w: divisionId or projectId is required", ErrScopeRequired)
	default:
		return CompanyScope(), nil
	}
}

// Admits reports whether an already resolved scope type satisfies the requirement.
func (r ContextRequirement) Admits(t ScopeType) bool {
	switch r {
	case RequireDivision:
		return t == ScopeDivision
	case RequireTeam:
		return t == ScopeTeam
	case RequireProject:
		return t == ScopeProject
	case RequireDivisionOrProject:
		return t == ScopeDivision || t == ScopeProject
	default:
		return t == ScopeCompany
	}
}

// RolePolicy is the static configuration of one role.
type RolePolicy struct {
	Name        string             `yaml:"name"`
	Priority    int                `yaml:"priority"`
	Requires    ContextRequirement `yaml:"requires"`
	Exclusive   bool               `yaml:"exclusive"`
	Permissions []string           `yaml:"permissions"`
}

type policyFile struct {
	Roles []RolePolicy `yaml:"roles"`
}

// Policy is the role priority ranking plus scope requirements, loaded once at start.
type Policy struct {
	roles map[string]RolePolicy
}

// NewPolicy validates and indexes role policies.
func NewPolicy(roles []RolePolicy) (*Policy, error) {
	indexed := make(map[string]RolePolicy, len(roles))
	for _, role := range roles {
		role.Name = normalizeName(role.Name)
		if role.Name == "" {
			return nil, errors.New("rbac policy: role name required")
		}
		if _, dup := indexed[role.Name]; dup {
			return nil, fmt.Errorf("rbac policy: duplicate role %q", role.Name)
		}
		if role.Requires == "" {
			role.Requires = RequireNone
		}
		role.Requires = ContextRequirement(strings.ToUpper(string(role.Requires)))
		if !role.Requires.valid() {
			return nil, fmt.Errorf("rbac policy: role %q has unknown requirement %q", role.Name, role.Requires)
		}
		if role.Exclusive && role.Requires == RequireNone {
			return nil, fmt.Errorf("rbac policy: role %q cannot be exclusive without a scope", role.Name)
		}
		role.Permissions = normalizePermissions(role.Permissions)
		indexed[role.Name] = role
	}
	return &Policy{roles: indexed}, nil
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("rbac policy: decode: %w", err)
	}
	return NewPolicy(file.Roles)
}

// LoadPolicy reads the policy file at path, or the embedded default when path is empty.
func LoadPolicy(path string) (*Policy, error) {
	if strings.TrimSpace(path) == "" {
		return ParsePolicy(defaultPolicyYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rbac policy: read %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// DefaultPolicy returns the embedded policy.
func DefaultPolicy() *Policy {
	p, err := ParsePolicy(defaultPolicyYAML)
	if err != nil {
		panic(err)
	}
	return p
}

// Priority returns the ranking of a role. Unknown roles rank 0.
func (p *Policy) Priority(name string) int {
	return p.lookup(name).Priority
}

// Requirement returns the scope requirement of a role. Unknown roles require NONE.
func (p *Policy) Requirement(name string) ContextRequirement {
	req := p.lookup(name).Requires
	if req == "" {
		return RequireNone
	}
	return req
}

// Exclusive reports whether a role allows at most one holder per scope instance.
func (p *Policy) Exclusive(name string) bool {
	return p.lookup(name).Exclusive
}

// Grants reports whether the role carries the permission. "*" grants everything.
func (p *Policy) Grants(name, permission string) bool {
	permission = normalizeName(permission)
	for _, granted := range p.lookup(name).Permissions {
		if granted == "*" || granted == permission {
			return true
		}
	}
	return false
}

// Roles returns the configured roles ordered by priority, highest first.
func (p *Policy) Roles() []RolePolicy {
	if p == nil {
		return nil
	}
	out := make([]RolePolicy, 0, len(p.roles))
	for _, role := range p.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (p *Policy) lookup(name string) RolePolicy {
	if p == nil {
		return RolePolicy{}
	}
	return p.roles[normalizeName(name)]
}
