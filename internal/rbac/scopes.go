package rbac

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/workline/workline/internal/platform/db"
)

var scopeTables = map[ScopeType]string{
	ScopeDivision: "divisions",
	ScopeTeam:     "teams",
	ScopeProject:  "projects",
}

// ScopeRepository reads organisational units owned by the org module.
type ScopeRepository struct {
	pool *pgxpool.Pool
}

// NewScopeRepository constructs a ScopeRepository.
func NewScopeRepository(pool *pgxpool.Pool) *ScopeRepository {
	return &ScopeRepository{pool: pool}
}

// LookupScope returns the display name of the scope instance.
func (s *ScopeRepository) LookupScope(ctx context.Context, scope Scope) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	if scope.Type == ScopeCompany {
		return "Company", nil
	}
	table := scopeTables[scope.Type]
	var name string
	err := db.Get(ctx, s.pool, &name, `SELECT name FROM `+table+` WHERE id = $1`, *scope.ID)
	if err != nil {
		if pgxscan.NotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
		}
		return "", fmt.Errorf("rbac: lookup %s: %w", scope, err)
	}
	return name, nil
}

var _ ScopeDirectory = (*ScopeRepository)(nil)
