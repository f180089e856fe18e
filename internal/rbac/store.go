package rbac

import (
	"context"

	"github.com/workline/workline/internal/shared"
)

// AssignmentReader loads the raw assignment rows of a user.
type AssignmentReader interface {
	ListUserAssignments(ctx context.Context, userID int64) ([]Assignment, error)
}

// TxStore exposes the mutations that run inside one transaction.
type TxStore interface {
	// LockScope serialises exclusive grants for one (role, scope) pair until commit.
	LockScope(ctx context.Context, roleID int64, scope Scope) error
	FindHolders(ctx context.Context, roleID int64, scope Scope) ([]int64, error)
	// CreateAssignment inserts the row and reports false when it already existed.
	CreateAssignment(ctx context.Context, a Assignment) (bool, error)
	DeleteAssignment(ctx context.Context, userID, roleID int64, scope Scope) (bool, error)
}

// Store is the assignment store as seen by the assignment service.
type Store interface {
	AssignmentReader
	GetRole(ctx context.Context, roleID int64) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
	// BulkCreate inserts rows, skipping duplicates, and returns the inserted rows.
	BulkCreate(ctx context.Context, rows []Assignment) ([]Assignment, error)
}

// ScopeDirectory resolves scope instances owned by other modules.
type ScopeDirectory interface {
	// LookupScope returns the display name of the scope or ErrScopeNotFound.
	LookupScope(ctx context.Context, scope Scope) (string, error)
}

// AuditRecorder persists assignment changes.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}
