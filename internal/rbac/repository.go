package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/workline/workline/internal/platform/db"
)

const uniqueViolation = "23505"

const assignmentColumns = `ra.id, ra.user_id, ra.role_id, r.name AS role_name, ra.scope_type, ra.scope_id, ra.assigned_by, ra.created_at`

// Repository is the Postgres assignment store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListUserAssignments returns every assignment row of the user joined with its role name.
func (r *Repository) ListUserAssignments(ctx context.Context, userID int64) ([]Assignment, error) {
	var rows []Assignment
	err := db.Select(ctx, r.pool, &rows, `SELECT `+assignmentColumns+`
FROM role_assignments ra
JOIN roles r ON r.id = ra.role_id
WHERE ra.user_id = $1
ORDER BY ra.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: list assignments: %w", err)
	}
	return rows, nil
}

// GetRole fetches a role by ID.
func (r *Repository) GetRole(ctx context.Context, roleID int64) (Role, error) {
	var role Role
	err := db.Get(ctx, r.pool, &role, `SELECT id, name, description, created_at, updated_at FROM roles WHERE id = $1`, roleID)
	if err != nil {
		if pgxscan.NotFound(err) || errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// ListRoles returns all roles ordered by name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	var roles []Role
	if err := db.Select(ctx, r.pool, &roles, `SELECT id, name, description, created_at, updated_at FROM roles ORDER BY name`); err != nil {
		return nil, err
	}
	return roles, nil
}

// WithTx runs fn inside a ReadCommitted transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, txRepository{tx: tx})
	})
}

// BulkCreate inserts rows in one batch, skipping tuples that already exist.
func (r *Repository) BulkCreate(ctx context.Context, rows []Assignment) ([]Assignment, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(insertAssignmentSQL, row.UserID, row.RoleID, string(row.ScopeType), row.ScopeID, row.AssignedBy)
	}

	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()
	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := make([]Assignment, 0, len(rows))
	for _, row := range rows {
		err := results.QueryRow().Scan(&row.ID, &row.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return inserted, mapError(err)
		}
		inserted = append(inserted, row)
	}
	return inserted, nil
}

// OrphanedAssignment is a row whose scope entity no longer exists.
type OrphanedAssignment struct {
	ID        int64     `db:"id"`
	UserID    int64     `db:"user_id"`
	RoleID    int64     `db:"role_id"`
	ScopeType ScopeType `db:"scope_type"`
	ScopeID   *int64    `db:"scope_id"`
}

// Scope returns the vanished scope instance.
func (o OrphanedAssignment) Scope() Scope {
	return Scope{Type: o.ScopeType, ID: o.ScopeID}
}

// DeleteOrphaned removes scoped assignments whose division, team or project is gone.
func (r *Repository) DeleteOrphaned(ctx context.Context) ([]OrphanedAssignment, error) {
	var removed []OrphanedAssignment
	err := db.Select(ctx, r.pool, &removed, `DELETE FROM role_assignments ra
WHERE (ra.scope_type = 'DIVISION' AND NOT EXISTS (SELECT 1 FROM divisions d WHERE d.id = ra.scope_id))
   OR (ra.scope_type = 'TEAM' AND NOT EXISTS (SELECT 1 FROM teams t WHERE t.id = ra.scope_id))
   OR (ra.scope_type = 'PROJECT' AND NOT EXISTS (SELECT 1 FROM projects p WHERE p.id = ra.scope_id))
RETURNING ra.id, ra.user_id, ra.role_id, ra.scope_type, ra.scope_id`)
	if err != nil {
		return nil, fmt.Errorf("rbac: delete orphaned: %w", err)
	}
	return removed, nil
}

const insertAssignmentSQL = `INSERT INTO role_assignments (user_id, role_id, scope_type, scope_id, assigned_by)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, role_id, scope_type, COALESCE(scope_id, 0)) DO NOTHING
RETURNING id, created_at`

type txRepository struct {
	tx pgx.Tx
}

// LockScope takes a transaction-scoped advisory lock on the (role, scope) pair.
func (t txRepository) LockScope(ctx context.Context, roleID int64, scope Scope) error {
	key := fmt.Sprintf("rbac:%d:%s", roleID, scope)
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("rbac: lock scope %s: %w", scope, err)
	}
	return nil
}

func (t txRepository) FindHolders(ctx context.Context, roleID int64, scope Scope) ([]int64, error) {
	var holders []int64
	err := pgxscan.Select(ctx, t.tx, &holders, `SELECT user_id FROM role_assignments
WHERE role_id = $1 AND scope_type = $2 AND scope_id IS NOT DISTINCT FROM $3
ORDER BY created_at, id`, roleID, string(scope.Type), scope.ID)
	if err != nil {
		return nil, fmt.Errorf("rbac: find holders: %w", err)
	}
	return holders, nil
}

func (t txRepository) CreateAssignment(ctx context.Context, a Assignment) (bool, error) {
	err := t.tx.QueryRow(ctx, insertAssignmentSQL, a.UserID, a.RoleID, string(a.ScopeType), a.ScopeID, a.AssignedBy).Scan(&a.ID, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return true, nil
}

func (t txRepository) DeleteAssignment(ctx context.Context, userID, roleID int64, scope Scope) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM role_assignments
WHERE user_id = $1 AND role_id = $2 AND scope_type = $3 AND scope_id IS NOT DISTINCT FROM $4`,
		userID, roleID, string(scope.Type), scope.ID)
	if err != nil {
		return false, fmt.Errorf("rbac: delete assignment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// mapError translates unique violations into a descriptive error.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("rbac: assignment already exists: %s", strings.TrimSpace(pgErr.ConstraintName))
	}
	return err
}

var (
	_ Store   = (*Repository)(nil)
	_ TxStore = txRepository{}
)
