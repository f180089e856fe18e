package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/workline/workline/internal/platform/httpx"
	"github.com/workline/workline/internal/shared"
)

// DefaultBatchConcurrency bounds the number of targets processed at once.
const DefaultBatchConcurrency = 8

// BulkAssignRequest grants one role to many users within an optional scope.
// UserIDs share Scope; Targets may carry their own scope context. Results
// list UserIDs first, then Targets, each in request order.
type BulkAssignRequest struct {
	RoleID     int64          `json:"roleId" validate:"required,gt=0"`
	UserIDs    []int64        `json:"userIds" validate:"omitempty,dive,gt=0"`
	Targets    []AssignTarget `json:"targets" validate:"omitempty,dive"`
	Scope      ScopeContext   `json:"scope"`
	AssignedBy int64          `json:"-"`
}

// AssignTarget is one grant target. A nil Scope falls back to the request scope.
type AssignTarget struct {
	UserID int64         `json:"userId" validate:"required,gt=0"`
	Scope  *ScopeContext `json:"scope,omitempty"`
}

func (r BulkAssignRequest) targets() []AssignTarget {
	out := make([]AssignTarget, 0, len(r.UserIDs)+len(r.Targets))
	for _, userID := range r.UserIDs {
		out = append(out, AssignTarget{UserID: userID})
	}
	return append(out, r.Targets...)
}

// RevokeRequest removes one assignment. The scope is resolved from the role requirement.
type RevokeRequest struct {
	UserID    int64        `json:"userId" validate:"required,gt=0"`
	RoleID    int64        `json:"roleId" validate:"required,gt=0"`
	Scope     ScopeContext `json:"scope"`
	RevokedBy int64        `json:"-"`
}

// AssignmentResult reports the outcome for one target user.
type AssignmentResult struct {
	UserID       int64     `json:"userId"`
	Success      bool      `json:"success"`
	Message      string    `json:"message"`
	RoleName     string    `json:"roleName,omitempty"`
	ScopeType    ScopeType `json:"scopeType,omitempty"`
	ScopeID      *int64    `json:"scopeId,omitempty"`
	ScopeName    string    `json:"scopeName,omitempty"`
	ReplacedUser *int64    `json:"replacedUser,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// BatchSummary aggregates a batch.
type BatchSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// BatchResult holds one result per requested target, in request order.
type BatchResult struct {
	BatchID uuid.UUID          `json:"batchId"`
	Results []AssignmentResult `json:"results"`
	Summary BatchSummary       `json:"summary"`
}

// AssignmentDeps wires the assignment service.
type AssignmentDeps struct {
	Store       Store
	Scopes      ScopeDirectory
	Cache       ContextSource
	Policy      *Policy
	Audit       AuditRecorder
	Logger      *slog.Logger
	Concurrency int
}

// AssignmentService is the only writer of role assignments.
type AssignmentService struct {
	store       Store
	scopes      ScopeDirectory
	cache       ContextSource
	policy      *Policy
	audit       AuditRecorder
	logger      *slog.Logger
	concurrency int
}

// NewAssignmentService constructs an AssignmentService.
func NewAssignmentService(deps AssignmentDeps) *AssignmentService {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Concurrency <= 0 {
		deps.Concurrency = DefaultBatchConcurrency
	}
	return &AssignmentService{
		store:       deps.Store,
		scopes:      deps.Scopes,
		cache:       deps.Cache,
		policy:      deps.Policy,
		audit:       deps.Audit,
		logger:      deps.Logger,
		concurrency: deps.Concurrency,
	}
}

// BulkAssign grants the role to every target. Per-target failures are reported
// in the results and never abort the remaining targets.
func (s *AssignmentService) BulkAssign(ctx context.Context, req BulkAssignRequest) (BatchResult, error) {
	if req.RoleID <= 0 {
		return BatchResult{}, fmt.Errorf("%w: roleId is required", httpx.ErrValidation)
	}
	targets := req.targets()
	if len(targets) == 0 {
		return BatchResult{}, fmt.Errorf("%w: userIds must not be empty", httpx.ErrValidation)
	}

	batch := BatchResult{BatchID: uuid.New(), Results: make([]AssignmentResult, len(targets))}
	role, roleErr := s.store.GetRole(ctx, req.RoleID)

	if roleErr != nil {
		for i, target := range targets {
			batch.Results[i] = failed(target.UserID, "", roleFailure(req.RoleID, roleErr))
		}
	} else {
		display := displayRoleName(role.Name)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for i, target := range targets {
			sc := req.Scope
			if target.Scope != nil {
				sc = *target.Scope
			}
			g.Go(func() error {
				batch.Results[i] = s.assignOne(gctx, role, display, target.UserID, sc, req.AssignedBy)
				return nil
			})
		}
		_ = g.Wait()
	}

	batch.Summary.Total = len(batch.Results)
	for _, res := range batch.Results {
		if res.Success {
			batch.Summary.Successful++
		} else {
			batch.Summary.Failed++
		}
	}
	s.logger.Info("rbac bulk assign",
		slog.String("batch_id", batch.BatchID.String()),
		slog.Int64("role_id", req.RoleID),
		slog.Int("total", batch.Summary.Total),
		slog.Int("failed", batch.Summary.Failed),
	)
	return batch, nil
}

// Assign grants the role to a single user.
func (s *AssignmentService) Assign(ctx context.Context, roleID, userID int64, scope ScopeContext, assignedBy int64) (AssignmentResult, error) {
	batch, err := s.BulkAssign(ctx, BulkAssignRequest{RoleID: roleID, UserIDs: []int64{userID}, Scope: scope, AssignedBy: assignedBy})
	if err != nil {
		return AssignmentResult{}, err
	}
	return batch.Results[0], nil
}

// Revoke deletes one assignment and invalidates the user's cached context.
func (s *AssignmentService) Revoke(ctx context.Context, req RevokeRequest) error {
	if req.UserID <= 0 || req.RoleID <= 0 {
		return fmt.Errorf("%w: userId and roleId are required", httpx.ErrValidation)
	}
	role, err := s.store.GetRole(ctx, req.RoleID)
	if err != nil {
		return err
	}
	scope, err := s.policy.Requirement(role.Name).ResolveScope(req.Scope)
	if err != nil {
		return err
	}
	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		deleted, err := tx.DeleteAssignment(ctx, req.UserID, role.ID, scope)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("%w: user %d does not hold %s at %s", ErrNotFound, req.UserID, role.Name, scope)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, req.UserID)
	s.record(ctx, shared.AuditLog{
		ActorID:  req.RevokedBy,
		Action:   shared.AuditActionRoleRevoked,
		Entity:   shared.AuditEntityRoleAssignment,
		EntityID: AssignmentEntityID(req.UserID, role.ID, scope),
		Meta:     map[string]any{"user_id": req.UserID, "role": role.Name, "scope": scope.String()},
	})
	return nil
}

// RoleInfo is a stored role enriched with its policy.
type RoleInfo struct {
	Role
	DisplayName string             `json:"displayName"`
	Priority    int                `json:"priority"`
	Requires    ContextRequirement `json:"requires"`
	Exclusive   bool               `json:"exclusive"`
}

// Roles lists the grantable roles, highest priority first.
func (s *AssignmentService) Roles(ctx context.Context) ([]RoleInfo, error) {
	roles, err := s.store.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("rbac list roles: %w", err)
	}
	out := make([]RoleInfo, 0, len(roles))
	for _, role := range roles {
		out = append(out, RoleInfo{
			Role:        role,
			DisplayName: displayRoleName(role.Name),
			Priority:    s.policy.Priority(role.Name),
			Requires:    s.policy.Requirement(role.Name),
			Exclusive:   s.policy.Exclusive(role.Name),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// BulkImport inserts pre-resolved assignments, skipping duplicates, and
// invalidates every touched user. It returns the number of inserted rows.
//
// Every row is checked against its role before anything is written. Rows of
// exclusive roles are granted one by one in input order, superseding the
// current holder exactly like BulkAssign, so the last row for a scope wins.
func (s *AssignmentService) BulkImport(ctx context.Context, rows []Assignment) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	roles := make(map[int64]Role)
	var plain, exclusive []Assignment
	for i, row := range rows {
		if row.UserID <= 0 || row.RoleID <= 0 {
			return 0, fmt.Errorf("%w: row %d requires userId and roleId", httpx.ErrValidation, i)
		}
		if err := row.Scope().Validate(); err != nil {
			return 0, fmt.Errorf("row %d: %w", i, err)
		}
		role, ok := roles[row.RoleID]
		if !ok {
			var err error
			role, err = s.store.GetRole(ctx, row.RoleID)
			if errors.Is(err, ErrNotFound) {
				return 0, fmt.Errorf("%w: row %d: role %d not found", httpx.ErrValidation, i, row.RoleID)
			}
			if err != nil {
				return 0, fmt.Errorf("rbac bulk import: %w", err)
			}
			roles[row.RoleID] = role
		}
		if req := s.policy.Requirement(role.Name); !req.Admits(row.ScopeType) {
			return 0, fmt.Errorf("row %d: %w: role %s requires %s scope, got %s", i, ErrInvalidScope, role.Name, req, row.ScopeType)
		}
		row.RoleName = role.Name
		if s.policy.Exclusive(role.Name) {
			exclusive = append(exclusive, row)
		} else {
			plain = append(plain, row)
		}
	}

	inserted, err := s.store.BulkCreate(ctx, plain)
	if err != nil {
		return 0, fmt.Errorf("rbac bulk import: %w", err)
	}
	touched := make(map[int64]struct{}, len(rows))
	for _, row := range plain {
		if _, ok := touched[row.UserID]; ok {
			continue
		}
		touched[row.UserID] = struct{}{}
		s.invalidate(ctx, row.UserID)
	}
	for _, row := range inserted {
		s.recordGrant(ctx, actorOf(row.AssignedBy), row.UserID, roles[row.RoleID], row.Scope(), "import")
	}

	count := len(inserted)
	for _, row := range exclusive {
		created, _, err := s.grant(ctx, roles[row.RoleID], row.UserID, row.Scope(), actorOf(row.AssignedBy), "import")
		if err != nil {
			return count, fmt.Errorf("rbac bulk import: grant %s to user %d at %s: %w", row.RoleName, row.UserID, row.Scope(), err)
		}
		if created {
			count++
		}
	}
	s.logger.Info("rbac bulk import",
		slog.Int("received", len(rows)),
		slog.Int("exclusive", len(exclusive)),
		slog.Int("inserted", count),
	)
	return count, nil
}

func (s *AssignmentService) assignOne(ctx context.Context, role Role, display string, userID int64, sc ScopeContext, assignedBy int64) AssignmentResult {
	if userID <= 0 {
		return failed(userID, display, fmt.Errorf("%w: invalid user id %d", httpx.ErrValidation, userID))
	}
	scope, err := s.policy.Requirement(role.Name).ResolveScope(sc)
	if err != nil {
		return failed(userID, display, err)
	}
	scopeName := "Company"
	if scope.Type != ScopeCompany {
		if s.scopes == nil {
			return failed(userID, display, fmt.Errorf("%w: %s", ErrScopeNotFound, scope))
		}
		scopeName, err = s.scopes.LookupScope(ctx, scope)
		if err != nil {
			return failed(userID, display, err)
		}
	}

	created, replaced, err := s.grant(ctx, role, userID, scope, assignedBy, "assign")
	if err != nil {
		return failed(userID, display, err)
	}

	res := AssignmentResult{
		UserID:    userID,
		Success:   true,
		RoleName:  display,
		ScopeType: scope.Type,
		ScopeID:   scope.ID,
		ScopeName: scopeName,
	}
	switch {
	case !created:
		res.Message = fmt.Sprintf("%s already assigned in %s", display, scopeName)
	case len(replaced) > 0:
		first := replaced[0]
		res.ReplacedUser = &first
		res.Message = fmt.Sprintf("%s assigned in %s, replacing user %d", display, scopeName, first)
	default:
		res.Message = fmt.Sprintf("%s assigned in %s", display, scopeName)
	}
	return res
}

// grant writes one assignment, superseding other holders of an exclusive role
// under the scope lock. Caches are invalidated after commit and the change is audited.
func (s *AssignmentService) grant(ctx context.Context, role Role, userID int64, scope Scope, assignedBy int64, source string) (created bool, replaced []int64, err error) {
	exclusive := s.policy.Exclusive(role.Name)
	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		replaced = replaced[:0]
		if exclusive {
			if err := tx.LockScope(ctx, role.ID, scope); err != nil {
				return err
			}
			holders, err := tx.FindHolders(ctx, role.ID, scope)
			if err != nil {
				return err
			}
			for _, holder := range holders {
				if holder == userID {
					continue
				}
				if _, err := tx.DeleteAssignment(ctx, holder, role.ID, scope); err != nil {
					return err
				}
				replaced = append(replaced, holder)
			}
		}
		var by *int64
		if assignedBy > 0 {
			by = &assignedBy
		}
		var err error
		created, err = tx.CreateAssignment(ctx, Assignment{
			UserID:     userID,
			RoleID:     role.ID,
			RoleName:   role.Name,
			ScopeType:  scope.Type,
			ScopeID:    scope.ID,
			AssignedBy: by,
		})
		return err
	})
	if err != nil {
		s.logger.Warn("rbac assign failed",
			slog.Int64("user_id", userID),
			slog.String("role", role.Name),
			slog.String("scope", scope.String()),
			slog.Any("error", err),
		)
		return false, nil, err
	}

	s.invalidate(ctx, userID)
	for _, holder := range replaced {
		s.invalidate(ctx, holder)
	}
	if created {
		s.recordGrant(ctx, assignedBy, userID, role, scope, source)
	}
	for _, holder := range replaced {
		s.record(ctx, shared.AuditLog{
			ActorID:  assignedBy,
			Action:   shared.AuditActionRoleSuperseded,
			Entity:   shared.AuditEntityRoleAssignment,
			EntityID: AssignmentEntityID(holder, role.ID, scope),
			Meta:     map[string]any{"user_id": holder, "replaced_by": userID, "role": role.Name, "scope": scope.String()},
		})
	}
	return created, replaced, nil
}

func (s *AssignmentService) recordGrant(ctx context.Context, actorID, userID int64, role Role, scope Scope, source string) {
	s.record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   shared.AuditActionRoleGranted,
		Entity:   shared.AuditEntityRoleAssignment,
		EntityID: AssignmentEntityID(userID, role.ID, scope),
		Meta:     map[string]any{"user_id": userID, "role": role.Name, "scope": scope.String(), "source": source},
	})
}

func actorOf(by *int64) int64 {
	if by == nil {
		return 0
	}
	return *by
}

// invalidate runs after commit and before the result is reported.
func (s *AssignmentService) invalidate(ctx context.Context, userID int64) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(context.WithoutCancel(ctx), userID)
}

func (s *AssignmentService) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(context.WithoutCancel(ctx), log); err != nil {
		s.logger.Warn("rbac audit record failed", slog.String("action", log.Action), slog.Any("error", err))
	}
}

func failed(userID int64, roleName string, err error) AssignmentResult {
	return AssignmentResult{
		UserID:   userID,
		Success:  false,
		Message:  "role assignment failed",
		RoleName: roleName,
		Error:    err.Error(),
	}
}

func roleFailure(roleID int64, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("role %d not found", roleID)
	}
	return fmt.Errorf("load role %d: %w", roleID, err)
}

// AssignmentEntityID is the audit entity id of one assignment tuple.
func AssignmentEntityID(userID, roleID int64, scope Scope) string {
	return strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(roleID, 10) + ":" + scope.String()
}

// displayRoleName turns "division_head" into "Division Head".
func displayRoleName(name string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(name, "_", " "))
}
