package rbac

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/workline/workline/internal/platform/httpx"
	"github.com/workline/workline/internal/shared"
)

// Permissions checked by the RBAC API.
const (
	PermRolesView             = "roles.view"
	PermRolesAssign           = "roles.assign"
	PermRolesImport           = "roles.import"
	PermDivisionMembersManage = "division.members.manage"
)

// Handler exposes role contexts and assignment operations over JSON.
type Handler struct {
	logger    *slog.Logger
	service   *AssignmentService
	contexts  ContextSource
	registry  Registry
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *AssignmentService, contexts ContextSource, registry Registry) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	validate.RegisterStructValidation(validateBulkTargets, bulkAssignPayload{})
	return &Handler{
		logger:    logger,
		service:   service,
		contexts:  contexts,
		registry:  registry,
		validator: validate,
	}
}

// MountRoutes registers RBAC routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	h.registry.Handle(r, http.MethodGet, "/me/context", Operation{
		Name:                "rbac.me.context",
		RequiresRoleContext: true,
	}, http.HandlerFunc(h.meContext))
	h.registry.Handle(r, http.MethodGet, "/roles", Operation{
		Name:               "rbac.roles.list",
		RequiredPermission: PermRolesView,
	}, http.HandlerFunc(h.listRoles))
	h.registry.Handle(r, http.MethodGet, "/users/{userID}/context", Operation{
		Name:               "rbac.users.context",
		RequiredPermission: PermRolesView,
	}, http.HandlerFunc(h.userContext))
	h.registry.Handle(r, http.MethodPost, "/assignments/bulk", Operation{
		Name:               "rbac.assignments.bulk",
		RequiredPermission: PermRolesAssign,
	}, http.HandlerFunc(h.bulkAssign))
	h.registry.Handle(r, http.MethodPost, "/assignments/import", Operation{
		Name:               "rbac.assignments.import",
		RequiredPermission: PermRolesImport,
	}, http.HandlerFunc(h.importAssignments))
	h.registry.Handle(r, http.MethodDelete, "/assignments", Operation{
		Name:               "rbac.assignments.revoke",
		RequiredPermission: PermRolesAssign,
	}, http.HandlerFunc(h.revoke))
	h.registry.Handle(r, http.MethodPost, "/divisions/{divisionID}/members", Operation{
		Name:               "rbac.divisions.members",
		RequiredPermission: PermDivisionMembersManage,
		Scope:              &ScopeParam{Type: ScopeDivision, URLParam: "divisionID"},
	}, http.HandlerFunc(h.divisionMembers))
}

type contextResponse struct {
	UserID       int64        `json:"userId"`
	Email        string       `json:"email,omitempty"`
	RoleContexts []Assignment `json:"roleContexts"`
	HighestRoles HighestRoles `json:"highestRoles"`
	Degraded     bool         `json:"degraded"`
}

func (h *Handler) meContext(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	rc := identity.RoleContext()
	httpx.JSON(w, http.StatusOK, contextResponse{
		UserID:       identity.ID,
		Email:        identity.Email,
		RoleContexts: rc.Assignments,
		HighestRoles: rc.HighestRoles,
		Degraded:     identity.Degraded,
	})
}

func (h *Handler) userContext(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid user id", httpx.ErrValidation))
		return
	}
	res := h.contexts.Get(r.Context(), userID)
	httpx.JSON(w, http.StatusOK, contextResponse{
		UserID:       userID,
		RoleContexts: res.Context.Assignments,
		HighestRoles: res.Context.HighestRoles,
		Degraded:     res.IsDegraded(),
	})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.Roles(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

type scopePayload struct {
	DivisionID *int64 `json:"divisionId" validate:"omitempty,gt=0"`
	ProjectID  *int64 `json:"projectId" validate:"omitempty,gt=0"`
	TeamID     *int64 `json:"teamId" validate:"omitempty,gt=0"`
}

func (p scopePayload) context() ScopeContext {
	return ScopeContext{DivisionID: p.DivisionID, ProjectID: p.ProjectID, TeamID: p.TeamID}
}

func (p scopePayload) empty() bool {
	return p.DivisionID == nil && p.ProjectID == nil && p.TeamID == nil
}

type targetPayload struct {
	UserID int64 `json:"userId" validate:"required,gt=0"`
	scopePayload
}

type bulkAssignPayload struct {
	RoleID  int64           `json:"roleId" validate:"required,gt=0"`
	UserIDs []int64         `json:"userIds" validate:"omitempty,max=1000,dive,gt=0"`
	Targets []targetPayload `json:"targets" validate:"omitempty,max=1000,dive"`
	scopePayload
}

// validateBulkTargets requires at least one of userIds or targets.
func validateBulkTargets(sl validator.StructLevel) {
	p := sl.Current().Interface().(bulkAssignPayload)
	if len(p.UserIDs) == 0 && len(p.Targets) == 0 {
		sl.ReportError(p.UserIDs, "userIds", "UserIDs", "required", "")
	}
}

func (h *Handler) bulkAssign(w http.ResponseWriter, r *http.Request) {
	var payload bulkAssignPayload
	if !h.decode(w, r, &payload) {
		return
	}
	req := BulkAssignRequest{
		RoleID:  payload.RoleID,
		UserIDs: payload.UserIDs,
		Scope:   payload.context(),
	}
	for _, target := range payload.Targets {
		next := AssignTarget{UserID: target.UserID}
		if !target.empty() {
			sc := target.context()
			next.Scope = &sc
		}
		req.Targets = append(req.Targets, next)
	}
	h.runBulk(w, r, req)
}

type divisionMembersPayload struct {
	RoleID  int64   `json:"roleId" validate:"required,gt=0"`
	UserIDs []int64 `json:"userIds" validate:"required,min=1,dive,gt=0"`
}

func (h *Handler) divisionMembers(w http.ResponseWriter, r *http.Request) {
	divisionID, err := strconv.ParseInt(chi.URLParam(r, "divisionID"), 10, 64)
	if err != nil || divisionID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid division id", httpx.ErrValidation))
		return
	}
	var payload divisionMembersPayload
	if !h.decode(w, r, &payload) {
		return
	}
	h.runBulk(w, r, BulkAssignRequest{
		RoleID:  payload.RoleID,
		UserIDs: payload.UserIDs,
		Scope:   ScopeContext{DivisionID: &divisionID},
	})
}

func (h *Handler) runBulk(w http.ResponseWriter, r *http.Request, req BulkAssignRequest) {
	if caller, ok := shared.CallerFromContext(r.Context()); ok {
		req.AssignedBy = caller.ID
	}
	batch, err := h.service.BulkAssign(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, batch)
}

type importRow struct {
	UserID    int64  `json:"userId" validate:"required,gt=0"`
	RoleID    int64  `json:"roleId" validate:"required,gt=0"`
	ScopeType string `json:"scopeType" validate:"required"`
	ScopeID   *int64 `json:"scopeId" validate:"omitempty,gt=0"`
}

type importPayload struct {
	Assignments []importRow `json:"assignments" validate:"required,min=1,max=5000,dive"`
}

func (h *Handler) importAssignments(w http.ResponseWriter, r *http.Request) {
	var payload importPayload
	if !h.decode(w, r, &payload) {
		return
	}
	var assignedBy *int64
	if caller, ok := shared.CallerFromContext(r.Context()); ok {
		assignedBy = &caller.ID
	}
	rows := make([]Assignment, 0, len(payload.Assignments))
	for i, row := range payload.Assignments {
		scopeType, err := ParseScopeType(row.ScopeType)
		if err != nil {
			h.respondError(w, fmt.Errorf("row %d: %w", i, err))
			return
		}
		rows = append(rows, Assignment{
			UserID:     row.UserID,
			RoleID:     row.RoleID,
			ScopeType:  scopeType,
			ScopeID:    row.ScopeID,
			AssignedBy: assignedBy,
		})
	}
	inserted, err := h.service.BulkImport(r.Context(), rows)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{
		"received": len(rows),
		"inserted": inserted,
	})
}

type revokePayload struct {
	UserID     int64  `json:"userId" validate:"required,gt=0"`
	RoleID     int64  `json:"roleId" validate:"required,gt=0"`
	DivisionID *int64 `json:"divisionId" validate:"omitempty,gt=0"`
	ProjectID  *int64 `json:"projectId" validate:"omitempty,gt=0"`
	TeamID     *int64 `json:"teamId" validate:"omitempty,gt=0"`
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	var payload revokePayload
	if !h.decode(w, r, &payload) {
		return
	}
	req := RevokeRequest{
		UserID: payload.UserID,
		RoleID: payload.RoleID,
		Scope:  ScopeContext{DivisionID: payload.DivisionID, ProjectID: payload.ProjectID, TeamID: payload.TeamID},
	}
	if caller, ok := shared.CallerFromContext(r.Context()); ok {
		req.RevokedBy = caller.ID
	}
	if err := h.service.Revoke(r.Context(), req); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(w, r, dst); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
			return false
		}
		fields := make([]httpx.FieldError, 0, len(verrs))
		for _, fieldErr := range verrs {
			fields = append(fields, httpx.FieldError{Field: fieldErr.Field(), Rule: fieldErr.Tag()})
		}
		httpx.ValidationProblem(w, fields)
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	mapped := asHTTPError(err)
	if !httpx.IsClientError(mapped) {
		h.logger.Error("rbac handler", slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}
