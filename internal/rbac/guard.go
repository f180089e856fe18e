package rbac

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/workline/workline/internal/platform/httpx"
)

// Guard enforces the permission and role requirements of an operation
// against the role context attached by the pipeline.
type Guard struct {
	Policy *Policy
	Logger *slog.Logger
}

// Require denies the request unless a role held at company scope, or at the
// operation's scope, grants the permission or is one of the required roles.
func (g Guard) Require(op Operation) func(http.Handler) http.Handler {
	permission := normalizeName(op.RequiredPermission)
	roles := normalizePermissions(op.RequiredRoles)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if op.Public || (permission == "" && len(roles) == 0) {
				next.ServeHTTP(w, r)
				return
			}
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
				return
			}
			scope, err := scopeFromRequest(r, op.Scope)
			if err != nil {
				httpx.RespondError(w, asHTTPError(err))
				return
			}
			held := normalizePermissions(identity.RoleContext().RolesIn(scope))
			if len(roles) > 0 && hasAnyPermission(held, roles) {
				next.ServeHTTP(w, r)
				return
			}
			if permission != "" && g.grants(held, permission) {
				next.ServeHTTP(w, r)
				return
			}
			if g.Logger != nil {
				g.Logger.Info("rbac guard denied",
					slog.String("operation", op.Name),
					slog.Int64("user_id", identity.ID),
					slog.String("scope", scope.String()),
					slog.Bool("degraded", identity.Degraded),
				)
			}
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "insufficient role for this operation")
		})
	}
}

func (g Guard) grants(held []string, permission string) bool {
	for _, role := range held {
		if g.Policy.Grants(role, permission) {
			return true
		}
	}
	return false
}

func scopeFromRequest(r *http.Request, param *ScopeParam) (Scope, error) {
	if param == nil || param.Type == ScopeCompany {
		return CompanyScope(), nil
	}
	raw := strings.TrimSpace(chi.URLParam(r, param.URLParam))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return Scope{}, ErrInvalidScope
	}
	return NewScope(param.Type, id), nil
}

// normalizePermissions lowercases, trims and de-duplicates names, keeping first-seen order.
func normalizePermissions(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = normalizeName(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}

func hasAnyPermission(granted []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[strings.ToLower(p)] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}
