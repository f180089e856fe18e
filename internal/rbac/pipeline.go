package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/workline/workline/internal/platform/httpx"
	"github.com/workline/workline/internal/shared"
)

// Authenticator verifies request credentials. Token issuance lives elsewhere.
type Authenticator interface {
	Authenticate(r *http.Request) (shared.Caller, error)
}

// ScopeParam binds an operation to the scope instance named by a URL parameter.
type ScopeParam struct {
	Type     ScopeType
	URLParam string
}

// Operation is the authorization metadata of one route, fixed at registration.
type Operation struct {
	Name                string
	Public              bool
	RequiredPermission  string
	RequiredRoles       []string
	RequiresRoleContext bool
	Scope               *ScopeParam
}

// NeedsRoleContext reports whether handling the operation requires the caller's role context.
func (op Operation) NeedsRoleContext() bool {
	if op.Public {
		return false
	}
	return op.RequiresRoleContext || op.RequiredPermission != "" || len(op.RequiredRoles) > 0
}

// Identity is the authenticated caller, optionally enriched with a role context.
type Identity struct {
	ID            int64        `json:"id"`
	Email         string       `json:"email"`
	RoleContexts  []Assignment `json:"roleContexts,omitempty"`
	HighestRoles  HighestRoles `json:"highestRoles"`
	ContextLoaded bool         `json:"-"`
	Degraded      bool         `json:"-"`
}

// RoleContext rebuilds the attached context. It is empty when none was loaded.
func (i *Identity) RoleContext() RoleContext {
	if i == nil || !i.ContextLoaded {
		return EmptyContext(i.userID())
	}
	return RoleContext{UserID: i.ID, Assignments: i.RoleContexts, HighestRoles: i.HighestRoles}
}

func (i *Identity) userID() int64 {
	if i == nil {
		return 0
	}
	return i.ID
}

type identityContextKey struct{}

// ContextWithIdentity stores the identity in context.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the identity placed by the pipeline.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*Identity)
	return id, ok && id != nil
}

// Decision is the pipeline outcome for one request.
type Decision struct {
	Proceed  bool
	Identity *Identity
}

// Pipeline authenticates requests and attaches role contexts only to operations that need them.
type Pipeline struct {
	auth   Authenticator
	source ContextSource
	logger *slog.Logger
}

// NewPipeline constructs a Pipeline.
func NewPipeline(auth Authenticator, source ContextSource, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{auth: auth, source: source, logger: logger}
}

// Evaluate runs the credential stage and, when the operation needs it, loads the
// role context. A degraded fetch still proceeds with the empty context; only a
// credential failure rejects.
func (p *Pipeline) Evaluate(r *http.Request, op Operation) (Decision, error) {
	if op.Public {
		return Decision{Proceed: true}, nil
	}
	if p.auth == nil {
		return Decision{}, fmt.Errorf("%w: no authenticator configured", ErrUnauthenticated)
	}
	caller, err := p.auth.Authenticate(r)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	identity := &Identity{ID: caller.ID, Email: caller.Email}
	if !op.NeedsRoleContext() {
		return Decision{Proceed: true, Identity: identity}, nil
	}

	res := p.source.Get(r.Context(), caller.ID)
	identity.RoleContexts = res.Context.Assignments
	identity.HighestRoles = res.Context.HighestRoles
	identity.ContextLoaded = true
	identity.Degraded = res.IsDegraded()
	if identity.Degraded {
		p.logger.Warn("rbac pipeline proceeding with empty role context",
			slog.String("operation", op.Name),
			slog.Int64("user_id", caller.ID),
			slog.Any("error", res.Cause),
		)
	}
	return Decision{Proceed: true, Identity: identity}, nil
}

// Middleware adapts Evaluate to net/http. Rejections render 401 problem details.
func (p *Pipeline) Middleware(op Operation) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := p.Evaluate(r, op)
			if err != nil || !decision.Proceed {
				if err != nil && !errors.Is(err, ErrUnauthenticated) {
					p.logger.Error("rbac pipeline", slog.String("operation", op.Name), slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "valid credentials required")
				return
			}
			ctx := r.Context()
			if decision.Identity != nil {
				ctx = shared.ContextWithCaller(ctx, shared.Caller{ID: decision.Identity.ID, Email: decision.Identity.Email})
				ctx = ContextWithIdentity(ctx, decision.Identity)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Registry binds operations to routes once, at registration time.
type Registry struct {
	Pipeline *Pipeline
	Guard    Guard
}

// Handle mounts handler behind the pipeline and guard for op.
func (reg Registry) Handle(r chi.Router, method, pattern string, op Operation, handler http.Handler) {
	if op.Name == "" {
		op.Name = method + " " + pattern
	}
	op.RequiredPermission = normalizeName(op.RequiredPermission)
	op.RequiredRoles = normalizePermissions(op.RequiredRoles)
	r.With(reg.Pipeline.Middleware(op), reg.Guard.Require(op)).Method(method, pattern, handler)
}
