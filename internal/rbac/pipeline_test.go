package rbac

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workline/workline/internal/shared"
)

// headerAuth treats the X-User header as an already verified user id.
type headerAuth struct {
	calls int
}

func (a *headerAuth) Authenticate(r *http.Request) (shared.Caller, error) {
	a.calls++
	switch r.Header.Get("X-User") {
	case "":
		return shared.Caller{}, shared.ErrMissingCredentials
	case "1":
		return shared.Caller{ID: 1, Email: "one@example.com"}, nil
	case "2":
		return shared.Caller{ID: 2, Email: "two@example.com"}, nil
	case "3":
		return shared.Caller{ID: 3, Email: "three@example.com"}, nil
	}
	return shared.Caller{}, shared.ErrInvalidCredentials
}

func authedRequest(user string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if user != "" {
		req.Header.Set("X-User", user)
	}
	return req
}

func TestOperationNeedsRoleContext(t *testing.T) {
	assert.False(t, Operation{}.NeedsRoleContext())
	assert.False(t, Operation{Public: true, RequiredPermission: "x"}.NeedsRoleContext())
	assert.True(t, Operation{RequiresRoleContext: true}.NeedsRoleContext())
	assert.True(t, Operation{RequiredPermission: "roles.view"}.NeedsRoleContext())
	assert.True(t, Operation{RequiredRoles: []string{"admin"}}.NeedsRoleContext())
}

func TestPipelinePublicSkipsEverything(t *testing.T) {
	auth := &headerAuth{}
	source := &recordingSource{}
	p := NewPipeline(auth, source, nil)

	decision, err := p.Evaluate(authedRequest(""), Operation{Public: true})
	require.NoError(t, err)
	assert.True(t, decision.Proceed)
	assert.Nil(t, decision.Identity)
	assert.Equal(t, 0, auth.calls)
	assert.Equal(t, 0, source.gets)
}

func TestPipelineRejectsBadCredentials(t *testing.T) {
	p := NewPipeline(&headerAuth{}, &recordingSource{}, nil)

	for _, user := range []string{"", "forged"} {
		decision, err := p.Evaluate(authedRequest(user), Operation{RequiredPermission: "roles.view"})
		assert.ErrorIs(t, err, ErrUnauthenticated)
		assert.False(t, decision.Proceed)
	}
}

func TestPipelineLazyLoadsRoleContext(t *testing.T) {
	source := &recordingSource{result: Ok(EmptyContext(1))}
	p := NewPipeline(&headerAuth{}, source, nil)

	decision, err := p.Evaluate(authedRequest("1"), Operation{Name: "profile"})
	require.NoError(t, err)
	assert.True(t, decision.Proceed)
	require.NotNil(t, decision.Identity)
	assert.Equal(t, int64(1), decision.Identity.ID)
	assert.False(t, decision.Identity.ContextLoaded)
	assert.Equal(t, 0, source.gets)

	decision, err = p.Evaluate(authedRequest("1"), Operation{RequiredPermission: "roles.view"})
	require.NoError(t, err)
	assert.True(t, decision.Identity.ContextLoaded)
	assert.Equal(t, 1, source.gets)
}

func TestPipelineFailsOpenOnDegradedContext(t *testing.T) {
	store := newMockStore(DefaultPolicy())
	store.listErr = errStoreDown
	cache := NewContextCache(store, DefaultPolicy(), CacheConfig{})
	p := NewPipeline(&headerAuth{}, cache, nil)

	decision, err := p.Evaluate(authedRequest("2"), Operation{RequiresRoleContext: true})
	require.NoError(t, err)
	assert.True(t, decision.Proceed)
	require.NotNil(t, decision.Identity)
	assert.True(t, decision.Identity.Degraded)
	assert.Equal(t, EmptyContext(2), decision.Identity.RoleContext())
}

func newTestRouter(t *testing.T, store *mockStore) (http.Handler, *headerAuth) {
	t.Helper()
	policy := DefaultPolicy()
	auth := &headerAuth{}
	cache := NewContextCache(store, policy, CacheConfig{})
	reg := Registry{Pipeline: NewPipeline(auth, cache, nil), Guard: Guard{Policy: policy}}

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFromContext(r.Context())
		caller, _ := shared.CallerFromContext(r.Context())
		if id != nil && id.ID != caller.ID {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r := chi.NewRouter()
	reg.Handle(r, http.MethodGet, "/public", Operation{Public: true}, ok)
	reg.Handle(r, http.MethodGet, "/profile", Operation{}, ok)
	reg.Handle(r, http.MethodGet, "/roles", Operation{RequiredPermission: "Roles.View"}, ok)
	reg.Handle(r, http.MethodGet, "/admin", Operation{RequiredRoles: []string{"admin"}}, ok)
	reg.Handle(r, http.MethodGet, "/divisions/{divisionID}/members", Operation{
		RequiredPermission: "division.members.manage",
		Scope:              &ScopeParam{Type: ScopeDivision, URLParam: "divisionID"},
	}, ok)
	return r, auth
}

func TestRegistryEnforcesOperations(t *testing.T) {
	store := newMockStore(DefaultPolicy())
	store.seed(1, "hr_manager", CompanyScope())
	store.seed(2, "employee", CompanyScope())
	store.seed(2, "division_head", NewScope(ScopeDivision, 4))
	router, _ := newTestRouter(t, store)

	cases := []struct {
		path string
		user string
		want int
	}{
		{"/public", "", http.StatusOK},
		{"/profile", "", http.StatusUnauthorized},
		{"/profile", "3", http.StatusOK},
		{"/roles", "1", http.StatusOK},
		{"/roles", "2", http.StatusForbidden},
		{"/roles", "3", http.StatusForbidden},
		{"/admin", "1", http.StatusForbidden},
		{"/divisions/4/members", "2", http.StatusOK},
		{"/divisions/5/members", "2", http.StatusForbidden},
		{"/divisions/5/members", "1", http.StatusOK},
		{"/divisions/abc/members", "2", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.path+"/"+tc.user, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.user != "" {
				req.Header.Set("X-User", tc.user)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestRegistryDeniesWhenContextDegraded(t *testing.T) {
	store := newMockStore(DefaultPolicy())
	store.seed(1, "hr_manager", CompanyScope())
	store.listErr = errors.New("connection refused")
	router, _ := newTestRouter(t, store)

	req := httptest.NewRequest(http.MethodGet, "/roles", nil)
	req.Header.Set("X-User", "1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIdentityFromContextMissing(t *testing.T) {
	_, ok := IdentityFromContext(context.Background())
	assert.False(t, ok)
	var nilIdentity *Identity
	assert.Equal(t, EmptyContext(0), nilIdentity.RoleContext())
}
