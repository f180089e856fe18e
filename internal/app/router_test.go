package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workline/workline/internal/auth"
	"github.com/workline/workline/internal/observability"
	"github.com/workline/workline/internal/rbac"
	"github.com/workline/workline/jobs"
)

type staticReader map[int64][]rbac.Assignment

func (s staticReader) ListUserAssignments(ctx context.Context, userID int64) ([]rbac.Assignment, error) {
	return s[userID], nil
}

func newTestRouter(t *testing.T) (http.Handler, *observability.Metrics) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := rbac.DefaultPolicy()
	metrics := observability.NewMetrics()
	reader := staticReader{
		1: {{ID: 1, UserID: 1, RoleID: 1, RoleName: "admin", ScopeType: rbac.ScopeCompany}},
		2: {{ID: 2, UserID: 2, RoleID: 7, RoleName: "employee", ScopeType: rbac.ScopeCompany}},
	}
	contexts := rbac.NewContextCache(reader, policy, rbac.CacheConfig{Observer: metrics, Logger: logger})
	registry := rbac.Registry{
		Pipeline: rbac.NewPipeline(auth.NewBearerAuthenticator("secret", ""), contexts, logger),
		Guard:    rbac.Guard{Policy: policy, Logger: logger},
	}
	cfg := &Config{AppEnv: "development", AppRequestTimeout: 5 * time.Second, RateLimit: 1000}
	router := NewRouter(RouterParams{
		Logger:      logger,
		Config:      cfg,
		Registry:    registry,
		RBACHandler: rbac.NewHandler(logger, nil, contexts, registry),
		JobHandler:  jobs.NewHandler(nil, nil, logger),
		Metrics:     metrics,
	})
	return router, metrics
}

func get(t *testing.T, router http.Handler, path string, userID int64) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if userID > 0 {
		token, err := auth.IssueToken("secret", "", userID, "", time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRouterPublicEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := get(t, router, "/healthz", 0)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = get(t, router, "/metrics", 0)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterProtectsRBACRoutes(t *testing.T) {
	router, metrics := newTestRouter(t)

	assert.Equal(t, http.StatusUnauthorized, get(t, router, "/api/v1/rbac/me/context", 0).Code)
	assert.Equal(t, http.StatusOK, get(t, router, "/api/v1/rbac/me/context", 2).Code)
	assert.Equal(t, http.StatusForbidden, get(t, router, "/api/v1/rbac/users/1/context", 2).Code)
	assert.Equal(t, http.StatusOK, get(t, router, "/api/v1/rbac/users/2/context", 1).Code)
	assert.Equal(t, http.StatusForbidden, get(t, router, "/api/v1/jobs/health", 2).Code)
	assert.Equal(t, http.StatusOK, get(t, router, "/api/v1/jobs/health", 1).Code)

	body := get(t, router, "/metrics", 0).Body.String()
	assert.True(t, strings.Contains(body, `workline_rbac_context_fetch_total{result="miss"}`), body)
}
