package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-iam/internal/authz"
	authzhttp "github.com/odyssey-erp/odyssey-iam/internal/authz/http"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
	_ "github.com/odyssey-erp/odyssey-iam/internal/testing/guard"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func captureSecurity(t *testing.T, mw func(http.Handler) http.Handler, headers map[string]string) (*shared.SecurityContext, int) {
	t.Helper()
	var got *shared.SecurityContext
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = shared.SecurityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return got, rec.Code
}

func TestSecurityMiddlewareWithoutAPIKey(t *testing.T) {
	mw := SecurityMiddleware("", quietLogger())

	sc, code := captureSecurity(t, mw, map[string]string{
		HeaderSubjectID:    "12",
		HeaderImpersonator: "3",
		HeaderBypass:       "true",
	})
	require.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, int64(12), sc.SubjectID)
	assert.Equal(t, int64(3), sc.ActorID())
	assert.False(t, sc.BypassAllowed(), "bypass needs a system caller")

	_, code = captureSecurity(t, mw, map[string]string{HeaderSubjectID: "-1"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSecurityMiddlewareRequiresAPIKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	mw := SecurityMiddleware(string(hash), quietLogger())

	_, code := captureSecurity(t, mw, map[string]string{HeaderSubjectID: "1"})
	assert.Equal(t, http.StatusUnauthorized, code)

	_, code = captureSecurity(t, mw, map[string]string{HeaderAPIKey: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)

	for range 2 {
		sc, code := captureSecurity(t, mw, map[string]string{HeaderAPIKey: "s3cret", HeaderBypass: "1"})
		require.Equal(t, http.StatusNoContent, code)
		assert.True(t, sc.BypassAllowed())
	}
}

func TestRouterGuardsOperatorRoutes(t *testing.T) {
	checker := authz.CheckerFunc(func(_ context.Context, req authz.CheckRequest) (authz.Decision, error) {
		return authz.Decision{Allowed: req.SubjectID == 1 && req.Resource == "authz"}, nil
	})
	guard := rbac.Middleware{Checker: checker, Logger: quietLogger()}
	handler := authzhttp.NewHandler(authzhttp.Config{
		Checker: checker,
		Guard:   guard.RequireAny(OperatorRules...),
		Logger:  quietLogger(),
	})
	router := NewRouter(RouterParams{
		Logger:       quietLogger(),
		Config:       &Config{AppEnv: "test"},
		AuthzHandler: handler,
		RBAC:         guard,
	})

	get := func(path, subject string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set(HeaderSubjectID, subject)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, get("/healthz", ""))
	assert.Equal(t, http.StatusOK, get("/v1/authz/breakers", "1"))
	assert.Equal(t, http.StatusForbidden, get("/v1/authz/breakers", "2"))
}
