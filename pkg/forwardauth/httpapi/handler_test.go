package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ccollier86/catalyst-auth/pkg/forwardauth"
	"github.com/ccollier86/catalyst-auth/pkg/forwardauth/httpapi"
	"github.com/ccollier86/catalyst-auth/pkg/idp"
	"github.com/ccollier86/catalyst-auth/pkg/policy"
)

type stubIdP struct{}

func (stubIdP) ValidateAccessToken(ctx context.Context, token string) (idp.TokenIntrospection, error) {
	return idp.TokenIntrospection{}, errors.New("not configured")
}

func (stubIdP) BuildEffectiveIdentity(ctx context.Context, subject, orgID string) (idp.IdentityRecord, error) {
	return idp.IdentityRecord{}, errors.New("not configured")
}

func (stubIdP) ListActiveSessions(ctx context.Context, userID string) ([]idp.SessionRecord, error) {
	return nil, nil
}

type stubPolicy struct{}

func (stubPolicy) Evaluate(ctx context.Context, in policy.Input) (policy.Decision, error) {
	return policy.Decision{Allow: true}, nil
}

func TestHandleAuth_MissingCredentials_Returns401(t *testing.T) {
	svc := forwardauth.New(forwardauth.Service{IdP: stubIdP{}, Policy: stubPolicy{}})
	h := &httpapi.Handler{Service: svc}

	req := httptest.NewRequest(http.MethodGet, "/auth", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "missing_credentials", rec.Header().Get(forwardauth.HeaderErrorCode))
}

func TestHandleHealth_AllProbesHealthy_Returns200(t *testing.T) {
	svc := forwardauth.New(forwardauth.Service{IdP: stubIdP{}, Policy: stubPolicy{}})
	h := &httpapi.Handler{
		Service: svc,
		Probes: []httpapi.HealthProbe{
			{Name: "cache", Check: func(ctx context.Context) error { return nil }},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["ok"])
}

func TestHandleHealth_FailingProbe_Returns503(t *testing.T) {
	svc := forwardauth.New(forwardauth.Service{IdP: stubIdP{}, Policy: stubPolicy{}})
	h := &httpapi.Handler{
		Service: svc,
		Probes: []httpapi.HealthProbe{
			{Name: "redis", Check: func(ctx context.Context) error { return errors.New("connection refused") }},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, false, body["ok"])
}

func TestHandleAuth_ForwardedMethodAndURIWithoutCredentials_Returns401(t *testing.T) {
	svc := forwardauth.New(forwardauth.Service{IdP: stubIdP{}, Policy: stubPolicy{}})
	h := &httpapi.Handler{Service: svc}

	req := httptest.NewRequest(http.MethodGet, "/auth", nil)
	req.Header.Set("X-Forwarded-Method", "POST")
	req.Header.Set("X-Forwarded-Uri", "/widgets/1")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	// No credentials supplied either way, but this exercises the header
	// plumbing path without panicking.
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
