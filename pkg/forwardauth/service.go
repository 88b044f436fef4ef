// Package forwardauth implements the forward-auth decision pipeline
// (spec §4.1): credential extraction, identity resolution, policy
// evaluation, decision caching, session touch, and audit emission,
// collapsed into the single `Handle` operation a reverse proxy's
// forward-auth hook calls on every request.
package forwardauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/ccollier86/catalyst-auth/internal/catalysterr"
	"github.com/ccollier86/catalyst-auth/internal/logger"
	"github.com/ccollier86/catalyst-auth/pkg/cache"
	"github.com/ccollier86/catalyst-auth/pkg/identity"
	"github.com/ccollier86/catalyst-auth/pkg/idp"
	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
	"github.com/ccollier86/catalyst-auth/pkg/policy"
	"github.com/ccollier86/catalyst-auth/pkg/store"
)

// Fixed header names per spec §4.1/§6.
const (
	HeaderDecisionJWT = "x-decision-jwt"
	HeaderAPIKey      = "x-api-key"
	HeaderAuthz       = "authorization"
	HeaderOrgHint     = "x-catalyst-org"

	HeaderForwardedFor    = "x-forwarded-for"
	HeaderRealIP          = "x-real-ip"
	HeaderForwardedMethod = "x-forwarded-method"
	HeaderForwardedURI    = "x-forwarded-uri"
	HeaderForwardedHost   = "x-forwarded-host"
	HeaderForwardedProto  = "x-forwarded-proto"
	HeaderForwardedPort   = "x-forwarded-port"
	HeaderUserAgent       = "user-agent"

	HeaderErrorCode    = "x-forward-auth-error"
	HeaderErrorMessage = "x-forward-auth-error-message"
	HeaderReason       = "x-forward-auth-reason"
	HeaderObligations  = "x-policy-obligations"

	HeaderUserSub         = "x-user-sub"
	HeaderOrgID           = "x-org-id"
	HeaderSessionID       = "x-session-id"
	HeaderUserGroups      = "x-user-groups"
	HeaderUserRoles       = "x-user-roles"
	HeaderUserEntitlements = "x-user-entitlements"
	HeaderUserScopes      = "x-user-scopes"
	HeaderUserLabels      = "x-user-labels"
)

// Config carries the tunables spec §4/§5/§6 require to be configurable.
type Config struct {
	CachePrefix          string
	DecisionTTLSeconds    int
	EnvHeaderPrefix      string
	KeyHash              func(secret string) string
	MinDecisionTTL        int
}

// DefaultConfig matches the defaults stated in spec §4.1 step 10 and §6.
func DefaultConfig() Config {
	return Config{
		CachePrefix:        "forward-auth:decision",
		DecisionTTLSeconds: 55,
		MinDecisionTTL:     1,
		EnvHeaderPrefix:    "x-forward-auth-env-",
		KeyHash:            sha256Hex,
	}
}

func sha256Hex(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Request is the service's input shape (spec §4.1).
type Request struct {
	Method      string
	Path        string
	Headers     map[string]string // arbitrary case on entry; normalized internally
	OrgID       string
	Action      string
	Resource    string
	Environment map[string]any
}

// Response is the service's output shape (spec §4.1).
type Response struct {
	Status  int
	Headers map[string]string
}

// Service implements the §4.1 algorithm.
type Service struct {
	Cache     cache.Cache // optional
	IdP       idp.Port
	Keys      store.KeyStore // optional; nil => api-key path returns 500
	Sessions  store.SessionStore // optional
	Composer  *identity.Composer
	Policy    policy.Engine
	Audit     store.AuditStore // optional
	Clock     func() time.Time
	Config    Config
}

// New builds a Service. Clock defaults to time.Now, Config to
// DefaultConfig if zero-valued.
func New(s Service) *Service {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Config.CachePrefix == "" {
		s.Config = DefaultConfig()
	}
	if s.Config.KeyHash == nil {
		s.Config.KeyHash = sha256Hex
	}
	svc := s
	return &svc
}

type credential struct {
	kind   string // "api-key" | "access-token"
	value  string
}

// Handle runs the full §4.1 algorithm for one proxy-forwarded request.
func (s *Service) Handle(ctx context.Context, req Request) Response {
	now := s.Clock()
	headers := normalizeHeaders(req.Headers)

	// Step 2: cache short-circuit.
	if token := strings.TrimSpace(headers[HeaderDecisionJWT]); token != "" && s.Cache != nil {
		if resp, hit := s.tryCacheHit(ctx, token); hit {
			return resp
		}
	}

	// Step 3: credential extraction.
	cred, ok := extractCredential(headers)
	if !ok {
		return denyResponse(401, "missing_credentials", "")
	}

	// Step 4: org context.
	orgID := req.OrgID
	if orgID == "" {
		orgID = headers[HeaderOrgHint]
	}

	// Step 5: identity resolution.
	ei, errResp, ok := s.resolveIdentity(ctx, cred, orgID, now)
	if !ok {
		return errResp
	}

	// Step 6: session touch (best-effort).
	s.touchSession(ctx, ei, headers, now)

	// Step 7: action/resource/environment derivation.
	action := req.Action
	if action == "" {
		action = strings.ToUpper(req.Method) + " " + req.Path
	}
	resource := req.Resource
	environment := mergeEnv(buildEnvironment(req, ei, headers, s.Config.EnvHeaderPrefix), req.Environment)

	// Step 8: policy evaluation.
	decision, err := s.Policy.Evaluate(ctx, policy.Input{
		Identity:    *ei,
		Action:      action,
		Resource:    resource,
		Environment: environment,
	})
	if err != nil {
		logger.Warnf("forwardauth: policy evaluation failed: %v", err)
		resp := denyResponse(502, "policy_error", err.Error())
		return resp
	}
	if !decision.Allow {
		reason := decision.Reason
		if reason == "" {
			reason = "policy_denied"
		}
		resp := denyResponse(403, reason, "")
		if decision.Obligations != nil {
			if b, err := json.Marshal(decision.Obligations); err == nil {
				resp.Headers[HeaderObligations] = string(b)
			}
		}
		return resp
	}

	// Step 9: allow response.
	resp := s.allowResponse(*ei, decision)

	// Step 10: decision cache write + audit.
	if decision.DecisionJWT != "" {
		s.writeDecisionCache(ctx, decision.DecisionJWT, resp.Headers, *ei, now)
	}

	return resp
}

func normalizeHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = v
	}
	return out
}

func (s *Service) tryCacheHit(ctx context.Context, token string) (Response, bool) {
	raw, found, err := s.Cache.Get(ctx, s.Config.CachePrefix+":"+token)
	if err != nil {
		logger.Warnf("forwardauth: decision cache get failed: %v", err)
		return Response{}, false
	}
	if !found {
		return Response{}, false
	}
	var entry idtypes.DecisionCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		logger.Warnf("forwardauth: decision cache entry corrupt: %v", err)
		return Response{}, false
	}
	headers := make(map[string]string, len(entry.Headers)+1)
	for k, v := range entry.Headers {
		headers[k] = v
	}
	headers[HeaderDecisionJWT] = token
	return Response{Status: 200, Headers: headers}, true
}

func extractCredential(headers map[string]string) (credential, bool) {
	if apiKey := strings.TrimSpace(headers[HeaderAPIKey]); apiKey != "" {
		return credential{kind: "api-key", value: apiKey}, true
	}

	authz := strings.TrimSpace(headers[HeaderAuthz])
	if authz == "" {
		return credential{}, false
	}
	parts := strings.SplitN(authz, " ", 2)
	scheme := strings.ToLower(parts[0])
	var rest string
	if len(parts) > 1 {
		rest = strings.TrimSpace(parts[1])
	}
	switch scheme {
	case "bearer":
		if rest == "" {
			return credential{}, false
		}
		return credential{kind: "access-token", value: rest}, true
	case "key":
		if rest == "" {
			return credential{}, false
		}
		return credential{kind: "api-key", value: rest}, true
	default:
		// "decision" scheme and any other scheme: no credential (the
		// decision-token flow is cache-only, spec §4.1 step 3 / §9).
		return credential{}, false
	}
}

func denyResponse(status int, code, message string) Response {
	h := map[string]string{HeaderErrorCode: code}
	if message != "" {
		h[HeaderErrorMessage] = message
	}
	return Response{Status: status, Headers: h}
}

func (s *Service) resolveIdentity(ctx context.Context, cred credential, orgID string, now time.Time) (*idtypes.EffectiveIdentity, Response, bool) {
	switch cred.kind {
	case "access-token":
		return s.resolveAccessToken(ctx, cred.value, orgID, now)
	case "api-key":
		return s.resolveAPIKey(ctx, cred.value, orgID, now)
	default:
		return nil, denyResponse(401, "missing_credentials", ""), false
	}
}

func (s *Service) resolveAccessToken(ctx context.Context, token, orgID string, now time.Time) (*idtypes.EffectiveIdentity, Response, bool) {
	intro, err := s.IdP.ValidateAccessToken(ctx, token)
	if err != nil {
		return nil, denyResponse(502, "token_validation_error", err.Error()), false
	}
	if !intro.Active || intro.Subject == "" {
		return nil, denyResponse(401, "inactive_token", ""), false
	}

	rec, err := s.IdP.BuildEffectiveIdentity(ctx, intro.Subject, orgID)
	if err != nil {
		return nil, denyResponse(502, "identity_resolution_error", err.Error()), false
	}
	return identityFromIdP(rec), Response{}, true
}

func (s *Service) resolveAPIKey(ctx context.Context, secret, orgID string, now time.Time) (*idtypes.EffectiveIdentity, Response, bool) {
	if s.Keys == nil {
		return nil, denyResponse(500, "api_key_not_supported", ""), false
	}

	hash := s.Config.KeyHash(secret)
	found, err := s.Keys.GetKeyByHash(ctx, hash)
	if err != nil {
		if catalysterr.IsNotFound(err) {
			return nil, denyResponse(401, "invalid_api_key", ""), false
		}
		return nil, denyResponse(502, "api_key_lookup_failed", err.Error()), false
	}
	if !found.IsActive(now) {
		return nil, denyResponse(403, "api_key_inactive", ""), false
	}

	var ei *idtypes.EffectiveIdentity
	if found.Owner.Kind == idtypes.KeyOwnerUser {
		rec, rerr := s.IdP.BuildEffectiveIdentity(ctx, found.Owner.ID, orgID)
		if rerr != nil {
			return nil, denyResponse(502, "identity_resolution_error", rerr.Error()), false
		}
		resolved := identityFromIdP(rec)
		resolved.Labels = idtypes.MergeLabels(resolved.Labels, found.Labels)
		resolved.Scopes = idtypes.DedupeScopes(append(append([]string{}, resolved.Scopes...), found.Scopes...))
		ei = resolved
	} else {
		resolvedOrg := orgID
		if found.Owner.Kind == idtypes.KeyOwnerOrg {
			resolvedOrg = found.Owner.ID
		}
		ei = &idtypes.EffectiveIdentity{
			UserID: "key:" + found.ID,
			OrgID:  resolvedOrg,
			Labels: found.Labels.Clone(),
			Scopes: idtypes.DedupeScopes(found.Scopes),
		}
	}

	// Fire-and-forget usage recording (spec §4.1 step 5: failures logged, never fail the request).
	go func(id string) {
		if err := s.Keys.RecordKeyUsage(context.Background(), id, now); err != nil {
			logger.Warnf("forwardauth: failed to record key usage for %s: %v", id, err)
		}
	}(found.ID)

	return ei, Response{}, true
}

func identityFromIdP(rec idp.IdentityRecord) *idtypes.EffectiveIdentity {
	labels := idtypes.Labels{}
	for k, v := range rec.Labels {
		labels[k] = v
	}
	return &idtypes.EffectiveIdentity{
		UserID:       rec.UserID,
		OrgID:        rec.OrgID,
		Groups:       append([]string{}, rec.Groups...),
		Roles:        append([]string{}, rec.Roles...),
		Labels:       labels,
		Entitlements: []string{},
		Scopes:       idtypes.DedupeScopes(rec.Scopes),
	}
}

func (s *Service) touchSession(ctx context.Context, ei *idtypes.EffectiveIdentity, headers map[string]string, now time.Time) {
	if ei.SessionID == "" || ei.UserID == "" || s.Sessions == nil {
		return
	}

	envelope := buildForwardAuthEnvelope(headers)

	existing, err := s.Sessions.GetSession(ctx, ei.SessionID)
	if err == nil {
		merged := idtypes.MergeLabels(existing.Metadata, idtypes.Labels{"forwardAuth": envelope})
		if _, err := s.Sessions.TouchSession(ctx, ei.SessionID, now, merged); err != nil {
			logger.Warnf("forwardauth: session touch failed for %s: %v", ei.SessionID, err)
		}
		return
	}
	if !catalysterr.IsNotFound(err) {
		logger.Warnf("forwardauth: session read failed for %s: %v", ei.SessionID, err)
		return
	}

	sessions, lerr := s.IdP.ListActiveSessions(ctx, ei.UserID)
	createdAt := now
	var factors []string
	if lerr == nil {
		for _, sr := range sessions {
			if sr.ID == ei.SessionID {
				if !sr.CreatedAt.IsZero() {
					createdAt = sr.CreatedAt
				}
				factors = sr.FactorsVerified
				break
			}
		}
	}

	_, err = s.Sessions.CreateSession(ctx, &idtypes.Session{
		ID:              ei.SessionID,
		UserID:          ei.UserID,
		CreatedAt:       createdAt,
		LastSeenAt:      now,
		FactorsVerified: factors,
		Metadata:        idtypes.Labels{"forwardAuth": envelope},
	})
	if err != nil {
		if catalysterr.IsAlreadyExists(err) {
			if _, terr := s.Sessions.TouchSession(ctx, ei.SessionID, now, idtypes.Labels{"forwardAuth": envelope}); terr != nil {
				logger.Warnf("forwardauth: session touch fallback failed for %s: %v", ei.SessionID, terr)
			}
			return
		}
		logger.Warnf("forwardauth: session create failed for %s: %v", ei.SessionID, err)
	}
}

func buildForwardAuthEnvelope(headers map[string]string) map[string]any {
	env := map[string]any{}
	if ip := firstForwardedFor(headers[HeaderForwardedFor]); ip != "" {
		env["ip"] = ip
	} else if real := strings.TrimSpace(headers[HeaderRealIP]); real != "" {
		env["ip"] = real
	}
	if ua := strings.TrimSpace(headers[HeaderUserAgent]); ua != "" {
		env["userAgent"] = ua
	}
	if host := strings.TrimSpace(headers[HeaderForwardedHost]); host != "" {
		env["host"] = host
	}
	if proto := strings.TrimSpace(headers[HeaderForwardedProto]); proto != "" {
		env["protocol"] = proto
	}
	if port := strings.TrimSpace(headers[HeaderForwardedPort]); port != "" {
		env["port"] = port
	}
	if fwd := strings.TrimSpace(headers[HeaderForwardedFor]); fwd != "" {
		env["forwardedFor"] = fwd
	}
	return env
}

func firstForwardedFor(v string) string {
	if v == "" {
		return ""
	}
	parts := strings.Split(v, ",")
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			return t
		}
	}
	return ""
}

func buildEnvironment(req Request, ei *idtypes.EffectiveIdentity, headers map[string]string, envPrefix string) map[string]any {
	env := map[string]any{
		"method": req.Method,
		"path":   req.Path,
	}
	if envPrefix == "" {
		envPrefix = "x-forward-auth-env-"
	}
	for k, v := range headers {
		if strings.HasPrefix(k, envPrefix) {
			env[strings.TrimPrefix(k, envPrefix)] = v
		}
	}
	return env
}

func mergeEnv(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func (s *Service) allowResponse(ei idtypes.EffectiveIdentity, decision policy.Decision) Response {
	headers := map[string]string{
		HeaderUserSub: ei.UserID,
	}
	if ei.OrgID != "" {
		headers[HeaderOrgID] = ei.OrgID
	}
	if ei.SessionID != "" {
		headers[HeaderSessionID] = ei.SessionID
	}
	headers[HeaderUserGroups] = strings.Join(ei.Groups, ",")
	headers[HeaderUserRoles] = strings.Join(ei.Roles, ",")
	headers[HeaderUserEntitlements] = strings.Join(ei.Entitlements, ",")
	headers[HeaderUserScopes] = strings.Join(idtypes.DedupeScopes(ei.Scopes), ",")
	if b, err := json.Marshal(ei.Labels); err == nil {
		headers[HeaderUserLabels] = string(b)
	}
	if decision.DecisionJWT != "" {
		headers[HeaderDecisionJWT] = decision.DecisionJWT
	}
	if decision.Reason != "" {
		headers[HeaderReason] = decision.Reason
	}
	if decision.Obligations != nil {
		if b, err := json.Marshal(decision.Obligations); err == nil {
			headers[HeaderObligations] = string(b)
		}
	}
	return Response{Status: 200, Headers: headers}
}

func (s *Service) writeDecisionCache(ctx context.Context, token string, headers map[string]string, ei idtypes.EffectiveIdentity, now time.Time) {
	ttl := s.Config.DecisionTTLSeconds
	if ttl < s.Config.MinDecisionTTL {
		ttl = s.Config.MinDecisionTTL
	}

	cached := make(map[string]string, len(headers))
	for k, v := range headers {
		cached[k] = v
	}
	entry := idtypes.DecisionCacheEntry{Headers: cached, ExpiresAt: now.Add(time.Duration(ttl) * time.Second)}
	if raw, err := json.Marshal(entry); err == nil && s.Cache != nil {
		if err := s.Cache.Set(ctx, s.Config.CachePrefix+":"+token, raw, cache.SetOptions{TTLSeconds: ttl}); err != nil {
			logger.Warnf("forwardauth: decision cache write failed: %v", err)
		}
	}

	if s.Audit != nil {
		summary, _ := json.Marshal(map[string]any{
			"userId": ei.UserID,
			"orgId":  ei.OrgID,
			"scopes": ei.Scopes,
		})
		event := &idtypes.AuditEvent{
			OccurredAt: now,
			Category:   "forward_auth",
			Action:     "decision_cached",
			Resource:   idtypes.Labels{"decisionJwt": token},
			Metadata:   idtypes.Labels{"identity": string(summary)},
		}
		if err := s.Audit.AppendEvent(ctx, event); err != nil {
			logger.Warnf("forwardauth: audit append failed: %v", err)
		}
	}
}
