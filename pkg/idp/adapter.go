// Package idp (adapter.go) implements Port against the external IdP's
// HTTP API: the OAuth2 introspection endpoint plus admin user/
// sessions/groups endpoints, per spec §4.6. TokenPath is configurable
// but no request is made to it. Payload translation tolerates
// the multiple field spellings real IdPs use for the same concept
// (spec §9: "duck-typed IdP payloads") via a hand-written decoder that
// tries each candidate key in order, rather than reflection over
// arbitrary records.
package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ccollier86/catalyst-auth/internal/catalysterr"
)

// Config configures the HTTP-speaking Adapter.
type Config struct {
	// IssuerURL is the OIDC issuer, used to build default endpoint paths
	// when the explicit *Path fields are empty.
	IssuerURL string

	TokenPath         string // default: {issuer}/oauth/token
	IntrospectionPath string // default: {issuer}/oauth/introspect
	UserPathFmt       string // default: {issuer}/api/v1/users/%s
	SessionsPathFmt   string // default: {issuer}/api/v1/users/%s/sessions
	GroupsPathFmt      string // default: {issuer}/api/v1/users/%s/groups

	AdminToken string // Bearer token for admin reads

	HTTPClient *http.Client

	// IntrospectionTimeout bounds ValidateAccessToken calls (spec §5:
	// recommended <= 2s).
	IntrospectionTimeout time.Duration
}

// Adapter implements Port by speaking the upstream IdP's HTTP API.
type Adapter struct {
	cfg Config
}

// NewAdapter builds an Adapter, filling in default endpoint paths
// derived from IssuerURL where not explicitly set.
func NewAdapter(cfg Config) *Adapter {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.IntrospectionTimeout <= 0 {
		cfg.IntrospectionTimeout = 2 * time.Second
	}
	issuer := strings.TrimRight(cfg.IssuerURL, "/")
	if cfg.TokenPath == "" {
		cfg.TokenPath = issuer + "/oauth/token"
	}
	if cfg.IntrospectionPath == "" {
		cfg.IntrospectionPath = issuer + "/oauth/introspect"
	}
	if cfg.UserPathFmt == "" {
		cfg.UserPathFmt = issuer + "/api/v1/users/%s"
	}
	if cfg.SessionsPathFmt == "" {
		cfg.SessionsPathFmt = issuer + "/api/v1/users/%s/sessions"
	}
	if cfg.GroupsPathFmt == "" {
		cfg.GroupsPathFmt = issuer + "/api/v1/users/%s/groups"
	}
	return &Adapter{cfg: cfg}
}

func (a *Adapter) doJSON(ctx context.Context, method, path string, form url.Values, out any) error {
	var req *http.Request
	var err error
	if method == http.MethodPost && form != nil {
		req, err = http.NewRequestWithContext(ctx, method, path, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, path, nil)
	}
	if err != nil {
		return catalysterr.Unavailable("building idp request", err)
	}
	if a.cfg.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.AdminToken)
	}

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return catalysterr.Unavailable("idp request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return catalysterr.Unavailable("reading idp response", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return catalysterr.Unavailable(fmt.Sprintf("idp returned %d", resp.StatusCode), fmt.Errorf("%s", string(body)))
	}
	if resp.StatusCode >= 400 {
		return catalysterr.InvalidArgument(fmt.Sprintf("idp returned %d: %s", resp.StatusCode, string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return catalysterr.Unavailable("decoding idp response", err)
	}
	return nil
}

// ValidateAccessToken implements Port via RFC 7662 introspection.
func (a *Adapter) ValidateAccessToken(ctx context.Context, token string) (TokenIntrospection, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.IntrospectionTimeout)
	defer cancel()

	form := url.Values{"token": {token}}
	var raw map[string]any
	if err := a.doJSON(ctx, http.MethodPost, a.cfg.IntrospectionPath, form, &raw); err != nil {
		return TokenIntrospection{}, err
	}
	return decodeIntrospection(raw)
}

func decodeIntrospection(raw map[string]any) (TokenIntrospection, error) {
	active, _ := raw["active"].(bool)
	subject := firstString(raw, "sub", "subject")

	var expiresAt time.Time
	if exp, ok := numericField(raw, "exp"); ok {
		expiresAt = time.Unix(int64(exp), 0).UTC()
	} else if s, ok := raw["expires_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			expiresAt = t
		}
	}

	claims := map[string]any{}
	for k, v := range raw {
		if k == "active" || k == "exp" {
			continue
		}
		claims[k] = v
	}

	return TokenIntrospection{
		Active:    active,
		Subject:   subject,
		ExpiresAt: expiresAt,
		Claims:    claims,
	}, nil
}

// BuildEffectiveIdentity asks the IdP's admin API for the user record
// and its groups, translating duck-typed payloads per spec §4.6/§9.
func (a *Adapter) BuildEffectiveIdentity(ctx context.Context, subject string, orgID string) (IdentityRecord, error) {
	var userRaw map[string]any
	if err := a.doJSON(ctx, http.MethodGet, fmt.Sprintf(a.cfg.UserPathFmt, subject), nil, &userRaw); err != nil {
		return IdentityRecord{}, err
	}
	userID, email := firstString(userRaw, "uuid", "pk", "id"), firstString(userRaw, "email", "username", "primary_email")
	if userID == "" || email == "" {
		return IdentityRecord{}, catalysterr.New("AUTHENTIK_PROFILE_INCOMPLETE", "idp user payload missing id or email")
	}

	var groupsRaw any
	_ = a.doJSON(ctx, http.MethodGet, fmt.Sprintf(a.cfg.GroupsPathFmt, subject), nil, &groupsRaw)
	groups := decodeGroups(groupsRaw)

	return IdentityRecord{
		UserID: userID,
		OrgID:  orgID,
		Groups: groups,
		Labels: map[string]any{"email": email},
	}, nil
}

// ListActiveSessions implements Port, decoding either a bare array or a
// {results: [...]} envelope (spec §4.6).
func (a *Adapter) ListActiveSessions(ctx context.Context, userID string) ([]SessionRecord, error) {
	var raw any
	if err := a.doJSON(ctx, http.MethodGet, fmt.Sprintf(a.cfg.SessionsPathFmt, userID), nil, &raw); err != nil {
		return nil, err
	}
	return decodeSessions(raw), nil
}

// --- duck-typed decoders (spec §4.6/§9) ---

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func numericField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asSliceOfMaps(v any) []map[string]any {
	switch val := v.(type) {
	case []any:
		out := make([]map[string]any, 0, len(val))
		for _, item := range val {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		if results, ok := val["results"].([]any); ok {
			return asSliceOfMaps(results)
		}
		return []map[string]any{val}
	default:
		return nil
	}
}

func decodeSessions(raw any) []SessionRecord {
	var out []SessionRecord
	for _, node := range asSliceOfMaps(raw) {
		id := firstString(node, "uuid", "pk", "identifier", "id")
		if id == "" {
			continue
		}
		factors := stringSlice(node["factors"])
		if len(factors) == 0 {
			factors = stringSlice(node["authenticated_methods"])
		}
		meta := map[string]any{}
		if ip := firstString(node, "ip"); ip != "" {
			meta["ip"] = ip
		}
		if ua := firstString(node, "user_agent"); ua != "" {
			meta["userAgent"] = ua
		}
		if dev, ok := node["device"]; ok {
			meta["device"] = dev
		}
		out = append(out, SessionRecord{ID: id, FactorsVerified: factors, Metadata: meta})
	}
	return out
}

// decodeGroups collects name/slug pairs from each node, recursing into a
// nested "group" field when present (spec §4.6: "accept array,
// {results: [...]}, or scalar").
func decodeGroups(raw any) []string {
	var out []string
	switch val := raw.(type) {
	case string:
		if val != "" {
			out = append(out, val)
		}
		return out
	}
	for _, node := range asSliceOfMaps(raw) {
		if name := firstString(node, "slug", "name"); name != "" {
			out = append(out, name)
		}
		if inner, ok := node["group"]; ok {
			out = append(out, decodeGroups(inner)...)
		}
	}
	return out
}

func stringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
