// Package cedarengine is the bundled reference implementation of the
// policy port (spec §4.1 step 8), compiling the forward-auth service's
// (identity, action, resource, environment) input into a Cedar
// authorization request and evaluating it against a configured policy
// set using github.com/cedar-policy/cedar-go. It is explicitly a
// reference: callers may swap the policy port for anything else (spec
// §E).
package cedarengine

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math"
	"sort"

	cedar "github.com/cedar-policy/cedar-go"
	"github.com/google/uuid"

	"github.com/ccollier86/catalyst-auth/internal/catalysterr"
	"github.com/ccollier86/catalyst-auth/pkg/policy"
)

// Engine evaluates a static Cedar policy set. Principal is
// User::"<userId>", Action is Action::"<action>" (the verbatim action
// string computed by the forward-auth service), and Resource is
// Resource::"<resource>" or Resource::"unknown" when no resource was
// derivable.
type Engine struct {
	policySet   *cedar.PolicySet
	mintSecret  []byte
}

// New compiles the given Cedar policy source (the textual `.cedar`
// policy-set format) and returns an Engine. mintSecret seeds the HMAC
// used to produce opaque decision tokens on allow; it is never
// inspected by the core, only compared byte-for-byte as a cache key
// (spec §9).
func New(cedarPolicySrc []byte, mintSecret []byte) (*Engine, error) {
	ps, err := cedar.NewPolicySetFromBytes("catalyst.cedar", cedarPolicySrc)
	if err != nil {
		return nil, catalysterr.InvalidArgument(fmt.Sprintf("invalid cedar policy set: %v", err))
	}
	return &Engine{policySet: ps, mintSecret: mintSecret}, nil
}

// Evaluate implements policy.Engine.
func (e *Engine) Evaluate(_ context.Context, in policy.Input) (policy.Decision, error) {
	principal := cedar.NewEntityUID("User", cedar.String(in.Identity.UserID))

	action := in.Action
	if action == "" {
		action = "unknown"
	}
	actionUID := cedar.NewEntityUID("Action", cedar.String(action))

	resourceName := in.Resource
	if resourceName == "" {
		resourceName = "unknown"
	}
	resourceUID := cedar.NewEntityUID("Resource", cedar.String(resourceName))

	ctxMap := map[string]any{}
	for k, v := range in.Identity.Labels {
		ctxMap["label_"+k] = v
	}
	ctxMap["groups"] = in.Identity.Groups
	ctxMap["roles"] = in.Identity.Roles
	ctxMap["entitlements"] = in.Identity.Entitlements
	ctxMap["scopes"] = in.Identity.Scopes
	if in.Identity.OrgID != "" {
		ctxMap["org_id"] = in.Identity.OrgID
	}
	for k, v := range in.Environment {
		ctxMap["env_"+k] = v
	}

	cedarCtx, err := cedar.NewRecord(convertMapToCedarRecord(ctxMap))
	if err != nil {
		return policy.Decision{}, catalysterr.InvalidArgument(fmt.Sprintf("invalid policy context: %v", err))
	}

	req := cedar.Request{
		Principal: principal,
		Action:    actionUID,
		Resource:  resourceUID,
		Context:   cedarCtx,
	}

	ok, diag := e.policySet.IsAuthorized(cedar.EntityMap{}, req)

	decision := policy.Decision{Allow: bool(ok)}
	if !ok {
		decision.Reason = "policy_denied"
		if len(diag.Reasons) > 0 {
			decision.Reason = diag.Reasons[0].Policy.String()
		}
		return decision, nil
	}

	obligations := map[string]any{}
	for _, reason := range diag.Reasons {
		obligations[reason.Policy.String()] = "matched"
	}
	if len(obligations) > 0 {
		decision.Obligations = obligations
	}
	decision.DecisionJWT = e.mintDecisionToken(in)
	return decision, nil
}

// mintDecisionToken produces an opaque, HMAC-bound token the core uses
// only as a cache key (spec §9: "the core never inspects the contents").
// It is not a signed JWT — minting real JWTs is explicitly delegated to
// a token-service port (spec §1 non-goals).
func (e *Engine) mintDecisionToken(in policy.Input) string {
	nonce := uuid.NewString()
	mac := hmac.New(sha256.New, e.mintSecret)
	mac.Write([]byte(nonce))
	mac.Write([]byte(in.Identity.UserID))
	mac.Write([]byte(in.Action))
	sig := mac.Sum(nil)
	return nonce + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// convertMapToCedarRecord converts a Go map into Cedar record fields,
// following the same scalar/array conversion rules the teacher's
// authorization layer uses: bool -> cedar.Boolean, string -> cedar.String,
// integers -> cedar.Long, floats -> cedar.Decimal (dropped if not
// representable, e.g. +/-Inf), []string/[]any -> cedar.Set. Unsupported
// value kinds (nested maps, etc.) are silently omitted rather than
// failing the whole record.
func convertMapToCedarRecord(input map[string]any) map[cedar.String]cedar.Value {
	out := make(map[cedar.String]cedar.Value, len(input))
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if v, ok := convertScalarOrArray(input[k]); ok {
			out[cedar.String(k)] = v
		}
	}
	return out
}

func convertScalarOrArray(v any) (cedar.Value, bool) {
	switch val := v.(type) {
	case bool:
		if val {
			return cedar.True, true
		}
		return cedar.False, true
	case string:
		return cedar.String(val), true
	case int:
		return cedar.Long(val), true
	case int64:
		return cedar.Long(val), true
	case float64:
		if math.IsInf(val, 0) || math.IsNaN(val) {
			return nil, false
		}
		d, err := cedar.NewDecimalFromFloat(val)
		if err != nil {
			return nil, false
		}
		return d, true
	case []string:
		items := make([]cedar.Value, 0, len(val))
		for _, s := range val {
			items = append(items, cedar.String(s))
		}
		return cedar.NewSet(items...), true
	case []any:
		items := make([]cedar.Value, 0, len(val))
		for _, e := range val {
			if cv, ok := convertScalarOrArray(e); ok {
				items = append(items, cv)
			}
		}
		return cedar.NewSet(items...), true
	default:
		return nil, false
	}
}
