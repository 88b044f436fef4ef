// Package policy defines the policy port (spec §4.1 step 8 / §1): an
// opaque function from (identity, action, resource, environment) to a
// decision. The core never interprets policy rules itself; this package
// only carries the contract. See pkg/policy/cedarengine for the bundled
// reference implementation.
package policy

import (
	"context"

	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
)

// Input is what the forward-auth service hands to the policy engine.
type Input struct {
	Identity    idtypes.EffectiveIdentity
	Action      string
	Resource    string
	Environment map[string]any
}

// Decision is the policy engine's verdict.
type Decision struct {
	Allow        bool
	Reason       string
	DecisionJWT  string
	Obligations  map[string]any
}

// Engine is the policy port. Token minting (DecisionJWT) lives behind
// this port, not inside the core — the core treats it as an opaque
// cache key (spec §9).
type Engine interface {
	Evaluate(ctx context.Context, in Input) (Decision, error)
}
