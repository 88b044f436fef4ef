package cedarengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
	"github.com/ccollier86/catalyst-auth/pkg/policy"
)

func TestEvaluate_PermitAll_MintsDecisionToken(t *testing.T) {
	e, err := New([]byte(`permit(principal, action, resource);`), []byte("mint-secret"))
	require.NoError(t, err)

	in := policy.Input{
		Identity: idtypes.EffectiveIdentity{UserID: "u1", Groups: []string{"eng"}},
		Action:   "read",
		Resource: "doc/42",
	}
	decision, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.True(t, decision.Allow)
	require.NotEmpty(t, decision.DecisionJWT)
}

func TestEvaluate_NoMatchingPolicy_Denies(t *testing.T) {
	e, err := New([]byte(`permit(principal == User::"only-me", action, resource);`), []byte("mint-secret"))
	require.NoError(t, err)

	in := policy.Input{
		Identity: idtypes.EffectiveIdentity{UserID: "somebody-else"},
		Action:   "read",
		Resource: "doc/42",
	}
	decision, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.False(t, decision.Allow)
	require.Empty(t, decision.DecisionJWT)
	require.NotEmpty(t, decision.Reason)
}

func TestEvaluate_ScopedToAction(t *testing.T) {
	e, err := New([]byte(`permit(principal, action == Action::"read", resource);`), []byte("mint-secret"))
	require.NoError(t, err)

	allowed, err := e.Evaluate(context.Background(), policy.Input{
		Identity: idtypes.EffectiveIdentity{UserID: "u1"},
		Action:   "read",
	})
	require.NoError(t, err)
	require.True(t, allowed.Allow)

	denied, err := e.Evaluate(context.Background(), policy.Input{
		Identity: idtypes.EffectiveIdentity{UserID: "u1"},
		Action:   "write",
	})
	require.NoError(t, err)
	require.False(t, denied.Allow)
}

func TestNew_InvalidPolicySource(t *testing.T) {
	_, err := New([]byte(`this is not cedar`), []byte("secret"))
	require.Error(t, err)
}
