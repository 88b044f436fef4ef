package idtypes_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
)

func TestKeyStatus_NoRevokeNoExpiry_IsActive(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k := idtypes.Key{}
	require.Equal(t, idtypes.KeyStatusActive, k.Status(now))
	require.True(t, k.IsActive(now))
}

func TestKeyStatus_ExpiryBoundaryIsInclusive(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exactly := now
	k := idtypes.Key{ExpiresAt: &exactly}
	require.Equal(t, idtypes.KeyStatusExpired, k.Status(now))
	require.False(t, k.IsActive(now))
}

func TestKeyStatus_FutureExpiry_IsActive(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	k := idtypes.Key{ExpiresAt: &future}
	require.Equal(t, idtypes.KeyStatusActive, k.Status(now))
}

func TestKeyStatus_RevokedTakesPriorityOverExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	k := idtypes.Key{ExpiresAt: &future, RevokedAt: &past}
	require.Equal(t, idtypes.KeyStatusRevoked, k.Status(now))
	require.False(t, k.IsActive(now))
}

func TestDedupeScopes_PreservesFirstSeenOrder(t *testing.T) {
	out := idtypes.DedupeScopes([]string{"read", "write", "read", "admin", "write"})
	require.Equal(t, []string{"read", "write", "admin"}, out)
}

func TestDedupeScopes_Empty(t *testing.T) {
	require.Empty(t, idtypes.DedupeScopes(nil))
}

func TestMergeLabels_LaterLayersOverrideEarlier(t *testing.T) {
	base := idtypes.Labels{"tier": "silver", "region": "us"}
	override := idtypes.Labels{"tier": "gold"}
	merged := idtypes.MergeLabels(base, override)
	require.Equal(t, "gold", merged["tier"])
	require.Equal(t, "us", merged["region"])
}

func TestLabelsClone_NilReturnsEmptyNotNil(t *testing.T) {
	var l idtypes.Labels
	cloned := l.Clone()
	require.NotNil(t, cloned)
	require.Empty(t, cloned)
}

func TestLabelsClone_IsIndependentCopy(t *testing.T) {
	original := idtypes.Labels{"a": "1"}
	cloned := original.Clone()
	cloned["a"] = "2"
	require.Equal(t, "1", original["a"])
}

func TestDefaultRetryPolicy_MatchesStatedDefaults(t *testing.T) {
	p := idtypes.DefaultRetryPolicy()
	require.Equal(t, 3, p.MaxAttempts)
	require.Equal(t, []int{30, 60, 120}, p.BackoffSeconds)
}
