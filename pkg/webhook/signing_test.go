package webhook

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignAndVerify_RoundTrip(t *testing.T) {
	secret := []byte("shh")
	payload := []byte(`{"type":"key.revoked"}`)
	sig := SignPayload(secret, 1700000000, payload)

	require.True(t, strings.HasPrefix(sig, "sha256="))
	require.True(t, VerifySignature(secret, 1700000000, payload, sig))
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	secret := []byte("shh")
	sig := SignPayload(secret, 1700000000, []byte(`{"a":1}`))
	require.False(t, VerifySignature(secret, 1700000000, []byte(`{"a":2}`), sig))
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	sig := SignPayload([]byte("secret-a"), 1700000000, []byte("payload"))
	require.False(t, VerifySignature([]byte("secret-b"), 1700000000, []byte("payload"), sig))
}

func TestVerify_RejectsMissingPrefix(t *testing.T) {
	require.False(t, VerifySignature([]byte("secret"), 1700000000, []byte("payload"), "deadbeef"))
}

func TestVerify_RejectsMalformedHex(t *testing.T) {
	require.False(t, VerifySignature([]byte("secret"), 1700000000, []byte("payload"), "sha256=not-hex"))
}
