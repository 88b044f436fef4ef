package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
)

// SignPayload computes an HMAC-SHA256 signature over timestamp+payload,
// the same "sha256=<hex>" shape the teacher's webhook client uses for
// its outbound HMAC header. The timestamp is folded into the MAC (and
// carried in x-catalyst-timestamp) rather than signing the raw body
// alone, matching the teacher's signing idiom.
func SignPayload(secret []byte, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the signature and compares it in constant
// time. A malformed or missing "sha256=" prefix is always a mismatch.
func VerifySignature(secret []byte, timestamp int64, payload []byte, signature string) bool {
	const prefix = "sha256="
	if len(signature) <= len(prefix) || signature[:len(prefix)] != prefix {
		return false
	}
	got, err := hex.DecodeString(signature[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write(payload)
	want := mac.Sum(nil)
	return subtle.ConstantTimeCompare(got, want) == 1
}
