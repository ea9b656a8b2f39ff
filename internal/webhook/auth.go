// Package webhook receives signals over HTTP, authenticates them, runs the
// admission pipeline (replay guard, idempotency) and routes them to the
// engine. It also hosts the push-only status WebSocket and the metrics
// endpoint.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// VerifySignature checks a hex HMAC-SHA256 of the raw request body with a
// timing-safe comparison.
func VerifySignature(secret, body []byte, signatureHex string) bool {
	if len(secret) == 0 || signatureHex == "" {
		return false
	}
	got, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}

// Sign produces the hex HMAC-SHA256 for a body. Used by tests and tooling.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
