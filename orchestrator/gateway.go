package orchestrator

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// signatureHeader carries the webhook HMAC, "sha256=<hex>".
const signatureHeader = "X-Hub-Signature-256"

// eventHeader carries the webhook event kind.
const eventHeader = "X-GitHub-Event"

// verifySignature checks the webhook HMAC-SHA-256 over the raw body using a
// constant-time comparison. An empty header never verifies.
func verifySignature(secret, header string, body []byte) bool {
	digest, ok := strings.CutPrefix(header, "sha256=")
	if !ok || digest == "" {
		return false
	}
	want, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
