// Package webhook verifies and reconciles payment provider webhook
// events against the subscription store.
package webhook

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
)

// ErrInvalidSignature is returned when the webhook signature does not
// match the request body. Callers must reject the event without any
// side effects.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// VerifySignature checks an HMAC-SHA512 hex signature over the raw
// request body. Verification happens before the body is parsed, so a
// forged payload is never interpreted.
func VerifySignature(secret string, body []byte, signature string) error {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the hex HMAC-SHA512 signature for a body. Used by
// tests and by tooling that replays events against a local instance.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
