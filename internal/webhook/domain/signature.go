package domain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign returns the hex HMAC-SHA256 of body under secret, the value the
// gateway sends in X-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret string, body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	if secret == "" {
		return ErrInvalidSignature
	}
	signature = strings.ToLower(strings.TrimPrefix(signature, "sha256="))
	if !hmac.Equal([]byte(signature), []byte(Sign(secret, body))) {
		return ErrInvalidSignature
	}
	return nil
}

// EventID derives a stable id from the fields a redelivery repeats.
func EventID(eventType, timestamp, entityID string) string {
	sum := sha256.Sum256([]byte(eventType + "|" + timestamp + "|" + entityID))
	return "evt_" + hex.EncodeToString(sum[:16])
}
