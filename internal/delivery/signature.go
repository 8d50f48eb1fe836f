package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const (
	HeaderSignature  = "X-Hub-Signature-256"
	HeaderEventID    = "X-Hub-Event-Id"
	HeaderEventType  = "X-Hub-Event-Type"
	HeaderDeliveryID = "X-Hub-Delivery-Id"
	HeaderAttempt    = "X-Hub-Attempt"

	signaturePrefix = "sha256="
)

var ErrInvalidSignature = errors.New("invalid signature")

// Sign returns the signature header value for body: "sha256=<hex hmac>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header produced by Sign. Receivers use it to
// authenticate deliveries.
func Verify(secret string, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, signaturePrefix) {
		return ErrInvalidSignature
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
