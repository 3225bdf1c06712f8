package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const (
	HeaderSignature = "X-Facecraft-Signature"
	HeaderTimestamp = "X-Facecraft-Timestamp"
	HeaderEvent     = "X-Facecraft-Event"
	HeaderDelivery  = "X-Facecraft-Delivery"

	signaturePrefix = "sha256="
)

// Sign computes the signature header value over "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}

// VerifyFresh is Verify plus a replay window: the timestamp must be within
// tolerance of now in either direction.
func VerifyFresh(secret, timestamp string, body []byte, signature string, now time.Time, tolerance time.Duration) bool {
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return false
	}
	return Verify(secret, timestamp, body, signature)
}
