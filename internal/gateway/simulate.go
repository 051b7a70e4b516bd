package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// simulatedID derives a stable opaque identifier from a payment id so that
// repeated simulated calls for one payment agree with each other.
func simulatedID(prefix, paymentID string) string {
	sum := sha256.Sum256([]byte(prefix + ":" + paymentID))
	return prefix + "_test_" + hex.EncodeToString(sum[:])[:24]
}

func simulatedUpperID(prefix, paymentID string) string {
	sum := sha256.Sum256([]byte(prefix + ":" + paymentID))
	return prefix + "-TEST-" + strings.ToUpper(hex.EncodeToString(sum[:])[:17])
}
