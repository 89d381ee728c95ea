package ilp

import (
	"crypto/sha256"
	"crypto/subtle"
)

// CheckCondition reports whether fulfillment is the correct preimage for
// condition: sha256(fulfillment) == condition. Constant-time comparison
// avoids leaking timing information about how much of the condition
// matched — fulfillments travel over peer-controlled channels.
func CheckCondition(fulfillment, condition [32]byte) bool {
	sum := sha256.Sum256(fulfillment[:])
	return subtle.ConstantTimeCompare(sum[:], condition[:]) == 1
}
