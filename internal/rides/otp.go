package rides

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
)

// mintOTP draws a 4-digit decimal OTP from a cryptographically strong
// uniform source. Leading zeros are preserved ("0471" is valid and distinct
// from "471").
func mintOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("mint otp: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

// otpEqual compares a presented OTP against the stored one in constant
// time. Any length mismatch fails without leaking position information.
func otpEqual(presented, stored string) bool {
	if len(presented) != len(stored) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(stored)) == 1
}
