package token

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// checkInAlphabet omits characters that are easy to misread at the door
// (0/O, 1/I/L).
const checkInAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// CheckInCodeLength gives 31^10 ≈ 8e14 codes.
const CheckInCodeLength = 10

// GenerateCheckInCode returns an unguessable check-in code. Uniqueness is the
// caller's responsibility.
func GenerateCheckInCode() (string, error) {
	buf := make([]byte, CheckInCodeLength)
	max := big.NewInt(int64(len(checkInAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate check-in code: %w", err)
		}
		buf[i] = checkInAlphabet[n.Int64()]
	}
	return string(buf), nil
}
