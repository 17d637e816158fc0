package otp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

const (
	MinLength     = 4
	MaxLength     = 10
	DefaultLength = 6
)

var ErrInvalidLength = errors.New("otp length out of range")

var ten = big.NewInt(10)

// Generate returns a uniformly random numeric code of exactly length digits.
// Leading zeros are allowed.
func Generate(length int) (string, error) {
	if length < MinLength || length > MaxLength {
		return "", fmt.Errorf("%w: %d (want %d..%d)", ErrInvalidLength, length, MinLength, MaxLength)
	}

	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to read random digit: %w", err)
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
