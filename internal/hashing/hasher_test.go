package hashing

import (
	"strings"
	"testing"

	"otp-service/internal/config"
	"otp-service/internal/otp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHasher(pepper string) *Hasher {
	return NewHasher(config.HashingConfig{
		Pepper:            pepper,
		Argon2MemoryCost:  64,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
	})
}

func TestHashRoundTrip(t *testing.T) {
	h := testHasher("test-pepper")

	for i := 0; i < 20; i++ {
		code, err := otp.Generate(otp.DefaultLength)
		require.NoError(t, err)

		encoded, err := h.Hash(code)
		require.NoError(t, err)
		assert.NotContains(t, encoded, code)
		assert.True(t, h.Verify(code, encoded))

		other := []byte(code)
		other[0] = '0' + (other[0]-'0'+1)%10
		assert.False(t, h.Verify(string(other), encoded))
	}
}

func TestHashEncoding(t *testing.T) {
	h := testHasher("test-pepper")

	encoded, err := h.Hash("123456")
	require.NoError(t, err)

	parts := strings.Split(encoded, "$")
	require.Len(t, parts, 5)
	assert.Equal(t, "argon2id", parts[0])
	assert.Equal(t, "v=19", parts[1])
	assert.Equal(t, "m=64,t=1,p=1", parts[2])

	again, err := h.Hash("123456")
	require.NoError(t, err)
	assert.NotEqual(t, encoded, again, "salt must differ per hash")
}

func TestVerifyUsesEncodedParams(t *testing.T) {
	old := testHasher("shared")
	encoded, err := old.Hash("424242")
	require.NoError(t, err)

	upgraded := NewHasher(config.HashingConfig{Pepper: "shared", Argon2MemoryCost: 128, Argon2TimeCost: 2, Argon2Parallelism: 2})
	assert.True(t, upgraded.Verify("424242", encoded))
}

func TestVerifyWrongPepper(t *testing.T) {
	encoded, err := testHasher("pepper-a").Hash("111111")
	require.NoError(t, err)
	assert.False(t, testHasher("pepper-b").Verify("111111", encoded))
}

func TestVerifyMalformed(t *testing.T) {
	h := testHasher("test-pepper")
	for _, encoded := range []string{
		"",
		"plain",
		"bcrypt$v=19$m=64,t=1,p=1$c2FsdA$aGFzaA",
		"argon2id$v=18$m=64,t=1,p=1$c2FsdA$aGFzaA",
		"argon2id$v=19$m=0,t=1,p=1$c2FsdA$aGFzaA",
		"argon2id$v=19$m=64,t=1,p=1$!!!$aGFzaA",
		"argon2id$v=19$m=64,t=1,p=1$c2FsdA$",
		"argon2id$v=19$m=64,t=1,p=999$c2FsdA$aGFzaA",
	} {
		assert.NotPanics(t, func() {
			assert.False(t, h.Verify("123456", encoded), encoded)
		})
	}

	_, _, _, err := decode("argon2id$v=18$m=64,t=1,p=1$c2FsdA$aGFzaA")
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}
