package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"otp-service/internal/config"
	"otp-service/internal/util"

	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
)

const (
	algorithm  = "argon2id"
	otpContext = "otp"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams follows the OWASP argon2id baseline (19 MiB, t=2, p=1).
var DefaultParams = Argon2Params{
	Memory:      19 * 1024,
	Iterations:  2,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Hasher produces self-describing argon2id encodings:
//
//	argon2id$v=19$m=<mem>,t=<time>,p=<par>$<salt>$<hash>
//
// so that parameter changes never invalidate tokens already in storage.
type Hasher struct {
	params Argon2Params
	pepper string
}

func NewHasher(cfg config.HashingConfig) *Hasher {
	params := DefaultParams
	if cfg.Argon2MemoryCost > 0 {
		params.Memory = uint32(cfg.Argon2MemoryCost)
	}
	if cfg.Argon2TimeCost > 0 {
		params.Iterations = uint32(cfg.Argon2TimeCost)
	}
	if cfg.Argon2Parallelism > 0 && cfg.Argon2Parallelism <= 255 {
		params.Parallelism = uint8(cfg.Argon2Parallelism)
	}

	pepper := cfg.Pepper
	if config.IsPlaceholder(pepper) {
		// Only reachable outside production; Validate rejects it there.
		pepper = randomPepper()
		util.Warn("OTP_PEPPER not set, using an ephemeral pepper; stored tokens will not survive a restart")
	}

	return &Hasher{params: params, pepper: pepper}
}

func randomPepper() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		util.Fatal("Failed to generate pepper", util.ErrorField(err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func (h *Hasher) Params() Argon2Params {
	return h.params
}

// Hash returns the encoded argon2id hash of code.
func (h *Hasher) Hash(code string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(h.input(code), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf("%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithm,
		argon2.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify recomputes the hash with the parameters carried by encoded.
// Malformed input is a mismatch.
func (h *Hasher) Verify(code, encoded string) bool {
	params, salt, expected, err := decode(encoded)
	if err != nil {
		return false
	}
	computed := argon2.IDKey(h.input(code), salt, params.Iterations, params.Memory, params.Parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1
}

// Context is appended so an OTP hash can never be replayed as a hash for another secret type.
func (h *Hasher) input(code string) []byte {
	return []byte(code + h.pepper + otpContext)
}

func decode(encoded string) (Argon2Params, []byte, []byte, error) {
	var params Argon2Params

	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != algorithm {
		return params, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil {
		return params, nil, nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return params, nil, nil, ErrIncompatibleVersion
	}

	var parallelism uint32
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &parallelism); err != nil {
		return params, nil, nil, ErrInvalidHash
	}
	if params.Memory == 0 || params.Iterations == 0 || parallelism == 0 || parallelism > 255 {
		return params, nil, nil, ErrInvalidHash
	}
	params.Parallelism = uint8(parallelism)

	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(salt) == 0 {
		return params, nil, nil, ErrInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(key) == 0 {
		return params, nil, nil, ErrInvalidHash
	}
	params.SaltLength = uint32(len(salt))
	params.KeyLength = uint32(len(key))

	return params, salt, key, nil
}

// Benchmark hashing performance
func (h *Hasher) Benchmark(iterations int) time.Duration {
	start := time.Now()
	for i := 0; i < iterations; i++ {
		if _, err := h.Hash(fmt.Sprintf("%06d", i)); err != nil {
			util.Error("Benchmark failed", util.ErrorField(err))
			return 0
		}
	}
	return time.Since(start)
}
