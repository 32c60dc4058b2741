package hashing

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"onboard-service/internal/config"

	"golang.org/x/crypto/argon2"
)

var ErrEmptyValue = errors.New("cannot fingerprint an empty value")

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	KeyLength   uint32
}

// Hasher derives stable, salted fingerprints of destinations so rate limits
// and stored records never hold a raw email or phone number.
type Hasher struct {
	params Argon2Params
	salt   []byte
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		KeyLength:   32,
	}
	if params.Memory == 0 {
		params.Memory = 8 * 1024
	}
	if params.Iterations == 0 {
		params.Iterations = 1
	}
	if params.Parallelism == 0 {
		params.Parallelism = 1
	}

	// argon2 wants at least 8 bytes of salt; stretch whatever was configured
	salt := sha256.Sum256([]byte(cfg.Hashing.FingerprintSalt))
	return &Hasher{params: params, salt: salt[:]}
}

// Fingerprint hashes value under purpose. Equal inputs give equal fingerprints.
func (h *Hasher) Fingerprint(value, purpose string) (string, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "", ErrEmptyValue
	}

	// purpose keeps fingerprints for different uses unlinkable
	key := argon2.IDKey(
		[]byte(purpose+":"+value),
		h.salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)
	return base64.RawURLEncoding.EncodeToString(key), nil
}
