package hashing

import (
	"testing"

	"onboard-service/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHasher(salt string) *Hasher {
	return NewHasher(&config.Config{Hashing: config.HashingConfig{
		Argon2MemoryCost:  1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		FingerprintSalt:   salt,
	}})
}

func TestFingerprint_Stable(t *testing.T) {
	h := testHasher("salt-a")

	a, err := h.Fingerprint("User@Example.com ", "send")
	require.NoError(t, err)
	b, err := h.Fingerprint("user@example.com", "send")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotContains(t, a, "example")

	other, err := h.Fingerprint("user@example.com", "record")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	resalted, err := testHasher("salt-b").Fingerprint("user@example.com", "send")
	require.NoError(t, err)
	assert.NotEqual(t, a, resalted)
}

func TestFingerprint_Deterministic(t *testing.T) {
	h := testHasher("salt-a")
	fp, err := h.Fingerprint("+15551234567", "send")
	require.NoError(t, err)

	again, err := h.Fingerprint("+15551234567", "send")
	require.NoError(t, err)
	assert.Equal(t, fp, again)

	other, err := h.Fingerprint("+15551234568", "send")
	require.NoError(t, err)
	assert.NotEqual(t, fp, other)

	_, err = h.Fingerprint("  ", "send")
	assert.ErrorIs(t, err, ErrEmptyValue)
}
