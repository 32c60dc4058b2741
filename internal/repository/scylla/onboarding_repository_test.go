package scylla

import (
	"context"
	"testing"

	"onboard-service/internal/bucketing"
	"onboard-service/internal/config"
	"onboard-service/internal/encryption"
	"onboard-service/internal/hashing"
	"onboard-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRepository() *OnboardingRepository {
	cfg := &config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			FingerprintSalt:   "salt",
		},
		Bucketing: config.BucketingConfig{UserBuckets: 32},
	}
	return NewOnboardingRepository(nil,
		bucketing.NewBucketingManager(cfg),
		hashing.NewHasher(cfg),
		encryption.NewEncryptionManager(cfg, nil),
	)
}

func TestPrepare_DerivesColumns(t *testing.T) {
	r := testRepository()
	rec := &models.OnboardingRecord{UserID: "user-1", FlowID: "flow-1", Mode: "signup"}

	require.NoError(t, r.prepare(context.Background(), rec, "lapo@example.com"))

	assert.False(t, rec.CompletedAt.IsZero())
	assert.Equal(t, r.buckets.GetUserBucket("user-1"), rec.UserBucket)
	assert.NotEmpty(t, rec.EmailFingerprint)
	assert.NotContains(t, string(rec.EmailEncrypted), "lapo@example.com")
	assert.Equal(t, "local", rec.EmailKeyID)

	email, err := r.RevealEmail(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "lapo@example.com", email)
}

func TestPrepare_WithoutEmail(t *testing.T) {
	r := testRepository()
	rec := &models.OnboardingRecord{UserID: "user-2", Channel: "phone"}

	require.NoError(t, r.prepare(context.Background(), rec, ""))
	assert.Empty(t, rec.EmailFingerprint)
	assert.Empty(t, rec.EmailEncrypted)

	assert.Error(t, r.prepare(context.Background(), &models.OnboardingRecord{}, ""))
}
