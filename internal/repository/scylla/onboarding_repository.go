package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"onboard-service/internal/encryption"
	"onboard-service/internal/models"
	"onboard-service/internal/util"
)

var ErrRecordNotFound = errors.New("onboarding record not found")

const emailPurpose = "record:email"

// Bucketer assigns users to partitions
type Bucketer interface {
	GetUserBucket(userID string) int
}

type Fingerprinter interface {
	Fingerprint(value, purpose string) (string, error)
}

type Sealer interface {
	Seal(ctx context.Context, plaintext []byte, purpose string) (*encryption.Sealed, error)
	Open(ctx context.Context, s *encryption.Sealed) ([]byte, error)
}

// OnboardingRepository stores completed onboarding records. Emails are kept
// as a fingerprint for lookup plus an envelope-encrypted copy.
type OnboardingRepository struct {
	client  *ScyllaClient
	buckets Bucketer
	hasher  Fingerprinter
	sealer  Sealer
}

func NewOnboardingRepository(client *ScyllaClient, buckets Bucketer, hasher Fingerprinter, sealer Sealer) *OnboardingRepository {
	return &OnboardingRepository{client: client, buckets: buckets, hasher: hasher, sealer: sealer}
}

// prepare fills the derived columns of rec and clears nothing the caller set
func (r *OnboardingRepository) prepare(ctx context.Context, rec *models.OnboardingRecord, email string) error {
	if rec.UserID == "" {
		return fmt.Errorf("onboarding record without user id")
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}
	rec.UserBucket = r.buckets.GetUserBucket(rec.UserID)

	if email == "" {
		return nil
	}

	fp, err := r.hasher.Fingerprint(email, emailPurpose)
	if err != nil {
		return fmt.Errorf("fingerprint email: %w", err)
	}
	sealed, err := r.sealer.Seal(ctx, []byte(email), emailPurpose)
	if err != nil {
		return fmt.Errorf("seal email: %w", err)
	}
	raw, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("encode sealed email: %w", err)
	}

	rec.EmailFingerprint = fp
	rec.EmailEncrypted = raw
	rec.EmailKeyID = sealed.KeyID
	return nil
}

// SaveOnboarding writes rec and, when an email is known, the email lookup row
func (r *OnboardingRepository) SaveOnboarding(ctx context.Context, rec *models.OnboardingRecord, email string) error {
	if err := r.prepare(ctx, rec, email); err != nil {
		return err
	}

	p := r.client.Prepared
	batch := r.client.Session.NewBatch(gocql.LoggedBatch)
	batch.Query(p.InsertRecord,
		rec.UserBucket, rec.UserID, rec.CompletedAt, rec.FlowID, rec.Mode, rec.Channel,
		rec.EmailFingerprint, rec.EmailEncrypted, rec.EmailKeyID, rec.Address, rec.KeyID,
		rec.ProfileCreated, rec.RetryCount)
	if rec.EmailFingerprint != "" {
		batch.Query(p.InsertEmailLookup, rec.EmailFingerprint, rec.UserBucket, rec.UserID, rec.CompletedAt)
	}

	if err := r.client.ExecuteBatch(ctx, batch); err != nil {
		util.Error("Failed to save onboarding record",
			zap.String("user_id", rec.UserID),
			zap.String("flow_id", rec.FlowID),
			zap.Error(err))
		return fmt.Errorf("failed to save onboarding record: %w", err)
	}

	util.Info("Onboarding record saved",
		zap.String("user_id", rec.UserID),
		zap.String("mode", rec.Mode),
		zap.Int("user_bucket", rec.UserBucket))
	return nil
}

// ListByUser returns the newest records of a user first
func (r *OnboardingRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.OnboardingRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	bucket := r.buckets.GetUserBucket(userID)
	iter := r.client.Query(ctx, r.client.Prepared.GetRecordsByUser, bucket, userID, limit).Iter()

	var out []*models.OnboardingRecord
	for {
		rec := &models.OnboardingRecord{}
		if !iter.Scan(
			&rec.UserBucket, &rec.UserID, &rec.CompletedAt, &rec.FlowID, &rec.Mode, &rec.Channel,
			&rec.EmailFingerprint, &rec.EmailEncrypted, &rec.EmailKeyID, &rec.Address, &rec.KeyID,
			&rec.ProfileCreated, &rec.RetryCount,
		) {
			break
		}
		out = append(out, rec)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list onboarding records: %w", err)
	}
	return out, nil
}

// FindUserByEmail resolves the user who last onboarded with email
func (r *OnboardingRepository) FindUserByEmail(ctx context.Context, email string) (string, error) {
	fp, err := r.hasher.Fingerprint(email, emailPurpose)
	if err != nil {
		return "", fmt.Errorf("fingerprint email: %w", err)
	}

	var (
		bucket int
		userID string
	)
	if err := r.client.Query(ctx, r.client.Prepared.GetUserByEmail, fp).Scan(&bucket, &userID); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return "", ErrRecordNotFound
		}
		return "", fmt.Errorf("failed to look up email: %w", err)
	}
	return userID, nil
}

// RevealEmail decrypts the email stored on rec
func (r *OnboardingRepository) RevealEmail(ctx context.Context, rec *models.OnboardingRecord) (string, error) {
	if len(rec.EmailEncrypted) == 0 {
		return "", nil
	}
	var sealed encryption.Sealed
	if err := json.Unmarshal(rec.EmailEncrypted, &sealed); err != nil {
		return "", fmt.Errorf("decode sealed email: %w", err)
	}
	plain, err := r.sealer.Open(ctx, &sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
