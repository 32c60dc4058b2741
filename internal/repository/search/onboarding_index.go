// Package search indexes completed onboardings so support can find a wallet
// by address or user without touching the primary store.
package search

import (
	"context"
	"fmt"
	"time"

	"onboard-service/internal/client"
	"onboard-service/internal/models"
	"onboard-service/internal/util"

	"go.uber.org/zap"
)

type OnboardingDocument struct {
	UserID           string    `json:"user_id"`
	FlowID           string    `json:"flow_id"`
	Mode             string    `json:"mode"`
	Channel          string    `json:"channel"`
	Address          string    `json:"address"`
	KeyID            string    `json:"key_id"`
	EmailFingerprint string    `json:"email_fingerprint,omitempty"`
	ProfileCreated   bool      `json:"profile_created"`
	CompletedAt      time.Time `json:"completed_at"`
}

type OnboardingIndex struct {
	es    *client.ESClient
	index string
}

func NewOnboardingIndex(es *client.ESClient, index string) *OnboardingIndex {
	return &OnboardingIndex{es: es, index: index}
}

// Index upserts the document of rec; the flow id is the document id
func (i *OnboardingIndex) Index(ctx context.Context, rec *models.OnboardingRecord) error {
	doc := OnboardingDocument{
		UserID:           rec.UserID,
		FlowID:           rec.FlowID,
		Mode:             rec.Mode,
		Channel:          rec.Channel,
		Address:          rec.Address,
		KeyID:            rec.KeyID,
		EmailFingerprint: rec.EmailFingerprint,
		ProfileCreated:   rec.ProfileCreated,
		CompletedAt:      rec.CompletedAt,
	}

	if err := i.es.Index(ctx, i.index, rec.FlowID, doc); err != nil {
		util.Error("Failed to index onboarding record", zap.String("flow_id", rec.FlowID), zap.Error(err))
		return fmt.Errorf("failed to index onboarding record: %w", err)
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source OnboardingDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (i *OnboardingIndex) FindByAddress(ctx context.Context, address string) ([]OnboardingDocument, error) {
	return i.find(ctx, "address", address)
}

func (i *OnboardingIndex) FindByUser(ctx context.Context, userID string) ([]OnboardingDocument, error) {
	return i.find(ctx, "user_id", userID)
}

func (i *OnboardingIndex) find(ctx context.Context, field, value string) ([]OnboardingDocument, error) {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{field + ".keyword": value},
		},
		"sort": []interface{}{
			map[string]interface{}{"completed_at": map[string]string{"order": "desc"}},
		},
		"size": 20,
	}

	var parsed searchResponse
	if err := i.es.Search(ctx, i.index, query, &parsed); err != nil {
		return nil, fmt.Errorf("failed to search onboarding records: %w", err)
	}

	out := make([]OnboardingDocument, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}
