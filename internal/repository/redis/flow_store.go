package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"onboard-service/internal/client"
	"onboard-service/internal/util"

	"go.uber.org/zap"
)

const flowSnapshotPrefix = "flow_snapshot:"

var ErrSnapshotNotFound = errors.New("flow snapshot not found")

// FlowStore keeps the last rendered view of each flow so any replica can answer reads
type FlowStore struct {
	store Store
	ttl   time.Duration
}

func NewFlowStore(store Store, ttl time.Duration) *FlowStore {
	return &FlowStore{store: store, ttl: ttl}
}

func (s *FlowStore) Save(ctx context.Context, flowID string, snapshot interface{}) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode flow snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.store.Set(ctx, flowSnapshotPrefix+flowID, raw, s.ttl); err != nil {
		util.Error("Failed to save flow snapshot", zap.String("flow_id", flowID), zap.Error(err))
		return fmt.Errorf("failed to save flow snapshot: %w", err)
	}
	return nil
}

// Load decodes the stored snapshot of flowID into out
func (s *FlowStore) Load(ctx context.Context, flowID string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.store.Get(ctx, flowSnapshotPrefix+flowID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return ErrSnapshotNotFound
		}
		return fmt.Errorf("failed to load flow snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode flow snapshot: %w", err)
	}
	return nil
}

func (s *FlowStore) Delete(ctx context.Context, flowID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.store.Del(ctx, flowSnapshotPrefix+flowID)
}
