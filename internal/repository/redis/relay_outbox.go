package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"onboard-service/internal/encryption"
	"onboard-service/internal/relay"
	"onboard-service/internal/util"

	"go.uber.org/zap"
)

const relayOutboxPrefix = "relay_outbox:"

// Sealer envelope-encrypts sensitive payloads before they reach Redis
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte, purpose string) (*encryption.Sealed, error)
	Open(ctx context.Context, s *encryption.Sealed) ([]byte, error)
}

type outboxEntry struct {
	ID        string             `json:"id"`
	FlowID    string             `json:"flow_id"`
	CreatedAt time.Time          `json:"created_at"`
	Message   *relay.Message     `json:"message,omitempty"`
	Sealed    *encryption.Sealed `json:"sealed,omitempty"`
}

// RelayOutbox queues host messages per flow until the embedding page drains them
type RelayOutbox struct {
	store  Store
	sealer Sealer
	ttl    time.Duration
}

func NewRelayOutbox(store Store, sealer Sealer, ttl time.Duration) *RelayOutbox {
	return &RelayOutbox{store: store, sealer: sealer, ttl: ttl}
}

func (o *RelayOutbox) Publish(ctx context.Context, env relay.Envelope) error {
	entry := outboxEntry{ID: env.ID, FlowID: env.FlowID, CreatedAt: env.CreatedAt}

	if env.Message.Type.Sensitive() {
		raw, err := json.Marshal(env.Message)
		if err != nil {
			return fmt.Errorf("encode relay message: %w", err)
		}
		sealed, err := o.sealer.Seal(ctx, raw, sealPurpose(env.Message.Type))
		if err != nil {
			return fmt.Errorf("seal relay message: %w", err)
		}
		entry.Sealed = sealed
	} else {
		msg := env.Message
		entry.Message = &msg
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode outbox entry: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := o.store.RPushWithExpire(ctx, relayOutboxPrefix+env.FlowID, o.ttl, raw); err != nil {
		util.Error("Failed to queue relay message",
			zap.String("flow_id", env.FlowID),
			zap.String("type", string(env.Message.Type)),
			zap.Error(err))
		return fmt.Errorf("failed to queue relay message: %w", err)
	}
	return nil
}

// Drain returns and removes every queued message of flowID in publish order
func (o *RelayOutbox) Drain(ctx context.Context, flowID string) ([]relay.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	items, err := o.store.DrainList(ctx, relayOutboxPrefix+flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to drain relay outbox: %w", err)
	}

	out := make([]relay.Envelope, 0, len(items))
	for _, item := range items {
		var entry outboxEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			util.Warn("Dropping malformed outbox entry", zap.String("flow_id", flowID), zap.Error(err))
			continue
		}

		env := relay.Envelope{ID: entry.ID, FlowID: entry.FlowID, CreatedAt: entry.CreatedAt}
		switch {
		case entry.Sealed != nil:
			plain, err := o.sealer.Open(ctx, entry.Sealed)
			if err == nil {
				err = json.Unmarshal(plain, &env.Message)
			}
			if err != nil {
				util.Error("Dropping unreadable sealed relay message", zap.String("flow_id", flowID), zap.Error(err))
				continue
			}
		case entry.Message != nil:
			env.Message = *entry.Message
		default:
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

func sealPurpose(t relay.MessageType) string {
	return "relay:" + string(t)
}
