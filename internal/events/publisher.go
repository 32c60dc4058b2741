// Package events ships onboarding phase transitions to the event stream and
// the analytics store.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"onboard-service/internal/models"

	"go.uber.org/zap"
)

// Publisher receives every phase transition
type Publisher interface {
	PublishFlowEvent(ctx context.Context, ev *models.FlowEvent) error
}

// Producer is the Kafka writer as the publisher uses it
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

type KafkaPublisher struct {
	producer Producer
	topic    string
}

func NewKafkaPublisher(producer Producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) PublishFlowEvent(ctx context.Context, ev *models.FlowEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode flow event: %w", err)
	}
	headers := map[string]string{
		"event_type": ev.EventType,
		"mode":       ev.Mode,
		"phase":      ev.Phase,
	}
	return p.producer.ProduceMessage(ctx, p.topic, []byte(ev.FlowID), value, headers)
}

// Fanout publishes to every publisher and joins their errors
type Fanout []Publisher

func (f Fanout) PublishFlowEvent(ctx context.Context, ev *models.FlowEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishFlowEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to the log; used when no stream is configured
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishFlowEvent(ctx context.Context, ev *models.FlowEvent) error {
	p.logger.Info("Flow event",
		zap.String("flow_id", ev.FlowID),
		zap.String("type", ev.EventType),
		zap.String("mode", ev.Mode),
		zap.String("from", ev.PreviousPhase),
		zap.String("to", ev.Phase),
		zap.String("error_kind", ev.ErrorKind),
		zap.Int("retry_count", ev.RetryCount),
	)
	return nil
}
