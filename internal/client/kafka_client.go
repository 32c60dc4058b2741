package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"onboard-service/internal/config"
	"onboard-service/internal/util"
)

// KafkaProducer writes flow events; messages keyed by flow id keep one flow on one partition
type KafkaProducer struct {
	writer   *kafka.Writer
	brokers  []string
	clientID string
	logger   *zap.Logger
}

func NewKafkaProducer(cfg *config.Config, logger *zap.Logger) (*KafkaProducer, error) {
	kc := cfg.Kafka
	if len(kc.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}

	p := &KafkaProducer{
		writer:   kafkaWriter(kc, !cfg.IsProduction()),
		brokers:  kc.Brokers,
		clientID: kc.ClientID,
		logger:   logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.HealthCheck(ctx); err != nil {
		_ = p.writer.Close()
		return nil, err
	}

	logger.Info("Kafka producer initialized",
		zap.Strings("brokers", kc.Brokers),
		zap.String("topic", kc.FlowTopic),
		zap.Bool("require_all_acks", kc.RequireAck),
	)
	return p, nil
}

// kafkaWriter batches briefly; flow events are small and arrive in bursts per flow
func kafkaWriter(kc config.KafkaConfig, autoCreate bool) *kafka.Writer {
	acks := kafka.RequireOne
	if kc.RequireAck {
		acks = kafka.RequireAll
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(kc.Brokers...),
		Balancer:               &kafka.Hash{},
		MaxAttempts:            3,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           acks,
		AllowAutoTopicCreation: autoCreate,
		Transport:              &kafka.Transport{ClientID: kc.ClientID},
	}
}

// kafkaHeaders orders headers by key so equal events produce equal messages
func kafkaHeaders(headers map[string]string) []kafka.Header {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		out = append(out, kafka.Header{Key: k, Value: []byte(headers[k])})
	}
	return out
}

func (p *KafkaProducer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	msg := kafka.Message{Topic: topic, Key: key, Value: value, Headers: kafkaHeaders(headers)}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to %s: %w", topic, err)
	}
	p.logger.Debug("Flow event produced", zap.String("topic", topic), zap.ByteString("flow_id", key))
	return nil
}

// HealthCheck succeeds once any configured broker answers a metadata request
func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	dialer := &kafka.Dialer{ClientID: p.clientID, Timeout: 5 * time.Second, DualStack: true}

	var errs []error
	for _, broker := range p.brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", broker, err))
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", broker, err))
	}
	return fmt.Errorf("no kafka broker reachable: %w", errors.Join(errs...))
}

func (p *KafkaProducer) Close() error {
	if err := p.writer.Close(); err != nil {
		util.Error("Failed to close Kafka producer", zap.Error(err))
		return err
	}
	util.Info("Kafka producer closed")
	return nil
}
