package relay

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Sink delivers envelopes toward the host window
type Sink interface {
	Publish(ctx context.Context, env Envelope) error
}

// Outbox is a Sink the embedding page drains
type Outbox interface {
	Sink
	Drain(ctx context.Context, flowID string) ([]Envelope, error)
}

// Relayer sends the finalization messages. When a message cannot be
// delivered its paired error message is attempted once.
type Relayer struct {
	sink   Sink
	logger *zap.Logger
}

func NewRelayer(sink Sink, logger *zap.Logger) *Relayer {
	return &Relayer{sink: sink, logger: logger}
}

func (r *Relayer) Session(ctx context.Context, flowID string, sessionSig interface{}) error {
	return r.send(ctx, flowID, TypeAuthSuccess, TypeAuthError, "sessionSig", sessionSig)
}

func (r *Relayer) Address(ctx context.Context, flowID, address string) error {
	return r.send(ctx, flowID, TypeAddress, TypeAddressError, "address", address)
}

func (r *Relayer) Email(ctx context.Context, flowID, email string) error {
	return r.send(ctx, flowID, TypeEmail, TypeEmailError, "email", email)
}

func (r *Relayer) PrivateKey(ctx context.Context, flowID, privateKey string) error {
	return r.send(ctx, flowID, TypePrivateKey, TypePrivateKeyErr, "privateKey", privateKey)
}

func (r *Relayer) IsLogin(ctx context.Context, flowID string, isLogin bool) error {
	return r.send(ctx, flowID, TypeIsLogin, TypeLoginError, "isLogin", isLogin)
}

func (r *Relayer) send(ctx context.Context, flowID string, ok, failed MessageType, field string, value interface{}) error {
	msg, err := NewMessage(ok, map[string]interface{}{field: value})
	if err == nil {
		err = r.sink.Publish(ctx, NewEnvelope(flowID, msg))
	}
	if err == nil {
		return nil
	}

	r.logger.Warn("Host relay failed",
		zap.String("flow_id", flowID),
		zap.String("type", string(ok)),
		zap.Error(err),
	)
	if errMsg, merr := NewMessage(failed, map[string]interface{}{"error": err.Error()}); merr == nil {
		if perr := r.sink.Publish(ctx, NewEnvelope(flowID, errMsg)); perr != nil {
			r.logger.Debug("Host error relay dropped", zap.String("type", string(failed)), zap.Error(perr))
		}
	}
	return err
}

// MemorySink keeps envelopes in process, per flow
type MemorySink struct {
	mu     sync.Mutex
	queues map[string][]Envelope
}

func NewMemorySink() *MemorySink {
	return &MemorySink{queues: make(map[string][]Envelope)}
}

func (s *MemorySink) Publish(ctx context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[env.FlowID] = append(s.queues[env.FlowID], env)
	return nil
}

func (s *MemorySink) Drain(ctx context.Context, flowID string) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queues[flowID]
	delete(s.queues, flowID)
	return out, nil
}
