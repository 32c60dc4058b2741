package redis

import (
	"context"
	"fmt"
	"time"

	"onboard-service/internal/identity"
	"onboard-service/internal/util"

	"go.uber.org/zap"
)

const sendLimitPrefix = "send_limit:"

// Fingerprinter hides destinations behind a keyed hash
type Fingerprinter interface {
	Fingerprint(value, purpose string) (string, error)
}

// SendLimiter allows one passcode send per destination per interval, across all flows
type SendLimiter struct {
	store    Store
	hasher   Fingerprinter
	interval time.Duration
}

func NewSendLimiter(store Store, hasher Fingerprinter, interval time.Duration) *SendLimiter {
	return &SendLimiter{store: store, hasher: hasher, interval: interval}
}

func (l *SendLimiter) key(channel identity.Channel, destination string) (string, error) {
	fp, err := l.hasher.Fingerprint(destination, "send")
	if err != nil {
		return "", fmt.Errorf("fingerprint destination: %w", err)
	}
	return sendLimitPrefix + string(channel) + ":" + fp, nil
}

// AllowSend takes the destination's slot for the interval. A false result
// means another send already holds it.
func (l *SendLimiter) AllowSend(ctx context.Context, channel identity.Channel, destination string) (bool, error) {
	if l.interval <= 0 {
		return true, nil
	}

	key, err := l.key(channel, destination)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ok, err := l.store.SetNX(ctx, key, "1", l.interval)
	if err != nil {
		util.Error("Failed to check send limit", zap.String("channel", string(channel)), zap.Error(err))
		return false, fmt.Errorf("failed to check send limit: %w", err)
	}
	if !ok {
		util.Debug("Send limited", zap.String("channel", string(channel)), zap.Duration("interval", l.interval))
	}
	return ok, nil
}

// ReleaseSend frees a slot taken by AllowSend when the send itself failed
func (l *SendLimiter) ReleaseSend(ctx context.Context, channel identity.Channel, destination string) error {
	if l.interval <= 0 {
		return nil
	}

	key, err := l.key(channel, destination)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := l.store.Del(ctx, key); err != nil {
		return fmt.Errorf("failed to release send limit: %w", err)
	}
	return nil
}
