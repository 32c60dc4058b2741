// Package otp holds the passcode half of the onboarding widget: the digit
// input group, the resend countdown, destination validation and the
// submit/verify state machine that drives the identity provider.
package otp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"onboard-service/internal/apperr"
	"onboard-service/internal/config"
	"onboard-service/internal/identity"
	"onboard-service/internal/util"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type Step string

const (
	StepSubmit Step = "submit"
	StepVerify Step = "verify"
)

var (
	ErrWrongStep         = errors.New("action not allowed in the current step")
	ErrBusy              = errors.New("a request is already in flight")
	ErrIncompleteCode    = errors.New("please enter the complete code")
	ErrResendTooSoon     = errors.New("please wait before requesting another code")
	ErrResendUnavailable = errors.New("resend is not available yet")
	ErrAlreadyVerified   = errors.New("passcode already verified")
	ErrStale             = errors.New("result arrived for a session that no longer exists")
	ErrClosed            = errors.New("otp flow closed")
)

// Provider is the identity provider as the flow consumes it
type Provider interface {
	LoginOrCreate(ctx context.Context, channel identity.Channel, destination string) (string, error)
	Authenticate(ctx context.Context, code, methodID string, sessionDuration time.Duration) (*identity.Session, error)
}

// SendGate rate limits passcode sends per destination. A slot taken by
// AllowSend is handed back with ReleaseSend when the provider rejects the send.
type SendGate interface {
	AllowSend(ctx context.Context, channel identity.Channel, destination string) (bool, error)
	ReleaseSend(ctx context.Context, channel identity.Channel, destination string) error
}

// VerifyResult is handed to OnVerified once a passcode is accepted
type VerifyResult struct {
	Channel     identity.Channel
	Destination string
	Session     *identity.Session
}

type Options struct {
	Channel           identity.Channel
	CodeLength        int
	CountdownWindow   time.Duration
	ResendMinInterval time.Duration
	AutoVerifyDelay   time.Duration
	SessionDuration   time.Duration

	Clock         clockwork.Clock
	Validator     *Validator
	Gate          SendGate
	Logger        *zap.Logger
	OnVerified    func(VerifyResult)
	OnResendReady func()
}

func OptionsFromConfig(cfg config.FlowConfig) Options {
	return Options{
		Channel:           identity.ChannelEmail,
		CodeLength:        cfg.CodeLength,
		CountdownWindow:   cfg.CountdownWindow,
		ResendMinInterval: cfg.ResendMinInterval,
		AutoVerifyDelay:   cfg.AutoVerifyDelay,
		SessionDuration:   cfg.SessionDuration,
		Validator:         NewValidator(cfg.DefaultRegion),
	}
}

// Snapshot is a read-only view of the flow
type Snapshot struct {
	Channel     identity.Channel `json:"channel"`
	Step        Step             `json:"step"`
	Destination string           `json:"destination,omitempty"`
	Digits      []string         `json:"digits"`
	Focus       int              `json:"focus"`
	Loading     bool             `json:"loading"`
	Verifying   bool             `json:"verifying"`
	Remaining   int              `json:"remaining_seconds"`
	Countdown   string           `json:"countdown"`
	CanResend   bool             `json:"can_resend"`
	SendError   string           `json:"send_error,omitempty"`
	AuthError   string           `json:"auth_error,omitempty"`
	Verified    bool             `json:"verified"`
}

// Flow is one OTP session: submit a destination, then verify the code sent to it
type Flow struct {
	provider  Provider
	opts      Options
	clock     clockwork.Clock
	countdown *Countdown
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	verifying atomic.Bool

	mu          sync.Mutex
	epoch       uint64
	channel     identity.Channel
	step        Step
	destination string
	methodID    string
	code        *CodeInput
	loading     bool
	sending     bool
	verified    bool
	closed      bool
	lastSentAt  time.Time
	sendErr     string
	authErr     string
	autoTimer   clockwork.Timer
}

func NewFlow(provider Provider, opts Options) *Flow {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Validator == nil {
		opts.Validator = NewValidator("US")
	}
	if opts.Logger == nil {
		opts.Logger = util.Get()
	}
	if opts.Channel == "" {
		opts.Channel = identity.ChannelEmail
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Flow{
		provider:  provider,
		opts:      opts,
		clock:     opts.Clock,
		countdown: NewCountdown(opts.Clock, opts.CountdownWindow),
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		channel:   opts.Channel,
		step:      StepSubmit,
		code:      NewCodeInput(opts.CodeLength),
	}
	f.countdown.OnComplete(func() {
		f.mu.Lock()
		channel := f.channel
		f.mu.Unlock()
		f.logger.Debug("Resend available", zap.String("channel", string(channel)))
		if opts.OnResendReady != nil {
			opts.OnResendReady()
		}
	})
	return f
}

// SetChannel switches between email and phone; only possible before a code was sent
func (f *Flow) SetChannel(channel identity.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.step != StepSubmit || f.loading {
		return ErrWrongStep
	}
	if channel != f.channel {
		f.channel = channel
		f.sendErr = ""
	}
	return nil
}

// Submit validates destination and asks the provider to send a passcode to it
func (f *Flow) Submit(ctx context.Context, destination string) (string, error) {
	f.mu.Lock()
	if err := f.usable(); err != nil {
		f.mu.Unlock()
		return "", err
	}
	if f.step != StepSubmit {
		f.mu.Unlock()
		return "", ErrWrongStep
	}
	if f.loading {
		f.mu.Unlock()
		return "", ErrBusy
	}

	normalized, err := f.opts.Validator.Validate(f.channel, destination)
	if err != nil {
		f.sendErr = err.Error()
		f.mu.Unlock()
		return "", err
	}
	f.mu.Unlock()

	return f.send(ctx, normalized)
}

// Resend re-issues the passcode to the stored destination once the countdown ran out
func (f *Flow) Resend(ctx context.Context) (string, error) {
	f.mu.Lock()
	if err := f.usable(); err != nil {
		f.mu.Unlock()
		return "", err
	}
	if f.step != StepVerify {
		f.mu.Unlock()
		return "", ErrWrongStep
	}
	if f.loading || f.countdown.Remaining() > 0 {
		f.mu.Unlock()
		return "", ErrResendUnavailable
	}
	f.code.Reset()
	f.stopAutoVerify()
	destination := f.destination
	f.mu.Unlock()

	return f.send(ctx, destination)
}

func (f *Flow) send(ctx context.Context, destination string) (string, error) {
	f.mu.Lock()
	if f.loading {
		f.mu.Unlock()
		return "", ErrBusy
	}
	if !f.lastSentAt.IsZero() && f.clock.Since(f.lastSentAt) < f.opts.ResendMinInterval {
		f.sendErr = ErrResendTooSoon.Error()
		f.mu.Unlock()
		return "", ErrResendTooSoon
	}
	f.loading = true
	f.sending = true
	f.sendErr = ""
	epoch := f.epoch
	channel := f.channel
	f.mu.Unlock()

	reserved := false
	if f.opts.Gate != nil {
		allowed, gerr := f.opts.Gate.AllowSend(ctx, channel, destination)
		if gerr != nil {
			f.logger.Warn("Send gate unavailable, allowing send", zap.Error(gerr))
		} else if !allowed {
			return "", f.finishSend(epoch, "", destination, apperr.ErrRateLimited)
		}
		reserved = gerr == nil
	}

	methodID, err := f.provider.LoginOrCreate(ctx, channel, destination)
	if err != nil && reserved {
		if rerr := f.opts.Gate.ReleaseSend(context.WithoutCancel(ctx), channel, destination); rerr != nil {
			f.logger.Warn("Failed to release send slot", zap.Error(rerr))
		}
	}
	if err := f.finishSend(epoch, methodID, destination, err); err != nil {
		return "", err
	}
	return methodID, nil
}

func (f *Flow) finishSend(epoch uint64, methodID, destination string, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if epoch != f.epoch {
		return ErrStale
	}
	f.loading = false
	f.sending = false

	if err != nil {
		f.sendErr = err.Error()
		f.logger.Debug("Passcode send failed", zap.String("channel", string(f.channel)), zap.Error(err))
		return err
	}

	f.methodID = methodID
	f.destination = destination
	f.step = StepVerify
	f.lastSentAt = f.clock.Now()
	f.authErr = ""
	f.code.Reset()
	f.countdown.Start()
	return nil
}

// InputKind names a keyboard event on the digit group
type InputKind string

const (
	InputType      InputKind = "type"
	InputBackspace InputKind = "backspace"
	InputLeft      InputKind = "left"
	InputRight     InputKind = "right"
	InputPaste     InputKind = "paste"
	InputEnter     InputKind = "enter"
)

type InputEvent struct {
	Kind  InputKind `json:"event"`
	Index int       `json:"index"`
	Value string    `json:"value"`
}

// Input applies a digit-group event. It reports true when the event asks for verification.
func (f *Flow) Input(ev InputEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.usable(); err != nil {
		return false, err
	}
	if f.step != StepVerify {
		return false, ErrWrongStep
	}
	if f.loading {
		return false, ErrBusy
	}

	switch ev.Kind {
	case InputType:
		if !f.code.Type(ev.Index, ev.Value) {
			return false, nil
		}
	case InputBackspace:
		if !f.code.Backspace(ev.Index) {
			return false, nil
		}
	case InputLeft:
		f.code.MoveLeft(ev.Index)
		return false, nil
	case InputRight:
		f.code.MoveRight(ev.Index)
		return false, nil
	case InputPaste:
		if !f.code.Paste(ev.Index, ev.Value) {
			return false, nil
		}
	case InputEnter:
		return f.code.Enter(), nil
	default:
		return false, apperr.NewValidation("event", "unknown input event")
	}

	f.authErr = ""
	f.scheduleAutoVerify()
	return false, nil
}

// scheduleAutoVerify must be called with mu held. Each code change replaces the
// pending timer so a fill triggers a single verification.
func (f *Flow) scheduleAutoVerify() {
	f.stopAutoVerify()
	if f.step != StepVerify || !f.code.Complete() || f.loading || f.verifying.Load() {
		return
	}
	epoch := f.epoch
	f.autoTimer = f.clock.AfterFunc(f.opts.AutoVerifyDelay, func() {
		f.autoVerify(epoch)
	})
}

func (f *Flow) stopAutoVerify() {
	if f.autoTimer != nil {
		f.autoTimer.Stop()
		f.autoTimer = nil
	}
}

func (f *Flow) autoVerify(epoch uint64) {
	f.mu.Lock()
	if epoch != f.epoch || f.closed {
		f.mu.Unlock()
		return
	}
	f.autoTimer = nil
	f.mu.Unlock()

	if _, err := f.Verify(f.ctx); err != nil && !errors.Is(err, ErrBusy) {
		f.logger.Debug("Auto verification failed", zap.Error(err))
	}
}

// Verify checks the entered code against the provider. Only one verification runs at a time.
func (f *Flow) Verify(ctx context.Context) (*VerifyResult, error) {
	f.mu.Lock()
	if err := f.usable(); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	if f.step != StepVerify {
		f.mu.Unlock()
		return nil, ErrWrongStep
	}
	if !f.code.Complete() {
		f.mu.Unlock()
		return nil, ErrIncompleteCode
	}
	if f.loading || !f.verifying.CompareAndSwap(false, true) {
		f.mu.Unlock()
		return nil, ErrBusy
	}
	f.loading = true
	f.authErr = ""
	f.stopAutoVerify()
	code := f.code.Code()
	methodID := f.methodID
	channel := f.channel
	destination := f.destination
	epoch := f.epoch
	f.mu.Unlock()

	session, err := f.provider.Authenticate(ctx, code, methodID, f.opts.SessionDuration)

	f.mu.Lock()
	if epoch != f.epoch {
		f.mu.Unlock()
		return nil, ErrStale
	}
	f.loading = false

	if err != nil {
		f.authErr = err.Error()
		f.code.Reset()
		f.verifying.Store(false)
		f.mu.Unlock()
		return nil, err
	}

	f.countdown.Stop()
	f.step = StepSubmit
	f.methodID = ""
	f.code.Reset()
	f.verified = true
	f.verifying.Store(false)
	result := VerifyResult{Channel: channel, Destination: destination, Session: session}
	onVerified := f.opts.OnVerified
	f.mu.Unlock()

	f.logger.Info("Passcode verified",
		zap.String("channel", string(channel)),
		zap.String("user_id", session.UserID),
	)
	if onVerified != nil {
		onVerified(result)
	}
	return &result, nil
}

// Back abandons the current session; in-flight results for it are dropped
func (f *Flow) Back() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
}

// Restart returns a verified flow to a fresh submit step
func (f *Flow) Restart() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
	f.verified = false
}

func (f *Flow) resetLocked() {
	f.epoch++
	f.stopAutoVerify()
	f.countdown.Stop()
	f.step = StepSubmit
	f.methodID = ""
	f.destination = ""
	f.code.Reset()
	f.loading = false
	f.sending = false
	f.sendErr = ""
	f.authErr = ""
	f.verifying.Store(false)
}

// Close tears the flow down and cancels its timers
func (f *Flow) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.epoch++
	f.stopAutoVerify()
	f.countdown.Close()
	f.cancel()
}

func (f *Flow) Step() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

func (f *Flow) MethodID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.methodID
}

func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	remaining := f.countdown.Remaining()
	return Snapshot{
		Channel:     f.channel,
		Step:        f.step,
		Destination: f.destination,
		Digits:      f.code.Digits(),
		Focus:       f.code.Focus(),
		Loading:     f.loading,
		Verifying:   f.verifying.Load(),
		Remaining:   remaining,
		Countdown:   FormatClock(remaining),
		CanResend:   f.step == StepVerify && remaining == 0 && !f.loading,
		SendError:   f.sendErr,
		AuthError:   f.authErr,
		Verified:    f.verified,
	}
}

func (f *Flow) usable() error {
	if f.closed {
		return ErrClosed
	}
	if f.verified {
		return ErrAlreadyVerified
	}
	return nil
}
