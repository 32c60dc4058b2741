package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"onboard-service/internal/config"
	"onboard-service/internal/identity"
	"onboard-service/internal/onboarding"
	"onboard-service/internal/otp"
	"onboard-service/internal/relay"
	"onboard-service/internal/token"
	"onboard-service/internal/util"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var (
	ErrFlowNotFound = errors.New("flow not found")
	ErrFlowMismatch = errors.New("token was issued for another flow")
)

// SnapshotStore keeps the last rendered view of a flow
type SnapshotStore interface {
	Save(ctx context.Context, flowID string, snapshot interface{}) error
	Load(ctx context.Context, flowID string, out interface{}) error
	Delete(ctx context.Context, flowID string) error
}

// View is everything the widget renders for one flow
type View struct {
	FlowID     string           `json:"flow_id"`
	Mode       onboarding.Mode  `json:"mode"`
	OTP        otp.Snapshot     `json:"otp"`
	Onboarding onboarding.State `json:"onboarding"`
	Running    bool             `json:"running"`
	UpdatedAt  time.Time        `json:"updated_at"`
	// Detached is set when the view was restored from a snapshot and the flow is no longer live
	Detached bool `json:"detached,omitempty"`
}

// Created is returned to the page that opened a flow
type Created struct {
	FlowID    string    `json:"flow_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	View      *View     `json:"view"`
}

type FlowServiceDeps struct {
	Identity   otp.Provider
	Gate       otp.SendGate
	Outbox     relay.Outbox
	Snapshots  SnapshotStore
	Tokens     *token.Issuer
	Onboarding onboarding.Deps
	Clock      clockwork.Clock
	Logger     *zap.Logger
}

// FlowService owns every live flow session of this instance
type FlowService struct {
	deps       FlowServiceDeps
	otpOpts    otp.Options
	orchOpts   onboarding.Options
	runTimeout time.Duration
	ttl        time.Duration
	clock      clockwork.Clock
	logger     *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	runs     sync.WaitGroup
}

type session struct {
	id       string
	mode     onboarding.Mode
	otp      *otp.Flow
	orch     *onboarding.Orchestrator
	mu       sync.Mutex
	lastSeen time.Time
	cancel   context.CancelFunc
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *session) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	prev := s.cancel
	s.cancel = cancel
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func NewFlowService(cfg *config.Config, deps FlowServiceDeps) *FlowService {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = util.Get()
	}
	if deps.Onboarding.Clock == nil {
		deps.Onboarding.Clock = deps.Clock
	}
	if deps.Onboarding.Logger == nil {
		deps.Onboarding.Logger = deps.Logger
	}
	deps.Onboarding.Relay = relay.NewRelayer(deps.Outbox, deps.Logger)

	otpOpts := otp.OptionsFromConfig(cfg.Flow)
	otpOpts.Clock = deps.Clock
	otpOpts.Gate = deps.Gate
	otpOpts.Logger = deps.Logger

	return &FlowService{
		deps:       deps,
		otpOpts:    otpOpts,
		orchOpts:   onboarding.OptionsFromConfig(cfg),
		runTimeout: cfg.Flow.RunTimeout,
		ttl:        cfg.Flow.SessionTTL,
		clock:      deps.Clock,
		logger:     deps.Logger,
		sessions:   make(map[string]*session),
	}
}

// CreateFlow opens a login or signup flow and issues the token that guards it
func (s *FlowService) CreateFlow(ctx context.Context, mode onboarding.Mode, channel identity.Channel) (*Created, error) {
	id := uuid.NewString()
	tok, exp, err := s.deps.Tokens.Issue(id, string(mode))
	if err != nil {
		return nil, fmt.Errorf("failed to issue flow token: %w", err)
	}

	sess := &session{id: id, mode: mode, lastSeen: s.clock.Now()}
	opts := s.otpOpts
	opts.Channel = channel
	opts.OnVerified = func(res otp.VerifyResult) {
		s.startRun(sess, onboarding.Params{
			Session:     res.Session,
			Channel:     res.Channel,
			Destination: res.Destination,
		})
	}
	opts.OnResendReady = func() {
		s.persist(context.Background(), s.view(sess))
	}
	sess.otp = otp.NewFlow(s.deps.Identity, opts)
	sess.orch = onboarding.NewOrchestrator(id, mode, s.deps.Onboarding, s.orchOpts)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.logger.Info("Flow created",
		zap.String("flow_id", id),
		zap.String("mode", string(mode)),
		zap.String("channel", string(channel)),
	)

	view := s.view(sess)
	s.persist(ctx, view)
	return &Created{FlowID: id, Token: tok, ExpiresAt: exp, View: view}, nil
}

// Authorize checks that raw is a valid token for flowID
func (s *FlowService) Authorize(raw, flowID string) error {
	claims, err := s.deps.Tokens.Verify(raw)
	if err != nil {
		return err
	}
	if claims.Subject != flowID {
		return ErrFlowMismatch
	}
	return nil
}

func (s *FlowService) get(flowID string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[flowID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrFlowNotFound
	}
	sess.touch(s.clock.Now())
	return sess, nil
}

func (s *FlowService) SetChannel(ctx context.Context, flowID string, channel identity.Channel) (*View, error) {
	sess, err := s.get(flowID)
	if err != nil {
		return nil, err
	}
	if err := sess.otp.SetChannel(channel); err != nil {
		return nil, err
	}
	return s.commit(ctx, sess), nil
}

func (s *FlowService) Submit(ctx context.Context, flowID, destination string) (*View, error) {
	sess, err := s.get(flowID)
	if err != nil {
		return nil, err
	}
	if _, err := sess.otp.Submit(ctx, destination); err != nil {
		return s.commit(ctx, sess), err
	}
	return s.commit(ctx, sess), nil
}

func (s *FlowService) Resend(ctx context.Context, flowID string) (*View, error) {
	sess, err := s.get(flowID)
	if err != nil {
		return nil, err
	}
	if _, err := sess.otp.Resend(ctx); err != nil {
		return s.commit(ctx, sess), err
	}
	return s.commit(ctx, sess), nil
}

// Input applies a digit-group event; enter on a complete code verifies it
func (s *FlowService) Input(ctx context.Context, flowID string, ev otp.InputEvent) (*View, error) {
	sess, err := s.get(flowID)
	if err != nil {
		return nil, err
	}
	submit, err := sess.otp.Input(ev)
	if err != nil {
		return s.commit(ctx, sess), err
	}
	if submit {
		if _, err := sess.otp.Verify(ctx); err != nil && !errors.Is(err, otp.ErrBusy) {
			return s.commit(ctx, sess), err
		}
	}
	return s.commit(ctx, sess), nil
}

func (s *FlowService) Verify(ctx context.Context, flowID string) (*View, error) {
	sess, err := s.get(flowID)
	if err != nil {
		return nil, err
	}
	if _, err := sess.otp.Verify(ctx); err != nil {
		return s.commit(ctx, sess), err
	}
	return s.commit(ctx, sess), nil
}

// Back returns to the destination step; a code request in flight is ignored when it lands
func (s *FlowService) Back(ctx context.Context, flowID string) (*View, error) {
	sess, err := s.get(flowID)
	if err != nil {
		return nil, err
	}
	sess.otp.Back()
	return s.commit(ctx, sess), nil
}

// Retry re-runs a failed onboarding with the identity that was already verified
func (s *FlowService) Retry(ctx context.Context, flowID string) (*View, error) {
	sess, err := s.get(flowID)
	if err != nil {
		return nil, err
	}
	if sess.orch.Running() {
		return s.commit(ctx, sess), onboarding.ErrAlreadyRunning
	}

	preview, err := onboarding.Reduce(sess.orch.State(), onboarding.Action{Type: onboarding.ActionRetry}, s.orchOpts.MaxRetries)
	if err != nil {
		return s.commit(ctx, sess), err
	}
	if preview.Phase == onboarding.PhaseError {
		// ceiling reached; only the forced error is recorded
		_, _ = sess.orch.Retry(ctx)
		return s.commit(ctx, sess), nil
	}

	s.launch(sess, func(ctx context.Context) (onboarding.State, error) {
		return sess.orch.Retry(ctx)
	})
	return s.commit(ctx, sess), nil
}

// Reset abandons everything and returns the flow to a fresh destination step
func (s *FlowService) Reset(ctx context.Context, flowID string) (*View, error) {
	sess, err := s.get(flowID)
	if err != nil {
		return nil, err
	}
	sess.setCancel(nil)
	sess.orch.Reset(ctx)
	sess.otp.Restart()
	return s.commit(ctx, sess), nil
}

// Messages drains the host messages queued for the flow
func (s *FlowService) Messages(ctx context.Context, flowID string) ([]relay.Envelope, error) {
	if _, err := s.get(flowID); err != nil {
		return nil, err
	}
	envs, err := s.deps.Outbox.Drain(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to drain host messages: %w", err)
	}
	return envs, nil
}

// View returns the live view, or the last persisted one when the flow is gone from this instance
func (s *FlowService) View(ctx context.Context, flowID string) (*View, error) {
	sess, err := s.get(flowID)
	if err == nil {
		return s.view(sess), nil
	}
	if s.deps.Snapshots == nil {
		return nil, err
	}

	var v View
	if lerr := s.deps.Snapshots.Load(ctx, flowID, &v); lerr != nil {
		return nil, ErrFlowNotFound
	}
	v.Detached = true
	return &v, nil
}

func (s *FlowService) startRun(sess *session, p onboarding.Params) {
	s.launch(sess, func(ctx context.Context) (onboarding.State, error) {
		return sess.orch.Run(ctx, p)
	})
}

func (s *FlowService) launch(sess *session, fn func(ctx context.Context) (onboarding.State, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	sess.setCancel(cancel)

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer cancel()

		st, err := fn(ctx)
		switch {
		case err == nil:
			s.logger.Info("Onboarding finished", zap.String("flow_id", sess.id), zap.String("phase", string(st.Phase)))
		case errors.Is(err, onboarding.ErrStale):
			s.logger.Debug("Onboarding run superseded", zap.String("flow_id", sess.id))
		default:
			s.logger.Warn("Onboarding stopped", zap.String("flow_id", sess.id), zap.String("phase", string(st.Phase)), zap.Error(err))
		}
		s.persist(context.Background(), s.view(sess))
	}()
}

func (s *FlowService) view(sess *session) *View {
	return &View{
		FlowID:     sess.id,
		Mode:       sess.mode,
		OTP:        sess.otp.Snapshot(),
		Onboarding: sess.orch.State(),
		Running:    sess.orch.Running(),
		UpdatedAt:  s.clock.Now().UTC(),
	}
}

func (s *FlowService) commit(ctx context.Context, sess *session) *View {
	v := s.view(sess)
	s.persist(ctx, v)
	return v
}

func (s *FlowService) persist(ctx context.Context, v *View) {
	if s.deps.Snapshots == nil {
		return
	}
	if err := s.deps.Snapshots.Save(context.WithoutCancel(ctx), v.FlowID, v); err != nil {
		s.logger.Debug("Flow snapshot not saved", zap.String("flow_id", v.FlowID), zap.Error(err))
	}
}

// Sweep closes flows idle for longer than the session TTL and returns how many it closed
func (s *FlowService) Sweep(ctx context.Context) int {
	cutoff := s.clock.Now().Add(-s.ttl)

	s.mu.Lock()
	var expired []*session
	for id, sess := range s.sessions {
		if sess.idleSince().Before(cutoff) {
			expired = append(expired, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		s.closeSession(ctx, sess)
	}
	if len(expired) > 0 {
		s.logger.Info("Expired flows closed", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// StartJanitor sweeps expired flows every interval until ctx is done
func (s *FlowService) StartJanitor(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.Sweep(ctx)
			}
		}
	}()
}

func (s *FlowService) closeSession(ctx context.Context, sess *session) {
	sess.setCancel(nil)
	sess.otp.Close()
	if s.deps.Snapshots != nil {
		if err := s.deps.Snapshots.Delete(context.WithoutCancel(ctx), sess.id); err != nil {
			s.logger.Debug("Flow snapshot not deleted", zap.String("flow_id", sess.id), zap.Error(err))
		}
	}
}

// Close cancels every run in flight and waits for them to return
func (s *FlowService) Close() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.setCancel(nil)
		sess.otp.Close()
	}
	s.runs.Wait()
}
