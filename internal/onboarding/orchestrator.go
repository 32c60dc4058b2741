package onboarding

import (
	"context"
	"errors"
	"sync"
	"time"

	"onboard-service/internal/apperr"
	"onboard-service/internal/config"
	"onboard-service/internal/identity"
	"onboard-service/internal/keynet"
	"onboard-service/internal/models"
	"onboard-service/internal/profile"
	"onboard-service/internal/util"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyRunning = errors.New("onboarding already running")
	ErrStale          = errors.New("onboarding run superseded")
	ErrNoSession      = errors.New("no verified identity session")
)

// litActionResource is the session scope: sign with the account key from any action
const litActionResource = "lit-litaction://*"

// KeyNetwork is the key-management network as the orchestrator uses it
type KeyNetwork interface {
	AuthenticateWithOTP(ctx context.Context, sessionJWT string) (*keynet.AuthMethod, error)
	FetchAccounts(ctx context.Context, method *keynet.AuthMethod) ([]keynet.Account, error)
	MintAccount(ctx context.Context, method *keynet.AuthMethod) (*keynet.Account, error)
	SessionSigs(ctx context.Context, req keynet.SessionRequest) (keynet.SessionSigs, error)
	ListWrappedKeys(ctx context.Context, sigs keynet.SessionSigs) ([]keynet.StoredKeyMetadata, error)
	GenerateWrappedKey(ctx context.Context, sigs keynet.SessionSigs, curve, memo string) (*keynet.WrappedKey, error)
	ExportPrivateKey(ctx context.Context, sigs keynet.SessionSigs, curve, keyID string) (*keynet.ExportedKey, error)
}

type ProfileStore interface {
	Upsert(ctx context.Context, email, address string, d profile.Defaults) (*profile.Profile, bool, error)
}

// HostRelay posts the finalization messages to the embedding window
type HostRelay interface {
	Session(ctx context.Context, flowID string, sessionSig interface{}) error
	Address(ctx context.Context, flowID, address string) error
	Email(ctx context.Context, flowID, email string) error
	PrivateKey(ctx context.Context, flowID, privateKey string) error
	IsLogin(ctx context.Context, flowID string, isLogin bool) error
}

type EventPublisher interface {
	PublishFlowEvent(ctx context.Context, ev *models.FlowEvent) error
}

type RecordStore interface {
	SaveOnboarding(ctx context.Context, rec *models.OnboardingRecord, email string) error
}

type RecordIndex interface {
	Index(ctx context.Context, rec *models.OnboardingRecord) error
}

type Bucketer interface {
	GetEventBucket(flowID string) int
	GetDateBucket(t time.Time) string
}

// Deps are the collaborators of an orchestrator. Events, Records and Index are optional.
type Deps struct {
	Keys     KeyNetwork
	Profiles ProfileStore
	Relay    HostRelay
	Events   EventPublisher
	Records  RecordStore
	Index    RecordIndex
	Buckets  Bucketer
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

type Options struct {
	MaxRetries        int
	Chain             string
	Curve             string
	KeyMemo           string
	LoginExpiration   time.Duration
	SignupExpiration  time.Duration
	BlockingUpsert    bool
	LoginDefaults     profile.Defaults
	SignupDefaults    profile.Defaults
	BackgroundTimeout time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxRetries:       cfg.Flow.MaxRetries,
		Chain:            cfg.KeyNetwork.Chain,
		Curve:            cfg.KeyNetwork.Curve,
		KeyMemo:          cfg.KeyNetwork.KeyMemo,
		LoginExpiration:  cfg.Flow.LoginSessionExpiration,
		SignupExpiration: cfg.Flow.SignupSessionExpiration,
		BlockingUpsert:   cfg.Profile.BlockingUpsert,
		LoginDefaults:    profile.Defaults{Pin: cfg.Profile.LoginPin},
		SignupDefaults: profile.Defaults{
			Pin:        cfg.Profile.SignupPin,
			Bio:        cfg.Profile.SignupBio,
			PictureURL: cfg.Profile.SignupPictureURL,
		},
		BackgroundTimeout: cfg.Profile.Timeout,
	}
}

// Params is the verified identity a run starts from
type Params struct {
	Session *identity.Session
	Channel identity.Channel
	// Destination is the verified email address or phone number
	Destination string
}

func (p Params) email() string {
	if p.Channel == identity.ChannelEmail {
		return p.Destination
	}
	return ""
}

// Orchestrator runs the login or signup sequence for one flow
type Orchestrator struct {
	flowID string
	deps   Deps
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	epoch   uint64
	running bool
	params  *Params
}

func NewOrchestrator(flowID string, mode Mode, deps Deps, opts Options) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = util.Get()
	}
	return &Orchestrator{
		flowID: flowID,
		deps:   deps,
		opts:   opts,
		logger: deps.Logger.With(zap.String("flow_id", flowID), zap.String("mode", string(mode))),
		state:  NewState(mode),
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Run drives the flow from idle to its terminal phase. On failure the
// returned error is the *FlowError now attached to the state.
func (o *Orchestrator) Run(ctx context.Context, p Params) (State, error) {
	if p.Session == nil || p.Session.JWT == "" {
		return o.State(), ErrNoSession
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return o.State(), ErrAlreadyRunning
	}
	if o.state.Phase != PhaseIdle {
		st := o.state
		o.mu.Unlock()
		return st, ErrInvalidTransition
	}
	o.running = true
	o.params = &p
	r := &run{o: o, epoch: o.epoch, params: p, mode: o.state.Mode}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if o.epoch == r.epoch {
			o.running = false
		}
		o.mu.Unlock()
	}()

	err := r.execute(ctx)
	return o.State(), err
}

// Retry leaves a recoverable error and runs again with the last identity
func (o *Orchestrator) Retry(ctx context.Context) (State, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return o.State(), ErrAlreadyRunning
	}
	prev := o.state
	next, err := Reduce(prev, Action{Type: ActionRetry}, o.opts.MaxRetries)
	if err != nil {
		o.mu.Unlock()
		return prev, err
	}
	o.state = next
	params := o.params
	o.mu.Unlock()

	o.publish(ctx, models.FlowEventRetry, prev, next)
	if next.Phase == PhaseError {
		o.logger.Warn("Retry ceiling reached", zap.Int("retry_count", next.RetryCount))
		return next, next.Error
	}
	if params == nil {
		return next, nil
	}
	return o.Run(ctx, *params)
}

// Reset returns to idle with a zero retry count; a run in flight is abandoned
func (o *Orchestrator) Reset(ctx context.Context) State {
	o.mu.Lock()
	prev := o.state
	next, _ := Reduce(prev, Action{Type: ActionReset}, o.opts.MaxRetries)
	o.state = next
	o.epoch++
	o.running = false
	o.params = nil
	o.mu.Unlock()

	o.publish(ctx, models.FlowEventReset, prev, next)
	return next
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, prev, next State) {
	if o.deps.Events == nil {
		return
	}
	now := o.deps.Clock.Now().UTC()
	ev := &models.FlowEvent{
		FlowID:        o.flowID,
		EventTime:     now,
		EventType:     eventType,
		Mode:          string(next.Mode),
		Phase:         string(next.Phase),
		PreviousPhase: string(prev.Phase),
		RetryCount:    next.RetryCount,
	}
	if o.deps.Buckets != nil {
		ev.EventBucket = o.deps.Buckets.GetEventBucket(o.flowID)
		ev.EventDate = o.deps.Buckets.GetDateBucket(now)
	} else {
		ev.EventDate = now.Format("2006-01-02")
	}
	if next.Error != nil {
		ev.ErrorKind = string(next.Error.Kind)
		ev.ErrorMessage = next.Error.Message
		ev.Recoverable = next.Error.Recoverable
	}
	o.mu.Lock()
	if o.params != nil && o.params.Session != nil {
		ev.UserID = o.params.Session.UserID
	}
	o.mu.Unlock()

	if err := o.deps.Events.PublishFlowEvent(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn("Failed to publish flow event", zap.String("phase", ev.Phase), zap.Error(err))
	}
}

// run is a single pass through the phases under one epoch
type run struct {
	o      *Orchestrator
	epoch  uint64
	params Params
	mode   Mode
}

func (r *run) apply(ctx context.Context, a Action) error {
	o := r.o
	o.mu.Lock()
	if o.epoch != r.epoch {
		o.mu.Unlock()
		return ErrStale
	}
	prev := o.state
	next, err := Reduce(prev, a, o.opts.MaxRetries)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.state = next
	o.mu.Unlock()

	if prev.Phase != next.Phase || a.Type == ActionSetError {
		o.logger.Debug("Phase transition", zap.String("from", string(prev.Phase)), zap.String("to", string(next.Phase)))
		o.publish(ctx, models.FlowEventTransition, prev, next)
	}
	return nil
}

func (r *run) fail(ctx context.Context, kind ErrorKind, message string, recoverable bool, cause error) error {
	fe := &FlowError{Kind: kind, Message: message, Recoverable: recoverable, Err: cause}
	if err := r.apply(ctx, Action{Type: ActionSetError, Err: fe}); err != nil {
		return err
	}
	r.o.logger.Warn("Onboarding failed",
		zap.String("kind", string(kind)),
		zap.Bool("recoverable", recoverable),
		zap.Error(cause),
	)
	return fe
}

func (r *run) execute(ctx context.Context) error {
	o := r.o
	if err := r.apply(ctx, Action{Type: ActionStartAuth, Mode: r.mode}); err != nil {
		return err
	}

	method, err := o.deps.Keys.AuthenticateWithOTP(ctx, r.params.Session.JWT)
	if err != nil {
		return r.fail(ctx, KindAuth, describe(err, "Failed to authenticate with the wallet network"), true, err)
	}

	account, err := r.account(ctx, method)
	if err != nil {
		return err
	}

	sigs, err := r.session(ctx, method, account)
	if err != nil {
		return err
	}

	address, keyID, privateKey, err := r.keys(ctx, sigs)
	if err != nil {
		return err
	}
	if err := r.apply(ctx, Action{Type: ActionSetKeys, Address: address, KeyID: keyID}); err != nil {
		return err
	}

	return r.finalize(ctx, sigs, address, keyID, privateKey)
}

func (r *run) account(ctx context.Context, method *keynet.AuthMethod) (*keynet.Account, error) {
	keys := r.o.deps.Keys

	if r.mode == ModeLogin {
		if err := r.apply(ctx, Action{Type: ActionStartFetchingAccount}); err != nil {
			return nil, err
		}
		accounts, err := keys.FetchAccounts(ctx, method)
		if err != nil {
			return nil, r.fail(ctx, KindNetwork, describe(err, "Failed to fetch wallet accounts"), true, err)
		}
		if len(accounts) == 0 {
			return nil, r.fail(ctx, KindAccountCreation, "No wallet account found for this user, please sign up first", false, nil)
		}
		return &accounts[0], nil
	}

	if err := r.apply(ctx, Action{Type: ActionStartAccountCreation}); err != nil {
		return nil, err
	}
	account, err := keys.MintAccount(ctx, method)
	if err != nil {
		return nil, r.fail(ctx, KindAccountCreation, describe(err, "Failed to create wallet account"), true, err)
	}
	return account, nil
}

func (r *run) session(ctx context.Context, method *keynet.AuthMethod, account *keynet.Account) (keynet.SessionSigs, error) {
	if err := r.apply(ctx, Action{Type: ActionStartSession}); err != nil {
		return nil, err
	}

	o := r.o
	ttl := o.opts.LoginExpiration
	if r.mode == ModeSignup {
		ttl = o.opts.SignupExpiration
	}
	sigs, err := o.deps.Keys.SessionSigs(ctx, keynet.SessionRequest{
		AuthMethod: *method,
		Account:    *account,
		Chain:      o.opts.Chain,
		Expiration: o.deps.Clock.Now().Add(ttl).UTC(),
		Abilities:  []keynet.Ability{{Resource: litActionResource, Ability: keynet.PKPSigning}},
	})
	if err != nil {
		return nil, r.fail(ctx, KindAuth, describe(err, "Failed to create wallet session"), true, err)
	}
	if len(sigs) == 0 {
		return nil, r.fail(ctx, KindAuth, "Failed to create wallet session", true, nil)
	}
	return sigs, nil
}

// keys returns the wallet address, the wrapped key id and the decrypted private key
func (r *run) keys(ctx context.Context, sigs keynet.SessionSigs) (string, string, string, error) {
	o := r.o
	keys := o.deps.Keys

	if r.mode == ModeLogin {
		if err := r.apply(ctx, Action{Type: ActionStartKeyFetching}); err != nil {
			return "", "", "", err
		}
		const msg = "Failed to fetch wallet keys"
		stored, err := keys.ListWrappedKeys(ctx, sigs)
		if err != nil {
			return "", "", "", r.fail(ctx, KindKeyGeneration, msg, true, err)
		}
		if len(stored) == 0 {
			return "", "", "", r.fail(ctx, KindKeyGeneration, msg, true, nil)
		}
		exported, err := keys.ExportPrivateKey(ctx, sigs, o.opts.Curve, stored[0].ID)
		if err != nil || exported.DecryptedPrivateKey == "" {
			return "", "", "", r.fail(ctx, KindKeyGeneration, msg, true, err)
		}
		return stored[0].PublicKey, stored[0].ID, exported.DecryptedPrivateKey, nil
	}

	if err := r.apply(ctx, Action{Type: ActionStartKeyGeneration}); err != nil {
		return "", "", "", err
	}
	const msg = "Failed to generate wallet keys"
	generated, err := keys.GenerateWrappedKey(ctx, sigs, o.opts.Curve, o.opts.KeyMemo)
	if err != nil {
		return "", "", "", r.fail(ctx, KindKeyGeneration, msg, true, err)
	}
	if generated.GeneratedPublicKey == "" {
		return "", "", "", r.fail(ctx, KindKeyGeneration, msg, true, nil)
	}
	exported, err := keys.ExportPrivateKey(ctx, sigs, o.opts.Curve, generated.ID)
	if err != nil || exported.DecryptedPrivateKey == "" {
		return "", "", "", r.fail(ctx, KindKeyGeneration, msg, true, err)
	}
	return generated.GeneratedPublicKey, generated.ID, exported.DecryptedPrivateKey, nil
}

func (r *run) finalize(ctx context.Context, sigs keynet.SessionSigs, address, keyID, privateKey string) error {
	if err := r.apply(ctx, Action{Type: ActionStartFinalization}); err != nil {
		return err
	}

	o := r.o
	flowID := o.flowID
	email := r.params.email()
	relay := o.deps.Relay

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Session(gctx, flowID, sigs) })
	g.Go(func() error { return relay.Address(gctx, flowID, address) })
	if email != "" {
		g.Go(func() error { return relay.Email(gctx, flowID, email) })
	}
	g.Go(func() error { return relay.PrivateKey(gctx, flowID, privateKey) })
	g.Go(func() error { return relay.IsLogin(gctx, flowID, r.mode == ModeLogin) })
	if err := g.Wait(); err != nil {
		msg := "Failed to complete login process"
		if r.mode == ModeSignup {
			msg = "Failed to complete signup process"
		}
		return r.fail(ctx, KindNetwork, msg, true, err)
	}

	created := false
	if email != "" {
		if o.opts.BlockingUpsert {
			var err error
			if created, err = r.upsert(ctx, email, address); err != nil {
				return r.fail(ctx, KindUserCreation, "Failed to create user account", true, err)
			}
		} else {
			go r.upsertDetached(email, address)
		}
	}

	retries := o.State().RetryCount
	if err := r.apply(ctx, Action{Type: ActionComplete}); err != nil {
		return err
	}
	o.logger.Info("Onboarding complete",
		zap.String("address", util.FormatAddress(address)),
		zap.Int("retries", retries),
	)

	r.record(ctx, &models.OnboardingRecord{
		UserID:         r.params.Session.UserID,
		FlowID:         flowID,
		Mode:           string(r.mode),
		Channel:        string(r.params.Channel),
		Address:        address,
		KeyID:          keyID,
		ProfileCreated: created,
		RetryCount:     retries,
		CompletedAt:    o.deps.Clock.Now().UTC(),
	}, email)
	return nil
}

func (r *run) upsert(ctx context.Context, email, address string) (bool, error) {
	d := r.o.opts.LoginDefaults
	if r.mode == ModeSignup {
		d = r.o.opts.SignupDefaults
	}
	_, created, err := r.o.deps.Profiles.Upsert(ctx, email, address, d)
	return created, err
}

func (r *run) upsertDetached(email, address string) {
	timeout := r.o.opts.BackgroundTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := r.upsert(ctx, email, address); err != nil {
		r.o.logger.Error("Profile upsert failed", util.Email("email", email), zap.Error(err))
	}
}

// record keeps the completed onboarding; losing it does not fail the flow
func (r *run) record(ctx context.Context, rec *models.OnboardingRecord, email string) {
	o := r.o
	ctx = context.WithoutCancel(ctx)
	if o.deps.Records != nil && rec.UserID != "" {
		if err := o.deps.Records.SaveOnboarding(ctx, rec, email); err != nil {
			o.logger.Error("Failed to save onboarding record", zap.Error(err))
		}
	}
	if o.deps.Index != nil {
		if err := o.deps.Index.Index(ctx, rec); err != nil {
			o.logger.Warn("Failed to index onboarding record", zap.Error(err))
		}
	}
}

// describe surfaces a provider rejection verbatim and falls back to msg otherwise
func describe(err error, msg string) string {
	var pe *apperr.ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return msg
}
