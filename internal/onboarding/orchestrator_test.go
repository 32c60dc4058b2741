package onboarding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"onboard-service/internal/apperr"
	"onboard-service/internal/identity"
	"onboard-service/internal/keynet"
	"onboard-service/internal/models"
	"onboard-service/internal/profile"
	"onboard-service/internal/relay"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeKeys struct {
	authErr     error
	accounts    []keynet.Account
	mintErr     error
	sigsErr     error
	listErr     error
	stored      []keynet.StoredKeyMetadata
	generateErr error
	exportErr   error
	lastSession keynet.SessionRequest
	block       chan struct{}
}

func newFakeKeys() *fakeKeys {
	return &fakeKeys{
		accounts: []keynet.Account{{TokenID: "0x01", PublicKey: "0xpub", EthAddress: "0xeth"}},
		stored:   []keynet.StoredKeyMetadata{{ID: "key-1", PublicKey: "SoLaNaAddr1111"}},
	}
}

func (k *fakeKeys) AuthenticateWithOTP(ctx context.Context, jwt string) (*keynet.AuthMethod, error) {
	if k.block != nil {
		<-k.block
	}
	if k.authErr != nil {
		return nil, k.authErr
	}
	return &keynet.AuthMethod{Type: keynet.AuthMethodOTP, AccessToken: jwt}, nil
}

func (k *fakeKeys) FetchAccounts(ctx context.Context, m *keynet.AuthMethod) ([]keynet.Account, error) {
	return k.accounts, nil
}

func (k *fakeKeys) MintAccount(ctx context.Context, m *keynet.AuthMethod) (*keynet.Account, error) {
	if k.mintErr != nil {
		return nil, k.mintErr
	}
	return &keynet.Account{TokenID: "0x02", PublicKey: "0xnew"}, nil
}

func (k *fakeKeys) SessionSigs(ctx context.Context, req keynet.SessionRequest) (keynet.SessionSigs, error) {
	k.lastSession = req
	if k.sigsErr != nil {
		return nil, k.sigsErr
	}
	return keynet.SessionSigs{"https://node-1": {Sig: "sig", Address: req.Account.EthAddress}}, nil
}

func (k *fakeKeys) ListWrappedKeys(ctx context.Context, sigs keynet.SessionSigs) ([]keynet.StoredKeyMetadata, error) {
	return k.stored, k.listErr
}

func (k *fakeKeys) GenerateWrappedKey(ctx context.Context, sigs keynet.SessionSigs, curve, memo string) (*keynet.WrappedKey, error) {
	if k.generateErr != nil {
		return nil, k.generateErr
	}
	return &keynet.WrappedKey{ID: "key-new", GeneratedPublicKey: "SoLaNaAddrNew"}, nil
}

func (k *fakeKeys) ExportPrivateKey(ctx context.Context, sigs keynet.SessionSigs, curve, keyID string) (*keynet.ExportedKey, error) {
	if k.exportErr != nil {
		return nil, k.exportErr
	}
	return &keynet.ExportedKey{ID: keyID, DecryptedPrivateKey: "secret-" + keyID}, nil
}

type fakeProfiles struct {
	mu       sync.Mutex
	err      error
	calls    int
	defaults profile.Defaults
}

func (p *fakeProfiles) Upsert(ctx context.Context, email, address string, d profile.Defaults) (*profile.Profile, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.defaults = d
	if p.err != nil {
		return nil, false, p.err
	}
	return &profile.Profile{Email: email, Address: address}, true, nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []*models.FlowEvent
}

func (r *recordingEvents) PublishFlowEvent(ctx context.Context, ev *models.FlowEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEvents) phases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Phase)
	}
	return out
}

type recordingStore struct {
	recs []*models.OnboardingRecord
}

func (s *recordingStore) SaveOnboarding(ctx context.Context, rec *models.OnboardingRecord, email string) error {
	s.recs = append(s.recs, rec)
	return nil
}

// rejectingSink refuses one message type and queues the rest
type rejectingSink struct {
	*relay.MemorySink
	reject relay.MessageType
	err    error
}

func (s *rejectingSink) Publish(ctx context.Context, env relay.Envelope) error {
	if env.Message.Type == s.reject {
		return s.err
	}
	return s.MemorySink.Publish(ctx, env)
}

type harness struct {
	keys     *fakeKeys
	profiles *fakeProfiles
	sink     *relay.MemorySink
	rejected *rejectingSink
	events   *recordingEvents
	records  *recordingStore
	clock    *clockwork.FakeClock
}

func newHarness() *harness {
	return &harness{
		keys:     newFakeKeys(),
		profiles: &fakeProfiles{},
		sink:     relay.NewMemorySink(),
		events:   &recordingEvents{},
		records:  &recordingStore{},
		clock:    clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
}

func (h *harness) orchestrator(mode Mode) *Orchestrator {
	var sink relay.Sink = h.sink
	if h.rejected != nil {
		sink = h.rejected
	}
	deps := Deps{
		Keys:     h.keys,
		Profiles: h.profiles,
		Relay:    relay.NewRelayer(sink, zap.NewNop()),
		Events:   h.events,
		Records:  h.records,
		Clock:    h.clock,
		Logger:   zap.NewNop(),
	}
	opts := Options{
		MaxRetries:       3,
		Chain:            "solana",
		Curve:            "solana",
		KeyMemo:          "WrappedKey for Solana",
		LoginExpiration:  7 * 24 * time.Hour,
		SignupExpiration: 10 * time.Minute,
		BlockingUpsert:   true,
		SignupDefaults:   profile.Defaults{Pin: "0000", Bio: "just a lapo boy"},
	}
	return NewOrchestrator("flow-1", mode, deps, opts)
}

func params() Params {
	return Params{
		Session:     &identity.Session{JWT: "session.jwt", UserID: "user-live-1"},
		Channel:     identity.ChannelEmail,
		Destination: "ada@example.com",
	}
}

func (h *harness) relayed(t *testing.T) map[relay.MessageType]relay.Message {
	t.Helper()
	envs, err := h.sink.Drain(context.Background(), "flow-1")
	require.NoError(t, err)
	out := make(map[relay.MessageType]relay.Message, len(envs))
	for _, env := range envs {
		out[env.Message.Type] = env.Message
	}
	return out
}

func TestRun_Login(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(ModeLogin)

	st, err := o.Run(context.Background(), params())
	require.NoError(t, err)

	assert.Equal(t, PhaseAuthenticated, st.Phase)
	assert.Equal(t, "SoLaNaAddr1111", st.Address)
	assert.Equal(t, "key-1", st.KeyID)

	msgs := h.relayed(t)
	assert.Len(t, msgs, 5)
	assert.Equal(t, "SoLaNaAddr1111", msgs[relay.TypeAddress].Fields["address"])
	assert.Equal(t, "secret-key-1", msgs[relay.TypePrivateKey].Fields["privateKey"])
	assert.Equal(t, "ada@example.com", msgs[relay.TypeEmail].Fields["email"])
	assert.Equal(t, "true", msgs[relay.TypeIsLogin].Fields["isLogin"])
	assert.Contains(t, msgs[relay.TypeAuthSuccess].Fields["sessionSig"], "https://node-1")

	assert.Equal(t, h.clock.Now().Add(7*24*time.Hour).UTC(), h.keys.lastSession.Expiration)
	assert.Equal(t, keynet.PKPSigning, h.keys.lastSession.Abilities[0].Ability)

	assert.Equal(t, []string{
		"authenticating", "fetching_accounts", "creating_session",
		"fetching_keys", "finalizing", "authenticated",
	}, h.events.phases())

	require.Len(t, h.records.recs, 1)
	assert.Equal(t, "user-live-1", h.records.recs[0].UserID)
	assert.Equal(t, "login", h.records.recs[0].Mode)
}

func TestRun_SignupUsesDefaultsAndExpiration(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(ModeSignup)

	st, err := o.Run(context.Background(), params())
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, st.Phase)
	assert.Equal(t, "SoLaNaAddrNew", st.Address)
	assert.Equal(t, "0000", h.profiles.defaults.Pin)
	assert.Equal(t, h.clock.Now().Add(10*time.Minute).UTC(), h.keys.lastSession.Expiration)
	assert.Equal(t, "false", h.relayed(t)[relay.TypeIsLogin].Fields["isLogin"])
}

func TestRun_LoginWithoutAccount(t *testing.T) {
	h := newHarness()
	h.keys.accounts = nil
	o := h.orchestrator(ModeLogin)

	st, err := o.Run(context.Background(), params())

	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindAccountCreation, fe.Kind)
	assert.False(t, fe.Recoverable)
	assert.Equal(t, PhaseError, st.Phase)

	_, err = o.Retry(context.Background())
	assert.ErrorIs(t, err, ErrNotRecoverable)
}

func TestRun_ProviderMessageSurfacedVerbatim(t *testing.T) {
	h := newHarness()
	h.keys.authErr = &apperr.ProviderError{Provider: "keynet", Message: "JWT has expired"}
	o := h.orchestrator(ModeLogin)

	st, err := o.Run(context.Background(), params())
	require.Error(t, err)
	assert.Equal(t, KindAuth, st.Error.Kind)
	assert.Equal(t, "JWT has expired", st.Error.Message)
	assert.True(t, st.Error.Recoverable)
}

func TestRun_KeyFailures(t *testing.T) {
	h := newHarness()
	h.keys.stored = nil
	st, err := h.orchestrator(ModeLogin).Run(context.Background(), params())
	require.Error(t, err)
	assert.Equal(t, KindKeyGeneration, st.Error.Kind)
	assert.Equal(t, "Failed to fetch wallet keys", st.Error.Message)

	h = newHarness()
	h.keys.generateErr = errors.New("node timeout")
	st, err = h.orchestrator(ModeSignup).Run(context.Background(), params())
	require.Error(t, err)
	assert.Equal(t, "Failed to generate wallet keys", st.Error.Message)
}

func TestRun_RelayFailureIsNetworkError(t *testing.T) {
	h := newHarness()
	h.rejected = &rejectingSink{MemorySink: h.sink, reject: relay.TypePrivateKey, err: errors.New("outbox down")}
	o := h.orchestrator(ModeSignup)

	st, err := o.Run(context.Background(), params())
	require.Error(t, err)
	assert.Equal(t, KindNetwork, st.Error.Kind)
	assert.Equal(t, "Failed to complete signup process", st.Error.Message)
	assert.Zero(t, h.profiles.calls, "profile upsert waits for the relays")

	msgs := h.relayed(t)
	assert.Contains(t, msgs, relay.TypePrivateKeyErr)
}

func TestRun_ProfileFailureIsUserCreationError(t *testing.T) {
	h := newHarness()
	h.profiles.err = &apperr.NetworkError{Service: "profile", Op: "create", StatusCode: 500}
	o := h.orchestrator(ModeSignup)

	st, err := o.Run(context.Background(), params())
	require.Error(t, err)
	assert.Equal(t, KindUserCreation, st.Error.Kind)
	assert.Equal(t, "Failed to create user account", st.Error.Message)
	assert.Empty(t, h.records.recs)
}

func TestRun_PhoneChannelSkipsEmailAndProfile(t *testing.T) {
	h := newHarness()
	p := params()
	p.Channel = identity.ChannelPhone
	p.Destination = "+14155550123"

	st, err := h.orchestrator(ModeLogin).Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, PhaseAuthenticated, st.Phase)
	assert.Zero(t, h.profiles.calls)
	assert.NotContains(t, h.relayed(t), relay.TypeEmail)
}

func TestRetry_RerunsUntilCeiling(t *testing.T) {
	h := newHarness()
	h.keys.sigsErr = errors.New("nodes unreachable")
	o := h.orchestrator(ModeLogin)

	_, err := o.Run(context.Background(), params())
	require.Error(t, err)

	for i := 1; i <= 3; i++ {
		st, err := o.Retry(context.Background())
		require.Error(t, err)
		assert.Equal(t, i, st.RetryCount)
		assert.Equal(t, KindAuth, st.Error.Kind)
	}

	st, err := o.Retry(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Maximum retry attempts exceeded", st.Error.Message)
	assert.False(t, st.Error.Recoverable)

	h.keys.sigsErr = nil
	o.Reset(context.Background())
	st, err = o.Run(context.Background(), params())
	require.NoError(t, err)
	assert.Equal(t, PhaseAuthenticated, st.Phase)
}

func TestRetry_SucceedsAfterTransientFailure(t *testing.T) {
	h := newHarness()
	h.keys.listErr = errors.New("transient")
	o := h.orchestrator(ModeLogin)

	_, err := o.Run(context.Background(), params())
	require.Error(t, err)

	h.keys.listErr = nil
	st, err := o.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseAuthenticated, st.Phase)
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, 1, h.records.recs[0].RetryCount)
}

func TestRun_ResetMidRunDropsResult(t *testing.T) {
	h := newHarness()
	h.keys.block = make(chan struct{})
	o := h.orchestrator(ModeLogin)

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), params())
		done <- err
	}()

	require.Eventually(t, func() bool { return o.State().Phase == PhaseAuthenticating }, time.Second, 5*time.Millisecond)
	o.Reset(context.Background())
	close(h.keys.block)

	assert.ErrorIs(t, <-done, ErrStale)
	assert.Equal(t, PhaseIdle, o.State().Phase)
	assert.Empty(t, h.relayed(t))
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	h := newHarness()
	h.keys.block = make(chan struct{})
	o := h.orchestrator(ModeLogin)

	go func() { _, _ = o.Run(context.Background(), params()) }()
	require.Eventually(t, o.Running, time.Second, 5*time.Millisecond)

	_, err := o.Run(context.Background(), params())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	close(h.keys.block)
}

func TestRun_NeedsSession(t *testing.T) {
	o := newHarness().orchestrator(ModeLogin)
	_, err := o.Run(context.Background(), Params{})
	assert.ErrorIs(t, err, ErrNoSession)
}
