package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"onboard-service/internal/apperr"
	"onboard-service/internal/identity"
	"onboard-service/internal/onboarding"
	"onboard-service/internal/otp"
	"onboard-service/internal/relay"
	"onboard-service/internal/service"
	"onboard-service/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeFlows struct {
	created   onboarding.Mode
	channel   identity.Channel
	submitted string
	input     otp.InputEvent
	err       error
	messages  []relay.Envelope
}

func (f *fakeFlows) view(flowID string) *service.View {
	return &service.View{FlowID: flowID, Mode: onboarding.ModeLogin, Onboarding: onboarding.NewState(onboarding.ModeLogin)}
}

func (f *fakeFlows) CreateFlow(ctx context.Context, mode onboarding.Mode, channel identity.Channel) (*service.Created, error) {
	f.created = mode
	f.channel = channel
	return &service.Created{FlowID: "flow-1", Token: "good", View: f.view("flow-1")}, nil
}

func (f *fakeFlows) Authorize(raw, flowID string) error {
	if raw != "good" {
		return token.ErrInvalidToken
	}
	if flowID != "flow-1" {
		return service.ErrFlowMismatch
	}
	return nil
}

func (f *fakeFlows) result(flowID string) (*service.View, error) {
	return f.view(flowID), f.err
}

func (f *fakeFlows) View(ctx context.Context, flowID string) (*service.View, error) {
	return f.result(flowID)
}

func (f *fakeFlows) SetChannel(ctx context.Context, flowID string, c identity.Channel) (*service.View, error) {
	f.channel = c
	return f.result(flowID)
}

func (f *fakeFlows) Submit(ctx context.Context, flowID, destination string) (*service.View, error) {
	f.submitted = destination
	return f.result(flowID)
}

func (f *fakeFlows) Input(ctx context.Context, flowID string, ev otp.InputEvent) (*service.View, error) {
	f.input = ev
	return f.result(flowID)
}

func (f *fakeFlows) Verify(ctx context.Context, flowID string) (*service.View, error) {
	return f.result(flowID)
}

func (f *fakeFlows) Resend(ctx context.Context, flowID string) (*service.View, error) {
	return f.result(flowID)
}

func (f *fakeFlows) Back(ctx context.Context, flowID string) (*service.View, error) {
	return f.result(flowID)
}

func (f *fakeFlows) Retry(ctx context.Context, flowID string) (*service.View, error) {
	return f.result(flowID)
}

func (f *fakeFlows) Reset(ctx context.Context, flowID string) (*service.View, error) {
	return f.result(flowID)
}

func (f *fakeFlows) Messages(ctx context.Context, flowID string) ([]relay.Envelope, error) {
	return f.messages, f.err
}

func newTestRouter(flows *fakeFlows, health HealthFunc) http.Handler {
	logger := zap.NewNop()
	return NewRouter(
		NewFlowHandler(flows, logger),
		NewPageHandler(time.Second, 6, logger),
		RouterOptions{AllowedOrigins: []string{"https://host.example"}, Health: health},
		logger,
	)
}

func do(t *testing.T, h http.Handler, method, path, auth, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestCreateFlow(t *testing.T) {
	flows := &fakeFlows{}
	rec, resp := do(t, newTestRouter(flows, nil), http.MethodPost, "/api/v1/flows", "", `{"mode":"signup","channel":"phone"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, onboarding.ModeSignup, flows.created)
	assert.Equal(t, identity.ChannelPhone, flows.channel)
}

func TestCreateFlow_BadMode(t *testing.T) {
	rec, resp := do(t, newTestRouter(&fakeFlows{}, nil), http.MethodPost, "/api/v1/flows", "", `{"mode":"register"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)
}

func TestFlowRoutes_RequireToken(t *testing.T) {
	router := newTestRouter(&fakeFlows{}, nil)

	rec, _ := do(t, router, http.MethodGet, "/api/v1/flows/flow-1", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, router, http.MethodGet, "/api/v1/flows/flow-1", "forged", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, router, http.MethodGet, "/api/v1/flows/flow-2", "good", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, router, http.MethodGet, "/api/v1/flows/flow-1", "good", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmit(t *testing.T) {
	flows := &fakeFlows{}
	router := newTestRouter(flows, nil)

	rec, _ := do(t, router, http.MethodPost, "/api/v1/flows/flow-1/otp/submit", "good", `{"destination":"  ada@example.com "}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ada@example.com", flows.submitted)

}

func TestSubmit_PassesAddressThrough(t *testing.T) {
	for _, addr := range []string{"description@corp.io", "a$b@example.com", "onload.team@example.com"} {
		t.Run(addr, func(t *testing.T) {
			flows := &fakeFlows{}
			rec, _ := do(t, newTestRouter(flows, nil), http.MethodPost, "/api/v1/flows/flow-1/otp/submit", "good", `{"destination":"`+addr+`"}`)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, addr, flows.submitted)
		})
	}
}

func TestInput_DecodesEvent(t *testing.T) {
	flows := &fakeFlows{}
	rec, _ := do(t, newTestRouter(flows, nil), http.MethodPost, "/api/v1/flows/flow-1/otp/input", "good", `{"event":"paste","index":0,"value":"123456"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, otp.InputEvent{Kind: otp.InputPaste, Index: 0, Value: "123456"}, flows.input)
}

func TestErrorStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", apperr.NewValidation("destination", "Please enter a valid email address"), http.StatusBadRequest},
		{"rate limited", apperr.ErrRateLimited, http.StatusTooManyRequests},
		{"busy", otp.ErrBusy, http.StatusTooManyRequests},
		{"wrong step", otp.ErrWrongStep, http.StatusConflict},
		{"not recoverable", onboarding.ErrNotRecoverable, http.StatusConflict},
		{"provider", &apperr.ProviderError{Provider: "identity", Message: "otp_code_not_found"}, http.StatusUnprocessableEntity},
		{"network", &apperr.NetworkError{Service: "profile", Op: "get", StatusCode: 503}, http.StatusBadGateway},
		{"missing", service.ErrFlowNotFound, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			flows := &fakeFlows{err: tc.err}
			rec, resp := do(t, newTestRouter(flows, nil), http.MethodPost, "/api/v1/flows/flow-1/otp/verify", "good", "")
			assert.Equal(t, tc.want, rec.Code)
			assert.Equal(t, tc.err.Error(), resp.Error)
			assert.NotNil(t, resp.Data, "view is returned with the error")
		})
	}
}

func TestMessages(t *testing.T) {
	msg, err := relay.NewMessage(relay.TypeAddress, map[string]interface{}{"address": "SoLaNa111"})
	require.NoError(t, err)
	flows := &fakeFlows{messages: []relay.Envelope{relay.NewEnvelope("flow-1", msg)}}

	rec, _ := do(t, newTestRouter(flows, nil), http.MethodGet, "/api/v1/flows/flow-1/messages", "good", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"SOLANA_ADDRESS"`)
	assert.Contains(t, rec.Body.String(), `"address":"SoLaNa111"`)
}

func TestPages(t *testing.T) {
	router := newTestRouter(&fakeFlows{}, nil)

	rec, _ := do(t, router, http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `content="1;url=/login"`)

	rec, _ = do(t, router, http.MethodGet, "/login", "", "")
	assert.Contains(t, rec.Body.String(), `href="/signup"`)
	assert.Contains(t, rec.Body.String(), `data-mode="login"`)
	assert.Equal(t, 6, strings.Count(rec.Body.String(), "data-index="))
	assert.Contains(t, rec.Body.String(), `postMessage(JSON.stringify(env.message), "*")`)

	rec, _ = do(t, router, http.MethodGet, "/signup", "", "")
	assert.Contains(t, rec.Body.String(), `href="/login"`)
}

func TestHealth(t *testing.T) {
	rec, _ := do(t, newTestRouter(&fakeFlows{}, nil), http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	degraded := func(ctx context.Context) map[string]error {
		return map[string]error{"redis": nil, "kafka": assert.AnError}
	}
	rec, _ = do(t, newTestRouter(&fakeFlows{}, degraded), http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"ok"`)
}
