package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"onboard-service/internal/apperr"
	"onboard-service/internal/config"
	"onboard-service/internal/util"

	"go.uber.org/zap"
)

const providerName = "identity"

// Client talks to the OTP identity provider's REST API
type Client struct {
	baseURL         string
	projectID       string
	secret          string
	emailExpiration time.Duration
	http            *http.Client
	logger          *zap.Logger
}

func NewClient(cfg config.IdentityConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		projectID:       cfg.ProjectID,
		secret:          cfg.Secret,
		emailExpiration: cfg.EmailExpiration,
		http:            &http.Client{Timeout: cfg.Timeout},
		logger:          logger,
	}
}

type sendResponse struct {
	UserID   string `json:"user_id"`
	EmailID  string `json:"email_id"`
	PhoneID  string `json:"phone_id"`
	MethodID string `json:"method_id"`
}

type errorResponse struct {
	StatusCode   int    `json:"status_code"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
}

// LoginOrCreate sends a passcode to destination and returns the method id needed to verify it
func (c *Client) LoginOrCreate(ctx context.Context, channel Channel, destination string) (string, error) {
	var (
		path string
		body map[string]interface{}
	)
	switch channel {
	case ChannelEmail:
		path = "/v1/otps/email/login_or_create"
		body = map[string]interface{}{"email": destination}
		if c.emailExpiration > 0 {
			body["expiration_minutes"] = int(c.emailExpiration / time.Minute)
		}
	case ChannelPhone:
		path = "/v1/otps/sms/login_or_create"
		body = map[string]interface{}{"phone_number": destination}
	default:
		return "", fmt.Errorf("unsupported channel %q", channel)
	}

	var resp sendResponse
	if err := c.post(ctx, "login_or_create", path, body, &resp); err != nil {
		return "", err
	}

	methodID := resp.MethodID
	if methodID == "" {
		if channel == ChannelEmail {
			methodID = resp.EmailID
		} else {
			methodID = resp.PhoneID
		}
	}
	if methodID == "" {
		return "", &apperr.ProviderError{Provider: providerName, Op: "login_or_create", Message: "provider returned no method id"}
	}

	c.logger.Debug("Passcode sent",
		util.String("channel", string(channel)),
		util.String("user_id", resp.UserID),
	)
	return methodID, nil
}

// Authenticate verifies code against methodID and opens a session of the given duration
func (c *Client) Authenticate(ctx context.Context, code, methodID string, sessionDuration time.Duration) (*Session, error) {
	body := map[string]interface{}{
		"method_id":                methodID,
		"code":                     code,
		"session_duration_minutes": int(sessionDuration / time.Minute),
	}

	var session Session
	if err := c.post(ctx, "authenticate", "/v1/otps/authenticate", body, &session); err != nil {
		return nil, err
	}
	if session.JWT == "" {
		return nil, &apperr.ProviderError{Provider: providerName, Op: "authenticate", Message: "provider returned an incomplete session"}
	}

	// the subject stands in for a user_id the response left out
	if claims, err := InspectSessionJWT(session.JWT); err == nil {
		if session.UserID == "" {
			session.UserID = claims.Subject
		}
		if !claims.ExpiresAt.IsZero() && claims.ExpiresAt.Before(time.Now()) {
			return nil, &apperr.ProviderError{Provider: providerName, Op: "authenticate", Message: "provider returned an expired session"}
		}
	} else {
		c.logger.Debug("Session JWT is not inspectable", util.ErrorField(err))
	}

	if session.UserID == "" {
		return nil, &apperr.ProviderError{Provider: providerName, Op: "authenticate", Message: "provider returned an incomplete session"}
	}
	return &session, nil
}

func (c *Client) post(ctx context.Context, op, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.projectID, c.secret)

	res, err := c.http.Do(req)
	if err != nil {
		return &apperr.NetworkError{Service: providerName, Op: op, Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return &apperr.NetworkError{Service: providerName, Op: op, StatusCode: res.StatusCode, Err: err}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var e errorResponse
		if jerr := json.Unmarshal(raw, &e); jerr != nil || (e.ErrorMessage == "" && e.ErrorType == "") {
			if res.StatusCode >= 500 {
				return &apperr.NetworkError{Service: providerName, Op: op, StatusCode: res.StatusCode}
			}
			return &apperr.ProviderError{Provider: providerName, Op: op, StatusCode: res.StatusCode}
		}
		return &apperr.ProviderError{
			Provider:   providerName,
			Op:         op,
			Code:       e.ErrorType,
			StatusCode: res.StatusCode,
			Message:    e.ErrorMessage,
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
