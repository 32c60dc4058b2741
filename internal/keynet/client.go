package keynet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"onboard-service/internal/apperr"
	"onboard-service/internal/config"

	"go.uber.org/zap"
)

const serviceName = "keynet"

type Client struct {
	baseURL string
	apiKey  string
	network string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(cfg config.KeyNetworkConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		network: cfg.Network,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// AuthenticateWithOTP exchanges an identity session JWT for a network auth method
func (c *Client) AuthenticateWithOTP(ctx context.Context, sessionJWT string) (*AuthMethod, error) {
	var out AuthMethod
	if err := c.post(ctx, "authenticate", "/auth/otp", map[string]string{"accessToken": sessionJWT}, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		out.AccessToken = sessionJWT
	}
	if out.Type == 0 {
		out.Type = AuthMethodOTP
	}
	return &out, nil
}

func (c *Client) FetchAccounts(ctx context.Context, method *AuthMethod) ([]Account, error) {
	var out struct {
		Accounts []Account `json:"pkps"`
	}
	if err := c.post(ctx, "fetch_accounts", "/accounts/fetch", map[string]interface{}{"authMethod": method}, &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

func (c *Client) MintAccount(ctx context.Context, method *AuthMethod) (*Account, error) {
	var out Account
	if err := c.post(ctx, "mint_account", "/accounts/mint", map[string]interface{}{"authMethod": method}, &out); err != nil {
		return nil, err
	}
	if out.PublicKey == "" {
		return nil, &apperr.ProviderError{Provider: serviceName, Op: "mint_account", Message: "network minted an account without a public key"}
	}
	return &out, nil
}

func (c *Client) SessionSigs(ctx context.Context, req SessionRequest) (SessionSigs, error) {
	var out SessionSigs
	if err := c.post(ctx, "session_sigs", "/session-sigs", req, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, &apperr.ProviderError{Provider: serviceName, Op: "session_sigs", Message: "network returned no session signatures"}
	}
	return out, nil
}

func (c *Client) ListWrappedKeys(ctx context.Context, sigs SessionSigs) ([]StoredKeyMetadata, error) {
	var out []StoredKeyMetadata
	if err := c.post(ctx, "list_keys", "/wrapped-keys/list", map[string]interface{}{"pkpSessionSigs": sigs}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GenerateWrappedKey(ctx context.Context, sigs SessionSigs, curve, memo string) (*WrappedKey, error) {
	body := map[string]interface{}{
		"pkpSessionSigs": sigs,
		"network":        curve,
		"memo":           memo,
	}
	var out WrappedKey
	if err := c.post(ctx, "generate_key", "/wrapped-keys/generate", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ExportPrivateKey(ctx context.Context, sigs SessionSigs, curve, keyID string) (*ExportedKey, error) {
	body := map[string]interface{}{
		"pkpSessionSigs": sigs,
		"network":        curve,
		"id":             keyID,
	}
	var out ExportedKey
	if err := c.post(ctx, "export_key", "/wrapped-keys/export", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
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
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.network != "" {
		req.Header.Set("X-Network", c.network)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return &apperr.NetworkError{Service: serviceName, Op: op, Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return &apperr.NetworkError{Service: serviceName, Op: op, StatusCode: res.StatusCode, Err: err}
	}

	if res.StatusCode >= 500 {
		return &apperr.NetworkError{Service: serviceName, Op: op, StatusCode: res.StatusCode}
	}
	if res.StatusCode >= 300 {
		var e struct {
			ErrorKind string `json:"errorKind"`
			Message   string `json:"message"`
		}
		_ = json.Unmarshal(raw, &e)
		return &apperr.ProviderError{Provider: serviceName, Op: op, Code: e.ErrorKind, StatusCode: res.StatusCode, Message: e.Message}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	c.logger.Debug("Key network call completed", zap.String("op", op))
	return nil
}
