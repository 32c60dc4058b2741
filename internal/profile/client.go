// Package profile talks to the remote profile API that owns user profiles.
package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"onboard-service/internal/apperr"
	"onboard-service/internal/config"
	"onboard-service/internal/util"

	"go.uber.org/zap"
)

const serviceName = "profile"

type Profile struct {
	ID             string     `json:"id,omitempty"`
	Username       string     `json:"username"`
	Email          string     `json:"email"`
	Address        string     `json:"address"`
	Pin            string     `json:"pin"`
	Bio            string     `json:"bio,omitempty"`
	ProfilePicture string     `json:"profilePicture,omitempty"`
	CreatedAt      *time.Time `json:"createdAt,omitempty"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
}

// Defaults fill the optional fields of a newly created profile
type Defaults struct {
	Pin        string
	Bio        string
	PictureURL string
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(cfg config.ProfileConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// GetByEmail looks a profile up; a missing profile is reported as apperr.ErrNotFound
func (c *Client) GetByEmail(ctx context.Context, email string) (*Profile, error) {
	endpoint := c.baseURL + "/profile?email=" + url.QueryEscape(email)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}

	env, status, err := c.do(req, "lookup")
	if err != nil {
		if status == http.StatusNotFound {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	if !env.Success || isEmpty(env.Data) {
		return nil, apperr.ErrNotFound
	}

	var p Profile
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

func (c *Client) Create(ctx context.Context, p Profile) (*Profile, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/profile", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	env, status, err := c.do(req, "create")
	if err != nil {
		return nil, err
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "profile service reported failure"
		}
		return nil, &apperr.NetworkError{Service: serviceName, Op: "create", StatusCode: status, Err: errors.New(msg)}
	}

	created := p
	if !isEmpty(env.Data) {
		if err := json.Unmarshal(env.Data, &created); err != nil {
			c.logger.Debug("Profile create returned unparseable data", zap.Error(err))
			created = p
		}
	}
	return &created, nil
}

// Upsert returns the profile for email, creating it with address and d when absent
func (c *Client) Upsert(ctx context.Context, email, address string, d Defaults) (*Profile, bool, error) {
	existing, err := c.GetByEmail(ctx, email)
	if err == nil {
		c.logger.Debug("Profile already exists", util.Email("email", email))
		return existing, false, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, false, err
	}

	created, err := c.Create(ctx, Profile{
		Username:       util.EmailLocalPart(email),
		Email:          email,
		Address:        address,
		Pin:            d.Pin,
		Bio:            d.Bio,
		ProfilePicture: d.PictureURL,
	})
	if err != nil {
		return nil, false, err
	}
	c.logger.Info("Profile created", util.Email("email", email))
	return created, true, nil
}

func (c *Client) do(req *http.Request, op string) (*envelope, int, error) {
	res, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &apperr.NetworkError{Service: serviceName, Op: op, Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, res.StatusCode, &apperr.NetworkError{Service: serviceName, Op: op, StatusCode: res.StatusCode, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, res.StatusCode, &apperr.NetworkError{Service: serviceName, Op: op, StatusCode: res.StatusCode}
	}

	var env envelope
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, res.StatusCode, &apperr.NetworkError{Service: serviceName, Op: op, StatusCode: res.StatusCode, Err: err}
		}
	} else {
		env.Success = true
	}
	return &env, res.StatusCode, nil
}

func isEmpty(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null" || s == "[]" || s == "{}"
}
