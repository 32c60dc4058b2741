package profile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"onboard-service/internal/apperr"
	"onboard-service/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAPI struct {
	profiles map[string]Profile
	created  []Profile
	failPost bool
}

func (a *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		p, ok := a.profiles[r.URL.Query().Get("email")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"success":false,"message":"user not found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "data": p})
	case http.MethodPost:
		if a.failPost {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var p Profile
		_ = json.NewDecoder(r.Body).Decode(&p)
		a.created = append(a.created, p)
		p.ID = "profile-1"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "data": p})
	}
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return NewClient(config.ProfileConfig{BaseURL: srv.URL, Timeout: 2 * time.Second}, zap.NewNop())
}

func TestUpsert_CreatesMissingProfile(t *testing.T) {
	api := &fakeAPI{profiles: map[string]Profile{}}
	c := newTestClient(t, api)

	p, created, err := c.Upsert(context.Background(), "lapo@example.com", "So1anaPub", Defaults{
		Pin:        "0000",
		Bio:        "just a lapo boy",
		PictureURL: "https://assets.example.com/solana.png",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "profile-1", p.ID)

	require.Len(t, api.created, 1)
	assert.Equal(t, Profile{
		Username:       "lapo",
		Email:          "lapo@example.com",
		Address:        "So1anaPub",
		Pin:            "0000",
		Bio:            "just a lapo boy",
		ProfilePicture: "https://assets.example.com/solana.png",
	}, api.created[0])
}

func TestUpsert_ExistingProfileIsNotDuplicated(t *testing.T) {
	api := &fakeAPI{profiles: map[string]Profile{
		"lapo@example.com": {ID: "p-7", Username: "lapo", Email: "lapo@example.com"},
	}}
	c := newTestClient(t, api)

	p, created, err := c.Upsert(context.Background(), "lapo@example.com", "So1anaPub", Defaults{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "p-7", p.ID)
	assert.Empty(t, api.created)
}

func TestUpsert_CreateFailureIsNetworkError(t *testing.T) {
	api := &fakeAPI{profiles: map[string]Profile{}, failPost: true}
	c := newTestClient(t, api)

	_, _, err := c.Upsert(context.Background(), "lapo@example.com", "So1anaPub", Defaults{})
	assert.True(t, apperr.IsNetwork(err))
}

func TestCreate_SuccessFalseIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"username taken"}`))
	}))
	defer srv.Close()
	c := NewClient(config.ProfileConfig{BaseURL: srv.URL, Timeout: time.Second}, zap.NewNop())

	p, err := c.Create(context.Background(), Profile{Username: "lapo", Email: "lapo@example.com"})
	assert.Nil(t, p)

	var netErr *apperr.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "create", netErr.Op)
	assert.Equal(t, http.StatusOK, netErr.StatusCode)
	assert.ErrorContains(t, err, "username taken")
}

func TestGetByEmail_SuccessFalseIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"no user","data":null}`))
	}))
	defer srv.Close()
	c := NewClient(config.ProfileConfig{BaseURL: srv.URL, Timeout: time.Second}, zap.NewNop())

	_, err := c.GetByEmail(context.Background(), "x@example.com")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestGetByEmail_Unreachable(t *testing.T) {
	c := NewClient(config.ProfileConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, zap.NewNop())

	_, err := c.GetByEmail(context.Background(), "x@example.com")
	assert.True(t, apperr.IsNetwork(err))
}
