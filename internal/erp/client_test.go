package erp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/depotsync/internal/cache"
	"github.com/smallbiznis/depotsync/internal/clock"
	"github.com/smallbiznis/depotsync/internal/config"
	credentialdomain "github.com/smallbiznis/depotsync/internal/credential/domain"
	"github.com/smallbiznis/depotsync/internal/erp/domain"
	"github.com/smallbiznis/depotsync/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type credentialsMock struct {
	mock.Mock
}

func (m *credentialsMock) Get(ctx context.Context, tenantID, accountRef string) (*credentialdomain.Record, credentialdomain.Tokens, error) {
	args := m.Called(ctx, tenantID, accountRef)
	record := args.Get(0)
	if record == nil {
		return nil, credentialdomain.Tokens{}, args.Error(2)
	}
	return record.(*credentialdomain.Record), args.Get(1).(credentialdomain.Tokens), args.Error(2)
}

func (m *credentialsMock) Store(ctx context.Context, tenantID, accountRef string, tokens credentialdomain.Tokens) error {
	args := m.Called(ctx, tenantID, accountRef, tokens)
	return args.Error(0)
}

func (m *credentialsMock) Deactivate(ctx context.Context, tenantID, accountRef, reason string) error {
	args := m.Called(ctx, tenantID, accountRef, reason)
	return args.Error(0)
}

func (m *credentialsMock) ActiveRefs(ctx context.Context, tenantID string) ([]string, error) {
	return nil, nil
}

func newTestClient(t *testing.T, baseURL, tokenURL string, credentials credentialdomain.Service) *client {
	t.Helper()
	return &client{
		log: zap.NewNop(),
		cfg: config.ERPConfig{
			BaseURL:          baseURL,
			TokenURL:         tokenURL,
			AuthorizeURL:     "https://erp.example.com/oauth/authorize",
			ClientID:         "client-1",
			ClientSecret:     "secret-1",
			RequestTimeout:   5 * time.Second,
			MinCallInterval:  time.Millisecond,
			RateLimitRetries: 2,
		},
		http:        &http.Client{Timeout: 5 * time.Second},
		gate:        ratelimit.NewGate(time.Millisecond),
		credentials: credentials,
		reserved:    cache.NewReservedStockCache(),
		clock:       clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
	}
}

func validRecord(expiresAt time.Time) (*credentialdomain.Record, credentialdomain.Tokens) {
	return &credentialdomain.Record{Active: true, ExpiresAt: expiresAt},
		credentialdomain.Tokens{AccessToken: "tok-1", RefreshToken: "ref-1", ExpiresAt: expiresAt}
}

func TestGetProduct_NotFoundReturnsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	credentials := new(credentialsMock)
	c := newTestClient(t, server.URL, server.URL+"/oauth/token", credentials)
	record, tokens := validRecord(c.clock.Now().Add(time.Hour))
	credentials.On("Get", mock.Anything, "t1", "acc-a").Return(record, tokens, nil)

	product, err := c.GetProduct(context.Background(), domain.Account{TenantID: "t1", Ref: "acc-a"}, "SKU-404")
	require.NoError(t, err)
	assert.Nil(t, product)
}

func TestGetProduct_SendsBearerToken(t *testing.T) {
	var gotAuth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": 100, "code": "SKU-1", "format": "S"},
		})
	}))
	defer server.Close()

	credentials := new(credentialsMock)
	c := newTestClient(t, server.URL, server.URL+"/oauth/token", credentials)
	record, tokens := validRecord(c.clock.Now().Add(time.Hour))
	credentials.On("Get", mock.Anything, "t1", "acc-a").Return(record, tokens, nil)

	product, err := c.GetProduct(context.Background(), domain.Account{TenantID: "t1", Ref: "acc-a"}, "SKU-1")
	require.NoError(t, err)
	require.NotNil(t, product)
	assert.Equal(t, int64(100), product.ID)
	assert.Equal(t, "Bearer tok-1", gotAuth.Load())
}

func TestDoJSON_RefreshesOnceOn401(t *testing.T) {
	var apiCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client-1", user)
		assert.Equal(t, "secret-1", pass)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-2", "refresh_token": "ref-2", "expires_in": 3600,
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if apiCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer tok-2", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": 100, "code": "SKU-1"}})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	credentials := new(credentialsMock)
	c := newTestClient(t, server.URL, server.URL+"/oauth/token", credentials)
	record, tokens := validRecord(c.clock.Now().Add(time.Hour))
	credentials.On("Get", mock.Anything, "t1", "acc-a").Return(record, tokens, nil)
	credentials.On("Store", mock.Anything, "t1", "acc-a", mock.MatchedBy(func(tk credentialdomain.Tokens) bool {
		return tk.AccessToken == "tok-2" && tk.RefreshToken == "ref-2"
	})).Return(nil)

	product, err := c.GetProduct(context.Background(), domain.Account{TenantID: "t1", Ref: "acc-a"}, "SKU-1")
	require.NoError(t, err)
	require.NotNil(t, product)
	assert.Equal(t, int32(2), apiCalls.Load())
	credentials.AssertExpectations(t)
}

func TestDoJSON_RateLimitBudgetExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	credentials := new(credentialsMock)
	c := newTestClient(t, server.URL, server.URL+"/oauth/token", credentials)
	c.cfg.RateLimitRetries = 0
	record, tokens := validRecord(c.clock.Now().Add(time.Hour))
	credentials.On("Get", mock.Anything, "t1", "acc-a").Return(record, tokens, nil)

	_, err := c.GetProduct(context.Background(), domain.Account{TenantID: "t1", Ref: "acc-a"}, "SKU-1")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestAccessToken_InvalidGrantDeactivatesAccount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
	}))
	defer server.Close()

	credentials := new(credentialsMock)
	c := newTestClient(t, server.URL, server.URL, credentials)
	// Token already expired, forcing a refresh attempt.
	record, tokens := validRecord(c.clock.Now().Add(-time.Hour))
	credentials.On("Get", mock.Anything, "t1", "acc-a").Return(record, tokens, nil)
	credentials.On("Deactivate", mock.Anything, "t1", "acc-a", "invalid_grant").Return(nil)

	_, err := c.accessToken(context.Background(), domain.Account{TenantID: "t1", Ref: "acc-a"}, false)

	var reauth *domain.ReauthorizationRequiredError
	require.ErrorAs(t, err, &reauth)
	assert.Equal(t, "acc-a", reauth.AccountRef)
	assert.Contains(t, reauth.AuthURL, "client_id=client-1")
	assert.Contains(t, reauth.AuthURL, "state=acc-a")
	credentials.AssertExpectations(t)
}

func TestAccessToken_MissingCredentialRequiresReauthorization(t *testing.T) {
	credentials := new(credentialsMock)
	c := newTestClient(t, "http://unused", "http://unused", credentials)
	credentials.On("Get", mock.Anything, "t1", "acc-a").
		Return(nil, credentialdomain.Tokens{}, credentialdomain.ErrNotFound)

	_, err := c.accessToken(context.Background(), domain.Account{TenantID: "t1", Ref: "acc-a"}, false)

	var reauth *domain.ReauthorizationRequiredError
	assert.ErrorAs(t, err, &reauth)
}

func TestGetDepositBalance_AppliesReservedInference(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"physical": 12.0, "virtual": 9.0, "reserved": 0.0},
		})
	}))
	defer server.Close()

	credentials := new(credentialsMock)
	c := newTestClient(t, server.URL, server.URL+"/oauth/token", credentials)
	record, tokens := validRecord(c.clock.Now().Add(time.Hour))
	credentials.On("Get", mock.Anything, "t1", "acc-a").Return(record, tokens, nil)

	balance, err := c.GetDepositBalance(context.Background(), domain.Account{TenantID: "t1", Ref: "acc-a"}, "SKU-1", 100, 10)
	require.NoError(t, err)
	assert.Equal(t, 12.0, balance.Physical)
	assert.Equal(t, 9.0, balance.Virtual)
	// reported=0 but physical > virtual: the spread is inferred as reserved.
	assert.Equal(t, 3.0, balance.ReservedEffective)
}
