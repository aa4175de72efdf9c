package capture

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestHTTPTokenIssuer_Issue(t *testing.T) {
	var gotReq tokenRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "api-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(tokenResponse{Token: "temp-token", ExpiresIn: gotReq.ExpiresIn})
	}))
	defer srv.Close()

	iss := &HTTPTokenIssuer{URL: srv.URL, APIKey: "api-key", TTL: 5 * time.Minute}
	before := time.Now()
	tok, err := iss.Issue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "temp-token", tok.Value)
	assert.Equal(t, 300, gotReq.ExpiresIn)
	assert.WithinDuration(t, before.Add(5*time.Minute), tok.ExpiresAt, 2*time.Second)
}

func TestHTTPTokenIssuer_RateLimited(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(tokenResponse{Token: "t", ExpiresIn: 60})
	}))
	defer srv.Close()

	iss := &HTTPTokenIssuer{URL: srv.URL, Limiter: rate.NewLimiter(rate.Every(time.Hour), 1)}
	_, err := iss.Issue(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = iss.Issue(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPTokenIssuer_TTLCapped(t *testing.T) {
	var gotReq tokenRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		// A provider granting more than requested is still capped.
		json.NewEncoder(w).Encode(tokenResponse{Token: "t", ExpiresIn: 3600})
	}))
	defer srv.Close()

	iss := &HTTPTokenIssuer{URL: srv.URL, TTL: time.Hour}
	before := time.Now()
	tok, err := iss.Issue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 600, gotReq.ExpiresIn)
	assert.False(t, tok.ExpiresAt.After(before.Add(MaxTokenTTL+2*time.Second)))
}

func TestHTTPTokenIssuer_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, "", ErrProviderAuth},
		{"forbidden", http.StatusForbidden, "", ErrProviderAuth},
		{"server error", http.StatusBadGateway, "", ErrProviderUnavailable},
		{"empty token", http.StatusOK, `{"token":""}`, ErrProviderAuth},
		{"garbage", http.StatusOK, `not json`, ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := (&HTTPTokenIssuer{URL: srv.URL}).Issue(context.Background())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHTTPTokenIssuer_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := (&HTTPTokenIssuer{URL: url}).Issue(context.Background())
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}
