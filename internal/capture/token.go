package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// MaxTokenTTL is the longest credential lifetime the issuer will request.
const MaxTokenTTL = 10 * time.Minute

// Token is a short-lived provider credential.
type Token struct {
	Value     string
	ExpiresAt time.Time // zero means no expiry
}

// TokenIssuer mints provider credentials.
type TokenIssuer interface {
	Issue(ctx context.Context) (Token, error)
}

// HTTPTokenIssuer obtains credentials from the provider's token endpoint.
type HTTPTokenIssuer struct {
	URL    string
	APIKey string
	TTL    time.Duration
	Client *http.Client
	// Limiter spaces requests during reconnect storms. Nil means unlimited.
	Limiter *rate.Limiter
}

type tokenRequest struct {
	ExpiresIn int `json:"expires_in"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// Issue requests a credential valid for at most TTL (capped at MaxTokenTTL).
func (h *HTTPTokenIssuer) Issue(ctx context.Context) (Token, error) {
	if h.Limiter != nil {
		if err := h.Limiter.Wait(ctx); err != nil {
			return Token{}, fmt.Errorf("capture: token rate limit: %w", err)
		}
	}
	ttl := h.TTL
	if ttl <= 0 || ttl > MaxTokenTTL {
		ttl = MaxTokenTTL
	}
	body, err := json.Marshal(tokenRequest{ExpiresIn: int(ttl / time.Second)})
	if err != nil {
		return Token{}, fmt.Errorf("capture: encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return Token{}, fmt.Errorf("capture: token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", h.APIKey)

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	issuedAt := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("%w: token endpoint: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Token{}, fmt.Errorf("%w: token endpoint returned %d", ErrProviderAuth, resp.StatusCode)
	case resp.StatusCode/100 != 2:
		return Token{}, fmt.Errorf("%w: token endpoint returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Token{}, fmt.Errorf("%w: decode token: %v", ErrProviderUnavailable, err)
	}
	if tr.Token == "" {
		return Token{}, fmt.Errorf("%w: empty token", ErrProviderAuth)
	}
	granted := ttl
	if tr.ExpiresIn > 0 && time.Duration(tr.ExpiresIn)*time.Second < granted {
		granted = time.Duration(tr.ExpiresIn) * time.Second
	}
	return Token{Value: tr.Token, ExpiresAt: issuedAt.Add(granted)}, nil
}
