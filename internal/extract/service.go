package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Request is sent to the extraction service once per cycle.
type Request struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	TranscriptText string `json:"transcript"`
	// Offset is the byte offset of TranscriptText within the full
	// transcript when the window was trimmed. Candidate offsets in the
	// response are byte offsets into TranscriptText.
	Offset int `json:"offset,omitempty"`
}

// Response carries the candidates found in one transcript window.
type Response struct {
	Actions []Candidate `json:"actions"`
}

// Service extracts candidate actions from transcript text.
type Service interface {
	Extract(ctx context.Context, req Request) (Response, error)
}

// HTTPServiceOpts configures an HTTPService.
type HTTPServiceOpts struct {
	URL       string
	APIKey    string
	RateLimit float64 // requests per second; zero disables limiting
	Burst     int
	Timeout   time.Duration
	Client    *http.Client
}

// HTTPService calls a JSON extraction endpoint. Calls are rate limited so
// a burst of cycles cannot flood the service.
type HTTPService struct {
	url     string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPService validates opts and builds the client.
func NewHTTPService(opts HTTPServiceOpts) (*HTTPService, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("extract: service url is required")
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &HTTPService{url: opts.URL, apiKey: opts.APIKey, client: client, limiter: limiter}, nil
}

// Extract posts the transcript window and decodes the candidates.
func (s *HTTPService) Extract(ctx context.Context, req Request) (Response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("extract: rate limit: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("extract: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("extract: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("extract: call service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Response{}, fmt.Errorf("extract: service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("extract: decode response: %w", err)
	}
	return out, nil
}
