package driftdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// RemoteAuth contains authentication credentials for a remote endpoint.
type RemoteAuth struct {
	// Type specifies the auth type: "api_key", "bearer", "basic".
	Type string

	// APIKey is the API key (for api_key auth).
	APIKey string

	// BearerToken is the bearer token (for bearer auth).
	BearerToken string

	// Username is the username (for basic auth).
	Username string

	// Password is the password (for basic auth).
	Password string
}

func (a *RemoteAuth) apply(req *http.Request) {
	if a == nil {
		return
	}
	switch a.Type {
	case "api_key":
		req.Header.Set("X-API-Key", a.APIKey)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+a.BearerToken)
	case "basic":
		req.SetBasicAuth(a.Username, a.Password)
	}
}

// HTTPRemoteConfig configures an HTTP remote endpoint client.
type HTTPRemoteConfig struct {
	// Endpoint is the base URL of the remote replication endpoint.
	Endpoint string

	// BatchSize is requested from the remote per pull and used as the push
	// batch size.
	BatchSize int

	// Timeout bounds a single request attempt.
	Timeout time.Duration

	// MaxRetries is the max number of attempts per request.
	MaxRetries int

	// RetryBackoff is the initial backoff between attempts.
	RetryBackoff time.Duration

	// Compression enables gzip-compressed request bodies.
	Compression bool

	// Auth contains optional authentication credentials.
	Auth *RemoteAuth

	// HTTPClient allows injecting a custom HTTP client for testing.
	// If nil, a default client is created with the configured timeout.
	HTTPClient HTTPDoer
}

// DefaultHTTPRemoteConfig returns defaults for the given endpoint URL.
func DefaultHTTPRemoteConfig(endpoint string) HTTPRemoteConfig {
	return HTTPRemoteConfig{
		Endpoint:     endpoint,
		BatchSize:    100,
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		Compression:  true,
	}
}

// HTTPRemote turns an HTTP replication endpoint into pull and push handlers.
// It speaks a two-route JSON batch protocol (POST <endpoint>/pull and
// POST <endpoint>/push, see ReplicationEndpoint for the server side) and
// wraps every request in retry with backoff plus a circuit breaker.
type HTTPRemote struct {
	config  HTTPRemoteConfig
	client  HTTPDoer
	retryer *Retryer
	breaker *CircuitBreaker

	mu sync.Mutex
	// serverCheckpoint is the server feed position of the last successful
	// pull. It only lives for the lifetime of this client; after a restart
	// the server re-derives a position from the last pulled document.
	serverCheckpoint uint64
}

// Wire shapes of the HTTP replication protocol. Checkpoint carries the
// server's change-feed position so pagination never skips changes made to
// already-pulled documents; when a fresh client omits it, the server falls
// back to deriving a position from the last pulled document.
type pullRequest struct {
	LastPulledDocument DocumentData `json:"lastPulledDocument,omitempty"`
	Checkpoint         uint64       `json:"checkpoint,omitempty"`
	BatchSize          int          `json:"batchSize"`
}

type pullResponse struct {
	Documents        []DocumentData `json:"documents"`
	HasMoreDocuments bool           `json:"hasMoreDocuments"`
	Checkpoint       uint64         `json:"checkpoint"`
}

type pushRequest struct {
	Documents []DocumentData `json:"documents"`
}

// NewHTTPRemote creates a client for an HTTP replication endpoint.
func NewHTTPRemote(config HTTPRemoteConfig) *HTTPRemote {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 100 * time.Millisecond
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &HTTPRemote{
		config: config,
		client: client,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       config.MaxRetries,
			InitialBackoff:    config.RetryBackoff,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
		breaker: NewCircuitBreaker(5, 30*time.Second),
	}
}

// PullOptions returns pull options backed by this remote.
func (r *HTTPRemote) PullOptions() *PullOptions {
	return &PullOptions{Handler: r.pullHandler}
}

// PushOptions returns push options backed by this remote.
func (r *HTTPRemote) PushOptions() *PushOptions {
	return &PushOptions{Handler: r.pushHandler, BatchSize: r.config.BatchSize}
}

func (r *HTTPRemote) pullHandler(ctx context.Context, lastPulled DocumentData) (*PullResult, error) {
	r.mu.Lock()
	checkpoint := r.serverCheckpoint
	r.mu.Unlock()

	payload, err := json.Marshal(pullRequest{
		LastPulledDocument: lastPulled,
		Checkpoint:         checkpoint,
		BatchSize:          r.config.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("encode pull request: %w", err)
	}
	body, err := r.post(ctx, "/pull", payload)
	if err != nil {
		return nil, err
	}
	var resp pullResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode pull response: %w", err)
	}

	r.mu.Lock()
	if resp.Checkpoint > r.serverCheckpoint {
		r.serverCheckpoint = resp.Checkpoint
	}
	r.mu.Unlock()

	return &PullResult{
		Documents:        resp.Documents,
		HasMoreDocuments: resp.HasMoreDocuments,
	}, nil
}

func (r *HTTPRemote) pushHandler(ctx context.Context, docs []DocumentData) error {
	payload, err := json.Marshal(pushRequest{Documents: docs})
	if err != nil {
		return fmt.Errorf("encode push request: %w", err)
	}
	_, err = r.post(ctx, "/push", payload)
	return err
}

func (r *HTTPRemote) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	encoding := ""
	if r.config.Compression {
		compressed, err := gzipBytes(payload)
		if err != nil {
			return nil, fmt.Errorf("compress request: %w", err)
		}
		payload = compressed
		encoding = "gzip"
	}

	var body []byte
	err := r.breaker.Execute(func() error {
		result, retryResult := r.retryer.DoWithResult(ctx, func() (any, error) {
			return r.send(ctx, path, payload, encoding)
		})
		if retryResult.LastErr != nil {
			return retryResult.LastErr
		}
		body = result.([]byte)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (r *HTTPRemote) send(ctx context.Context, path string, payload []byte, encoding string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.config.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	r.config.Auth.apply(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("remote returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}
