// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Configuration constants for the chat completions client.
const (
	// DefaultTimeout is the default timeout for non-streaming requests.
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize is the maximum allowed non-streaming response body size.
	// SECURITY: Response size limit prevents memory exhaustion attacks.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB limit

	userAgent = "rigrun-explain/1.0"
)

var (
	// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
	// SECURITY: TLS verification required for production
	sharedHTTPClient = &http.Client{
		Transport: newTransport(),
		Timeout:   DefaultTimeout,
	}

	// sharedStreamingClient is used for streaming requests (no timeout, context-controlled).
	sharedStreamingClient = &http.Client{
		Transport: newTransport(),
	}
)

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// Error variables for client failures.
var (
	// ErrNotConfigured indicates the API key or endpoint is not set.
	ErrNotConfigured = errors.New("API key or endpoint not configured")

	// ErrNoChoices indicates a successful response without any choice.
	ErrNoChoices = errors.New("response contained no choices")
)

// APIError represents a non-2xx response. Message is the server supplied
// error.message when present, otherwise a generic status text.
type APIError struct {
	Status  int
	Code    string
	Message string
}

// Error returns the message verbatim so it can be shown to the user as is.
func (e *APIError) Error() string {
	return e.Message
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is a client for an OpenAI-compatible chat completions endpoint.
type Client struct {
	apiURL       string
	apiKey       string
	httpClient   *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

// NewClient creates a client posting to apiURL (the full chat completions
// URL) with apiKey as bearer token.
func NewClient(apiURL, apiKey string) *Client {
	return &Client{
		apiURL:       strings.TrimSpace(apiURL),
		apiKey:       strings.TrimSpace(apiKey),
		httpClient:   sharedHTTPClient,
		streamClient: sharedStreamingClient,
		logger:       zap.NewNop(),
	}
}

// WithHTTPClient routes both streaming and non-streaming requests through h.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	c.streamClient = h
	return c
}

// WithLogger sets the client's logger.
func (c *Client) WithLogger(logger *zap.Logger) *Client {
	if logger != nil {
		c.logger = logger.Named("cloud")
	}
	return c
}

// IsConfigured returns true when both the endpoint and the key are set.
func (c *Client) IsConfigured() bool {
	return c.apiURL != "" && c.apiKey != ""
}

// KeyFingerprint returns a short SHA-256 fingerprint of the API key.
// SECURITY: Uses a hash so logs identify the key without exposing it.
func (c *Client) KeyFingerprint() string {
	if c.apiKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.apiKey))
	return hex.EncodeToString(h[:4])
}

// setHeaders sets the required headers for API requests.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
}

func (c *Client) newRequest(ctx context.Context, body ChatRequest) (*http.Request, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	return req, nil
}

// Complete performs a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, body ChatRequest) (*Completion, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	body.Stream = false

	req, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	c.logger.Debug("completion request",
		zap.String("model", body.Model),
		zap.Int("messages", len(body.Messages)),
		zap.String("key", c.KeyFingerprint()))

	resp, err := c.httpClient.Do(req)
	// SECURITY: Clear Authorization header immediately after request to prevent logging
	req.Header.Del("Authorization")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("completion response",
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, handleErrorResponse(resp.StatusCode, rawBody)
	}

	var parsed completionResponse
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, ErrNoChoices
	}

	msg := parsed.Choices[0].Message
	return &Completion{
		Content:          msg.Content,
		ReasoningContent: msg.ReasoningContent,
		ToolCalls:        msg.ToolCalls,
	}, nil
}

// readResponse reads the response body with size limits to prevent memory exhaustion.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse converts a non-2xx response into an *APIError.
func handleErrorResponse(statusCode int, body []byte) error {
	apiErr := &APIError{
		Status:  statusCode,
		Message: fmt.Sprintf("API 请求失败: %d", statusCode),
	}

	var parsed apiErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		apiErr.Message = parsed.Error.Message
		if parsed.Error.Code != nil {
			apiErr.Code = fmt.Sprint(parsed.Error.Code)
		}
	}
	return apiErr
}
