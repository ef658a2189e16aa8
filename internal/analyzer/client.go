// Package analyzer is the HTTP client for the image labeling API.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/image-labels/internal/labels"
)

const (
	// MinConfidence is the server-side floor sent with every request. The
	// client threshold only filters what comes back.
	MinConfidence = 80

	// DefaultBaseURL is used when API_URL is unset.
	DefaultBaseURL = "http://localhost:5000"

	analyzePath     = "/api/analyze"
	healthPath      = "/health"
	maxResponseSize = 4 << 20
)

const (
	msgAnalyzeFailed = "Failed to analyze the image"
	msgProcessFailed = "Failed to process the image"
	msgUnreachable   = "Could not reach the server. Check that the backend is running."
)

// ErrInFlight is returned when Analyze is called while a previous call on the
// same client has not finished.
var ErrInFlight = errors.New("analysis already in progress")

// Kind classifies an analysis failure.
type Kind int

const (
	// KindTransport means the request never produced an HTTP response.
	KindTransport Kind = iota + 1
	// KindHTTP means the server answered with a non-2xx status.
	KindHTTP
	// KindApplication means a 2xx response flagged success=false or was unreadable.
	KindApplication
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHTTP:
		return "http"
	case KindApplication:
		return "application"
	default:
		return "unknown"
	}
}

// Error is a failed analysis. Message is what the user should see.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// BaseURLFromEnv returns API_URL or DefaultBaseURL.
func BaseURLFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("API_URL")); v != "" {
		return v
	}
	return DefaultBaseURL
}

// Result is a successful analysis.
type Result struct {
	RequestID string
	Labels    labels.ResultSet
}

// Client talks to the labeling API. At most one Analyze call runs at a time.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	logger   *zap.Logger
	inFlight atomic.Bool
}

// New builds a Client. An empty BaseURL falls back to BaseURLFromEnv.
func New(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = strings.TrimRight(BaseURLFromEnv(), "/")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		token:   strings.TrimSpace(cfg.Token),
		http:    httpClient,
		logger:  logger.Named("analyzer"),
	}
}

// BaseURL returns the API root the client posts to.
func (c *Client) BaseURL() string { return c.baseURL }

type analyzeRequest struct {
	Image         string `json:"image"`
	MinConfidence int    `json:"min_confidence"`
}

type analyzeResponse struct {
	Success   bool           `json:"success"`
	RequestID string         `json:"request_id"`
	Labels    []labels.Label `json:"labels"`
	Error     string         `json:"error"`
	ErrorCode string         `json:"error_code"`
}

// Analyze posts dataURL to the API and returns the labels sorted by
// descending confidence.
func (c *Client) Analyze(ctx context.Context, dataURL string) (*Result, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, ErrInFlight
	}
	defer c.inFlight.Store(false)

	payload, err := json.Marshal(analyzeRequest{Image: dataURL, MinConfidence: MinConfidence})
	if err != nil {
		return nil, fmt.Errorf("encode analyze request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+analyzePath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("analyze request failed", zap.Error(err), zap.String("url", req.URL.String()))
		return nil, &Error{Kind: KindTransport, Message: msgUnreachable, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Status: resp.StatusCode, Message: msgUnreachable, Err: err}
	}

	var decoded analyzeResponse
	decodeErr := json.Unmarshal(body, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := msgAnalyzeFailed
		if decodeErr == nil && decoded.Error != "" {
			msg = decoded.Error
		}
		c.logger.Warn("analyze rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("error", msg),
			zap.String("error_code", decoded.ErrorCode))
		return nil, &Error{
			Kind:    KindHTTP,
			Status:  resp.StatusCode,
			Code:    decoded.ErrorCode,
			Message: msg,
			Err:     fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	if decodeErr != nil {
		return nil, &Error{Kind: KindApplication, Status: resp.StatusCode, Message: msgProcessFailed, Err: decodeErr}
	}
	if !decoded.Success {
		msg := msgProcessFailed
		if decoded.Error != "" {
			msg = decoded.Error
		}
		return nil, &Error{
			Kind:    KindApplication,
			Status:  resp.StatusCode,
			Code:    decoded.ErrorCode,
			Message: msg,
			Err:     errors.New("service reported failure"),
		}
	}

	c.logger.Debug("analyze completed",
		zap.String("request_id", decoded.RequestID),
		zap.Int("labels", len(decoded.Labels)),
		zap.Duration("elapsed", time.Since(started)))

	return &Result{
		RequestID: decoded.RequestID,
		Labels:    labels.NewResultSet(decoded.Labels),
	}, nil
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// Health probes the API health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Message: msgUnreachable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: KindHTTP, Status: resp.StatusCode, Message: fmt.Sprintf("health check returned %d", resp.StatusCode)}
	}
	var status HealthStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	return &status, nil
}
