// Package scoring talks to the external note scoring service.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	predictPath       = "/predict"
	healthcheckPath   = "/healthcheck"
	healthyStatus     = "Healthy"
	contentTypeJSON   = "application/json"
	defaultTimeout    = 30 * time.Second
	maxErrorBodyBytes = 512
)

var (
	// ErrUnavailable indicates a transient failure: network errors, 5xx responses or malformed payloads.
	ErrUnavailable = errors.New("scoring: service unavailable")
	// ErrRejected indicates the service refused the request with a 4xx status.
	ErrRejected = errors.New("scoring: request rejected")
	// ErrMissingBaseURL indicates the client was constructed without a service URL.
	ErrMissingBaseURL = errors.New("scoring: base url is required")
)

// Config describes the scoring service endpoint.
type Config struct {
	BaseURL    string
	ReleaseURL string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client issues prediction, health and release calls.
type Client struct {
	baseURL    string
	releaseURL string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

type predictRequest struct {
	Text string `json:"text"`
}

type predictResponse struct {
	Prediction *float64 `json:"prediction"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		releaseURL: strings.TrimSpace(cfg.ReleaseURL),
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Predict returns the service's probability in [0,1] that text describes the event of interest.
func (c *Client) Predict(ctx context.Context, text string) (float64, error) {
	payload, err := json.Marshal(predictRequest{Text: text})
	if err != nil {
		return 0, err
	}
	var decoded predictResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+predictPath, payload, &decoded); err != nil {
		return 0, err
	}
	if decoded.Prediction == nil {
		return 0, fmt.Errorf("%w: prediction missing", ErrUnavailable)
	}
	prediction := *decoded.Prediction
	if prediction < 0 || prediction > 1 {
		return 0, fmt.Errorf("%w: prediction %v out of range", ErrUnavailable, prediction)
	}
	return prediction, nil
}

// Healthcheck reports whether the service answers as healthy.
func (c *Client) Healthcheck(ctx context.Context) error {
	var decoded healthResponse
	if err := c.do(ctx, http.MethodGet, c.baseURL+healthcheckPath, nil, &decoded); err != nil {
		return err
	}
	if decoded.Status != healthyStatus {
		return fmt.Errorf("%w: status %q", ErrUnavailable, decoded.Status)
	}
	return nil
}

// Release asks the hosting platform to spin the service down. It is a no-op
// when no release URL is configured.
func (c *Client) Release(ctx context.Context) error {
	if c.releaseURL == "" {
		return nil
	}
	if err := c.do(ctx, http.MethodDelete, c.releaseURL, nil, nil); err != nil {
		c.logger.Warn("scoring release failed", zap.Error(err))
		return err
	}
	c.logger.Info("scoring service released")
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, target any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", contentTypeJSON)
	if body != nil {
		request.Header.Set("Content-Type", contentTypeJSON)
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrUnavailable, method, url, response.StatusCode, preview(response.Body))
	}
	if response.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrRejected, method, url, response.StatusCode, preview(response.Body))
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}

func preview(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBodyBytes))
	return strings.TrimSpace(string(data))
}
