// Package telephony talks to the inbound number provider.
package telephony

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

// ErrNotConfigured is returned when no provider URL is set.
var ErrNotConfigured = errors.New("telephony provider not configured")

// Config points the client at the provider.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client acquires numbers from the provider's REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a provider client. Every call is bounded by cfg.Timeout.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

type acquireRequest struct {
	CountryCode string `json:"country_code"`
	Capability  string `json:"capability"`
}

type acquireResponse struct {
	PhoneNumber string `json:"phone_number"`
}

// AcquireChannel buys an inbound voice number in the given country and returns it in E.164 form.
func (c *Client) AcquireChannel(ctx context.Context, countryCode string) (string, error) {
	if c.baseURL == "" {
		return "", ErrNotConfigured
	}
	body, err := json.Marshal(acquireRequest{CountryCode: countryCode, Capability: "voice"})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/numbers", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("acquire number: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("acquire number: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out acquireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.PhoneNumber == "" {
		return "", errors.New("acquire number: empty phone number in response")
	}
	c.logger.Info("number acquired", zap.String("country", countryCode), zap.String("number", out.PhoneNumber))
	return out.PhoneNumber, nil
}
