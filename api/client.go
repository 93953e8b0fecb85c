package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"topstepflow/config"
	"topstepflow/logger"
)

// Client bundles the gateway REST sub-clients behind one HTTP client and
// one token provider.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *TokenProvider
	log     *logger.Log

	Order    *OrderAPI
	History  *HistoryAPI
	Account  *AccountAPI
	Position *PositionAPI
	Trade    *TradeAPI
	Contract *ContractAPI
}

// NewClient creates a gateway client. Credentials are taken from the broker
// configuration; no token is fetched until the first call needs one.
func NewClient(cfg config.BrokerConfig) *Client {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	c := &Client{
		baseURL: cfg.ApiURL,
		http:    httpClient,
		tokens:  NewTokenProvider(cfg, httpClient),
		log:     logger.GetLogger(),
	}
	c.Order = &OrderAPI{client: c}
	c.History = &HistoryAPI{client: c}
	c.Account = &AccountAPI{client: c}
	c.Position = &PositionAPI{client: c}
	c.Trade = &TradeAPI{client: c}
	c.Contract = &ContractAPI{client: c}

	c.log.WithComponent("api_client").WithFields(logger.Fields{
		"base_url": cfg.ApiURL,
		"timeout":  cfg.RequestTimeout,
	}).Info("gateway client initialized")

	return c
}

// Tokens exposes the token provider so the hub connections can resolve a
// fresh token on every rebuild.
func (c *Client) Tokens() *TokenProvider {
	return c.tokens
}

// apiEnvelope carries the status fields present on every gateway response.
type apiEnvelope struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e apiEnvelope) err(endpoint string) error {
	msg := e.ErrorMessage
	if msg == "" {
		msg = "request rejected"
	}
	return fmt.Errorf("%s: %s (code %d)", endpoint, msg, e.ErrorCode)
}

// post issues an authenticated JSON POST and decodes the response into out.
func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", path, err)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%s: resolve token: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	logger.LogPerformanceEntry(c.log.WithComponent("api_client"), "api_client", path, time.Since(start), nil)

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: unexpected status %d: %s", path, resp.StatusCode, bytes.TrimSpace(data))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}
