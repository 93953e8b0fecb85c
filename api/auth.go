package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"topstepflow/config"
	"topstepflow/logger"
)

// TokenProvider holds the current session JWT and refreshes it before the
// broker's hard expiry. Token is safe for concurrent use; the hub
// connections call it on every transport rebuild so rotated credentials are
// picked up across reconnects.
type TokenProvider struct {
	baseURL       string
	http          *http.Client
	username      string
	apiKey        string
	refreshMargin time.Duration
	pollInterval  time.Duration
	log           *logger.Log

	mu       sync.Mutex
	token    string
	obtained time.Time
}

func NewTokenProvider(cfg config.BrokerConfig, httpClient *http.Client) *TokenProvider {
	return &TokenProvider{
		baseURL:       cfg.ApiURL,
		http:          httpClient,
		username:      cfg.Username,
		apiKey:        cfg.ApiKey,
		refreshMargin: cfg.TokenRefreshMargin,
		pollInterval:  cfg.TokenPollInterval,
		log:           logger.GetLogger(),
	}
}

// Token returns a valid session token, logging in on first use and
// re-validating once the cached token is older than the refresh margin.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == "" {
		if err := p.loginLocked(ctx); err != nil {
			return "", err
		}
		return p.token, nil
	}

	if time.Since(p.obtained) > p.refreshMargin {
		if err := p.refreshLocked(ctx); err != nil {
			p.log.WithComponent("token_provider").WithError(err).Warn("token refresh failed, retrying full login")
			if err := p.loginLocked(ctx); err != nil {
				return "", err
			}
		}
	}

	return p.token, nil
}

// StartRefreshLoop periodically re-validates the token in the background so
// a reconnecting hub never has to wait for a full login round-trip. It runs
// until the context is cancelled.
func (p *TokenProvider) StartRefreshLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := p.Token(ctx); err != nil {
					p.log.WithComponent("token_provider").WithError(err).Warn("background token refresh failed")
				}
			}
		}
	}()
}

type loginKeyRequest struct {
	UserName string `json:"userName"`
	ApiKey   string `json:"apiKey"`
}

type authResponse struct {
	apiEnvelope
	Token    string `json:"token"`
	NewToken string `json:"newToken"`
}

func (p *TokenProvider) loginLocked(ctx context.Context) error {
	var resp authResponse
	if err := p.postAuth(ctx, "/api/Auth/loginKey", loginKeyRequest{UserName: p.username, ApiKey: p.apiKey}, "", &resp); err != nil {
		return err
	}
	if !resp.Success || resp.Token == "" {
		return resp.err("/api/Auth/loginKey")
	}

	p.token = resp.Token
	p.obtained = time.Now()
	p.log.WithComponent("token_provider").Info("session token obtained")
	return nil
}

func (p *TokenProvider) refreshLocked(ctx context.Context) error {
	var resp authResponse
	if err := p.postAuth(ctx, "/api/Auth/validate", struct{}{}, p.token, &resp); err != nil {
		return err
	}
	token := resp.NewToken
	if token == "" {
		token = resp.Token
	}
	if !resp.Success || token == "" {
		return resp.err("/api/Auth/validate")
	}

	p.token = token
	p.obtained = time.Now()
	p.log.WithComponent("token_provider").Info("session token refreshed")
	return nil
}

// postAuth is like Client.post but with an explicit bearer token so it can
// be used before a token exists.
func (p *TokenProvider) postAuth(ctx context.Context, path string, body any, bearer string, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}
