package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/Artanis09/mystocks/internal/logger"
)

// tokenState is the cached OAuth token, persisted per mode so a restart does
// not burn the brokerage's one-token-per-day issue limit.
type tokenState struct {
	AccessToken string  `json:"access_token"`
	ExpiredAt   float64 `json:"expired_time"` // unix seconds
}

// tokenSafety is how long before expiry a token is treated as stale.
const tokenSafety = 10 * time.Minute

func (c *Client) tokenFilePath() string {
	suffix := "_real"
	if c.isMock {
		suffix = "_mock"
	}
	return "kis_token" + suffix + ".json"
}

// accessToken returns a valid token, issuing a new one if needed.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	now := float64(time.Now().Unix())
	if c.token.AccessToken != "" && now < c.token.ExpiredAt-tokenSafety.Seconds() {
		return c.token.AccessToken, nil
	}

	// Disk cache survives process restarts.
	if b, err := os.ReadFile(c.tokenFilePath()); err == nil {
		var cached tokenState
		if json.Unmarshal(b, &cached) == nil && now < cached.ExpiredAt-tokenSafety.Seconds() {
			c.token = cached
			return c.token.AccessToken, nil
		}
	}

	return c.issueToken(ctx)
}

// issueToken requests a fresh token. Caller must hold tokenMu.
func (c *Client) issueToken(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.appKey,
		"appsecret":  c.appSecret,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth2/tokenP", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("content-type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request: status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("token decode: %w", err)
	}
	if out.ExpiresIn == 0 {
		out.ExpiresIn = 86400
	}

	c.token = tokenState{
		AccessToken: out.AccessToken,
		ExpiredAt:   float64(time.Now().Unix() + out.ExpiresIn),
	}

	if b, err := json.Marshal(c.token); err == nil {
		if err := os.WriteFile(c.tokenFilePath(), b, 0o600); err != nil {
			logger.Warn(ctx, "Failed to persist token cache", "path", c.tokenFilePath(), "error", err)
		}
	}

	logger.Info(ctx, "Brokerage token issued", "mock", c.isMock)
	return c.token.AccessToken, nil
}

// invalidateToken drops the cached token, memory and disk, after a 401/403
// so the next call issues a fresh one.
func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.token = tokenState{}
	_ = os.Remove(c.tokenFilePath())
	c.tokenMu.Unlock()
}
