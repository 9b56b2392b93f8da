// Package captcha verifies Cloudflare Turnstile challenge tokens.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultSiteverifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// ErrTokenRejected is returned when Turnstile judges the token invalid,
// as opposed to a transport or decode failure.
var ErrTokenRejected = errors.New("turnstile: token rejected")

// TurnstileVerifier checks challenge tokens against the siteverify API.
type TurnstileVerifier struct {
	secret     string
	endpoint   string
	httpClient *http.Client
}

// NewTurnstileVerifier returns a verifier using the given secret key and a
// 5s outbound timeout.
func NewTurnstileVerifier(secret string) *TurnstileVerifier {
	return &TurnstileVerifier{
		secret:     secret,
		endpoint:   defaultSiteverifyURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// WithEndpoint overrides the siteverify URL. Used in tests.
func (v *TurnstileVerifier) WithEndpoint(endpoint string) *TurnstileVerifier {
	v.endpoint = endpoint
	return v
}

// Verify checks a client token with Cloudflare. A nil return means the token
// passed; ErrTokenRejected means Turnstile refused it; any other error is a
// transport or protocol failure (the caller decides whether that fails open).
func (v *TurnstileVerifier) Verify(ctx context.Context, token, remoteIP string) error {
	if token == "" {
		return fmt.Errorf("%w: empty token", ErrTokenRejected)
	}

	form := url.Values{
		"secret":   {v.secret},
		"response": {token},
		"remoteip": {remoteIP},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("turnstile: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("turnstile: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("turnstile: siteverify returned %d", resp.StatusCode)
	}

	var result struct {
		Success    bool     `json:"success"`
		ErrorCodes []string `json:"error-codes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("turnstile: decoding response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("%w: %s", ErrTokenRejected, strings.Join(result.ErrorCodes, ","))
	}
	return nil
}
