package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"crosspost/internal/model"
)

// StatusError is a non-2xx response from a platform API, with the error
// message normalized out of whatever envelope the platform used.
type StatusError struct {
	Platform model.Platform
	Code     int
	Message  string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s api: status %d", e.Platform, e.Code)
	}
	return fmt.Sprintf("%s api: status %d: %s", e.Platform, e.Code, e.Message)
}

// Client is the REST transport shared by the HTTP platform adapters. Each
// platform gets its own token-bucket limiter so one busy destination cannot
// starve the others.
type Client struct {
	HTTP *http.Client

	mu       sync.Mutex
	limiters map[model.Platform]*rate.Limiter
}

// Outbound pacing per platform. Conservative; platform API quotas are far
// tighter than this in practice.
const (
	requestsPerSecond = 1
	requestBurst      = 5
)

func NewClient() *Client {
	return &Client{
		HTTP:     &http.Client{Timeout: 60 * time.Second},
		limiters: make(map[model.Platform]*rate.Limiter),
	}
}

func (c *Client) limiter(p model.Platform) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[p]
	if !ok {
		l = rate.NewLimiter(requestsPerSecond, requestBurst)
		c.limiters[p] = l
	}
	return l
}

// DoJSON issues one JSON request and decodes a JSON response into out (when
// out is non-nil). Non-2xx responses become a *StatusError. One attempt only.
func (c *Client) DoJSON(ctx context.Context, p model.Platform, method, rawurl string, headers map[string]string, body, out any) error {
	if err := c.limiter(p).Wait(ctx); err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawurl, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &StatusError{Platform: p, Code: res.StatusCode, Message: NormalizeAPIError(raw)}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// DoForm issues one form-encoded POST, used by the OAuth refresh endpoints.
func (c *Client) DoForm(ctx context.Context, p model.Platform, rawurl string, form url.Values, out any) error {
	if err := c.limiter(p).Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawurl, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &StatusError{Platform: p, Code: res.StatusCode, Message: NormalizeAPIError(raw)}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// FetchMedia downloads a media attachment so it can be re-uploaded to the
// platform. Returns the bytes and a best-effort content type.
func (c *Client) FetchMedia(ctx context.Context, p model.Platform, rawurl string) ([]byte, string, error) {
	if err := c.limiter(p).Wait(ctx); err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, "", err
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, "", &StatusError{Platform: p, Code: res.StatusCode, Message: "fetch media " + rawurl}
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, "", err
	}
	ct := res.Header.Get("Content-Type")
	if ct == "" {
		ct = guessContentType(rawurl)
	}
	return data, ct, nil
}

func guessContentType(rawurl string) string {
	lower := strings.ToLower(rawurl)
	switch {
	case strings.Contains(lower, ".jpg"), strings.Contains(lower, ".jpeg"):
		return "image/jpeg"
	case strings.Contains(lower, ".png"):
		return "image/png"
	case strings.Contains(lower, ".mp4"):
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// NormalizeAPIError pulls a human-readable message out of the differing error
// envelopes the platforms return: {"error":{"message":...}},
// {"errors":[{"message":...}]}, or a bare {"message":...}.
func NormalizeAPIError(raw []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		switch {
		case envelope.Error.Message != "":
			return envelope.Error.Message
		case len(envelope.Errors) > 0 && envelope.Errors[0].Message != "":
			return envelope.Errors[0].Message
		case envelope.Message != "":
			return envelope.Message
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// TokenResponse is the common OAuth refresh response shape.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshGrant performs one refresh_token grant against the given token URL.
// Platforms that do not rotate the refresh token keep the old one.
func (c *Client) RefreshGrant(ctx context.Context, acct model.SocialAccount, tokenURL, clientID, clientSecret string) (model.SocialAccount, error) {
	if acct.RefreshToken == "" {
		return acct, fmt.Errorf("%s account %s has no refresh token", acct.Platform, acct.ID)
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {acct.RefreshToken},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}
	var tok TokenResponse
	if err := c.DoForm(ctx, acct.Platform, tokenURL, form, &tok); err != nil {
		return acct, err
	}
	if tok.AccessToken == "" {
		return acct, fmt.Errorf("%s token refresh returned no access token", acct.Platform)
	}
	acct.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		acct.RefreshToken = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		exp := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
		acct.TokenExpiry = &exp
	} else {
		acct.TokenExpiry = nil
	}
	return acct, nil
}
