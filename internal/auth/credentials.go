package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNoCredential means the auth service holds no usable token for the user
var ErrNoCredential = errors.New("no valid credential")

// Token is a user's OAuth access token bundle
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scopes       []string
	Expiry       time.Time
}

// CredentialSource returns a user's provider credentials
type CredentialSource interface {
	GetCredentials(ctx context.Context, userID string) (*Token, error)
}

// ServiceClient fetches tokens from the OAuth auth service, which owns storage
// and refresh of provider tokens.
type ServiceClient struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewServiceClient creates a client for the auth service at baseURL
func NewServiceClient(baseURL string) *ServiceClient {
	return &ServiceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresAt    string `json:"expires_at"`
	ExpiresIn    int64  `json:"expires_in"`
}

// GetCredentials fetches GET /auth/token/{user_id}
func (c *ServiceClient) GetCredentials(ctx context.Context, userID string) (*Token, error) {
	return c.do(ctx, http.MethodGet, "/auth/token/"+url.PathEscape(userID), userID)
}

// Refresh asks the auth service to refresh the provider token
func (c *ServiceClient) Refresh(ctx context.Context, userID string) (*Token, error) {
	return c.do(ctx, http.MethodPost, "/auth/token/"+url.PathEscape(userID)+"/refresh", userID)
}

func (c *ServiceClient) do(ctx context.Context, method, path, userID string) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("user %s: %w", userID, ErrNoCredential)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("user %s: empty access token: %w", userID, ErrNoCredential)
	}

	tok := &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    result.TokenType,
		Expiry:       c.expiry(result),
	}
	if result.Scope != "" {
		tok.Scopes = strings.Fields(result.Scope)
	}
	return tok, nil
}

// expiry prefers expires_at, then expires_in, then a 30 minute default
func (c *ServiceClient) expiry(r tokenResponse) time.Time {
	if r.ExpiresAt != "" {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
			if t, err := time.Parse(layout, r.ExpiresAt); err == nil {
				return t
			}
		}
	}
	if r.ExpiresIn > 0 {
		return c.now().Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return c.now().Add(30 * time.Minute)
}

// CachingSource caches tokens until they are within buffer of expiry
type CachingSource struct {
	next   CredentialSource
	buffer time.Duration
	now    func() time.Time

	mu     sync.Mutex
	tokens map[string]*Token
}

func NewCachingSource(next CredentialSource, buffer time.Duration) *CachingSource {
	return &CachingSource{
		next:   next,
		buffer: buffer,
		now:    time.Now,
		tokens: make(map[string]*Token),
	}
}

func (c *CachingSource) GetCredentials(ctx context.Context, userID string) (*Token, error) {
	c.mu.Lock()
	tok, ok := c.tokens[userID]
	c.mu.Unlock()
	if ok && tok.Expiry.After(c.now().Add(c.buffer)) {
		return tok, nil
	}

	tok, err := c.next.GetCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tokens[userID] = tok
	c.mu.Unlock()
	log.Debug().Str("user_id", userID).Time("expiry", tok.Expiry).Msg("credential cached")
	return tok, nil
}

// Invalidate drops the cached token of userID
func (c *CachingSource) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.tokens, userID)
	c.mu.Unlock()
}
