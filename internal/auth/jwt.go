package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Principal is the caller identified by a front-door bearer token
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// JWTVerifier validates bearer tokens against a JWKS key set
type JWTVerifier struct {
	keys jwk.Set
}

// NewJWTVerifier registers jwksURL in a refreshing cache and warms it.
// Keys are re-fetched in the background at most every refresh interval.
func NewJWTVerifier(ctx context.Context, jwksURL string, refresh time.Duration) (*JWTVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &JWTVerifier{keys: jwk.NewCachedSet(cache, jwksURL)}, nil
}

// NewStaticJWTVerifier verifies against a fixed key set
func NewStaticJWTVerifier(keys jwk.Set) *JWTVerifier {
	return &JWTVerifier{keys: keys}
}

// Verify parses the Authorization bearer token of r
func (v *JWTVerifier) Verify(r *http.Request) (*Principal, error) {
	token, err := jwt.ParseRequest(r, jwt.WithKeySet(v.keys), jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	if token.Subject() == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	p := &Principal{ID: token.Subject()}
	if claim, ok := token.Get("email"); ok {
		p.Email, _ = claim.(string)
	}
	return p, nil
}
