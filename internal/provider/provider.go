// Package provider defines the contract between the fetch orchestrator and
// the remote mail providers.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mail-ingest/internal/apperr"
	"github.com/Martian-dev/mail-ingest/internal/auth"
	"github.com/Martian-dev/mail-ingest/internal/mail"
)

// Name identifies a provider implementation
type Name string

const (
	Gmail   Name = "gmail"
	Outlook Name = "outlook"
)

// Query selects messages to list. The zero Query lists every message.
type Query struct {
	Since time.Time
}

// All reports whether q selects all messages
func (q Query) All() bool { return q.Since.IsZero() }

func (q Query) String() string {
	if q.All() {
		return "all"
	}
	return "since " + q.Since.Format(time.DateOnly)
}

// Page is one page of message ids, newest first
type Page struct {
	IDs           []string
	NextPageToken string
}

// Client talks to one user's mailbox. Implementations classify their errors
// with apperr kinds: Authentication, NotFound, RateLimit or ExternalService.
type Client interface {
	ListMessages(ctx context.Context, q Query, pageToken string, pageSize int) (Page, error)
	GetMessage(ctx context.Context, id string) (*mail.Message, error)
}

// Factory builds a Client for userID's mailbox from their token
type Factory func(ctx context.Context, userID string, tok *auth.Token) (Client, error)

// Connector resolves a user's Client through their credentials
type Connector struct {
	Credentials auth.CredentialSource
	Factory     Factory
}

// ClientFor returns a Client for userID. A missing credential is an
// authentication error.
func (c *Connector) ClientFor(ctx context.Context, userID string) (Client, error) {
	tok, err := c.Credentials.GetCredentials(ctx, userID)
	if err != nil {
		if errors.Is(err, auth.ErrNoCredential) {
			return nil, apperr.New(apperr.KindAuthentication, "get credentials", err)
		}
		return nil, apperr.External("auth", "get credentials", err)
	}
	client, err := c.Factory(ctx, userID, tok)
	if err != nil {
		return nil, apperr.New(apperr.KindConfiguration, "create provider client", fmt.Errorf("user %s: %w", userID, err))
	}
	return client, nil
}
