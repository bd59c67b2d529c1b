// Package gmail lists and reads messages through the Gmail API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mail-ingest/internal/apperr"
	"github.com/Martian-dev/mail-ingest/internal/auth"
	"github.com/Martian-dev/mail-ingest/internal/mail"
	"github.com/Martian-dev/mail-ingest/internal/provider"
)

const service = "gmail"

// Adapter implements provider.Client for the authenticated Gmail user
type Adapter struct {
	svc  *gmail.Service
	user string
}

// NewFactory returns a provider.Factory. clientID and clientSecret let the
// token source refresh expired access tokens. The mailbox is always the
// token owner.
func NewFactory(clientID, clientSecret string, opts ...option.ClientOption) provider.Factory {
	return func(ctx context.Context, _ string, tok *auth.Token) (provider.Client, error) {
		return New(ctx, tok, clientID, clientSecret, opts...)
	}
}

// New creates an adapter for the mailbox that owns tok
func New(ctx context.Context, tok *auth.Token, clientID, clientSecret string, opts ...option.ClientOption) (*Adapter, error) {
	config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}
	httpClient := config.Client(ctx, &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	})

	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Adapter{svc: svc, user: "me"}, nil
}

// SearchQuery renders q in Gmail search syntax
func SearchQuery(q provider.Query) string {
	if q.All() {
		return ""
	}
	return "after:" + q.Since.Format("2006/01/02")
}

func (a *Adapter) ListMessages(ctx context.Context, q provider.Query, pageToken string, pageSize int) (provider.Page, error) {
	call := a.svc.Users.Messages.List(a.user).
		IncludeSpamTrash(false).
		MaxResults(int64(pageSize)).
		Context(ctx)
	if s := SearchQuery(q); s != "" {
		call = call.Q(s)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return provider.Page{}, classify(err, "list messages")
	}

	page := provider.Page{NextPageToken: resp.NextPageToken, IDs: make([]string, 0, len(resp.Messages))}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

func (a *Adapter) GetMessage(ctx context.Context, id string) (*mail.Message, error) {
	m, err := a.svc.Users.Messages.Get(a.user, id).Format("metadata").Context(ctx).Do()
	if err != nil {
		return nil, classify(err, "get message "+id)
	}
	return toMessage(m), nil
}

func toMessage(m *gmail.Message) *mail.Message {
	msg := &mail.Message{
		ID:         m.Id,
		ThreadID:   m.ThreadId,
		LabelIDs:   m.LabelIds,
		Snippet:    m.Snippet,
		Headers:    make(map[string]string),
		ReceivedAt: time.UnixMilli(m.InternalDate).UTC(),
	}
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			msg.Headers[h.Name] = h.Value
		}
		msg.HasAttachments = strings.HasPrefix(m.Payload.MimeType, "multipart/mixed") || hasAttachmentPart(m.Payload.Parts)
	}
	return msg
}

func hasAttachmentPart(parts []*gmail.MessagePart) bool {
	for _, p := range parts {
		if p.Filename != "" || hasAttachmentPart(p.Parts) {
			return true
		}
	}
	return false
}

// classify maps Gmail API errors onto apperr kinds
func classify(err error, op string) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return &apperr.Error{Kind: apperr.KindAuthentication, Op: op, Service: service, Err: err}
		}
		return apperr.External(service, op, err)
	}

	switch apiErr.Code {
	case 401:
		return &apperr.Error{Kind: apperr.KindAuthentication, Op: op, Service: service, Err: err}
	case 403:
		if isRateLimitReason(apiErr) {
			return apperr.RateLimited(service, op, err)
		}
		return &apperr.Error{Kind: apperr.KindAuthentication, Op: op, Service: service, Err: err}
	case 404:
		return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Service: service, Err: err}
	case 429:
		return apperr.RateLimited(service, op, err)
	default:
		return apperr.External(service, op, err)
	}
}

func isRateLimitReason(e *googleapi.Error) bool {
	if strings.Contains(e.Message, "Rate Limit") {
		return true
	}
	for _, item := range e.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
