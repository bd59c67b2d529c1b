// Package outlook lists and reads messages through Microsoft Graph.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	absauth "github.com/microsoft/kiota-abstractions-go/authentication"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mail-ingest/internal/apperr"
	"github.com/Martian-dev/mail-ingest/internal/auth"
	"github.com/Martian-dev/mail-ingest/internal/mail"
	"github.com/Martian-dev/mail-ingest/internal/provider"
)

const service = "outlook"

var messageFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"bccRecipients", "bodyPreview", "receivedDateTime", "hasAttachments", "categories",
}

// Adapter implements provider.Client for one Graph mailbox
type Adapter struct {
	client  *msgraphsdk.GraphServiceClient
	mailbox string
}

// NewFactory returns a provider.Factory addressing the mailbox of the
// ingesting user (user id or principal name).
func NewFactory() provider.Factory {
	return func(ctx context.Context, userID string, tok *auth.Token) (provider.Client, error) {
		return New(tok, userID)
	}
}

// New creates an adapter authenticated with tok
func New(tok *auth.Token, mailbox string) (*Adapter, error) {
	cred := &staticTokenCredential{token: tok.AccessToken, expiry: tok.Expiry}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return &Adapter{client: client, mailbox: mailbox}, nil
}

// NewWithBaseURL creates an unauthenticated adapter against baseURL
func NewWithBaseURL(baseURL, mailbox string) (*Adapter, error) {
	adapter, err := msgraphsdk.NewGraphRequestAdapter(&absauth.AnonymousAuthenticationProvider{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph request adapter: %w", err)
	}
	adapter.SetBaseUrl(baseURL)
	return &Adapter{client: msgraphsdk.NewGraphServiceClient(adapter), mailbox: mailbox}, nil
}

// Filter renders q as an OData $filter, empty for all messages
func Filter(q provider.Query) string {
	if q.All() {
		return ""
	}
	return "receivedDateTime ge " + q.Since.UTC().Format(time.RFC3339)
}

// ListMessages pages through the mailbox newest first. The page token is
// the @odata.nextLink of the previous page.
func (a *Adapter) ListMessages(ctx context.Context, q provider.Query, pageToken string, pageSize int) (provider.Page, error) {
	builder := a.client.Users().ByUserId(a.mailbox).Messages()

	var (
		result models.MessageCollectionResponseable
		err    error
	)
	if pageToken != "" {
		result, err = builder.WithUrl(pageToken).Get(ctx, nil)
	} else {
		top := int32(pageSize)
		params := &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     &top,
			Select:  []string{"id"},
			Orderby: []string{"receivedDateTime desc"},
		}
		if f := Filter(q); f != "" {
			params.Filter = &f
		}
		result, err = builder.Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{QueryParameters: params})
	}
	if err != nil {
		return provider.Page{}, classify(err, "list messages")
	}

	page := provider.Page{}
	for _, m := range result.GetValue() {
		if id := m.GetId(); id != nil {
			page.IDs = append(page.IDs, *id)
		}
	}
	if next := result.GetOdataNextLink(); next != nil {
		page.NextPageToken = *next
	}
	return page, nil
}

func (a *Adapter) GetMessage(ctx context.Context, id string) (*mail.Message, error) {
	m, err := a.client.Users().ByUserId(a.mailbox).Messages().ByMessageId(id).Get(ctx,
		&users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
				Select: messageFields,
			},
		})
	if err != nil {
		return nil, classify(err, "get message "+id)
	}
	return toMessage(m), nil
}

// toMessage maps Graph fields onto RFC 5322 style headers so that
// normalization is shared with other providers.
func toMessage(m models.Messageable) *mail.Message {
	msg := &mail.Message{
		ID:       deref(m.GetId()),
		ThreadID: deref(m.GetConversationId()),
		LabelIDs: m.GetCategories(),
		Snippet:  deref(m.GetBodyPreview()),
		Headers:  make(map[string]string),
	}
	if v := m.GetHasAttachments(); v != nil {
		msg.HasAttachments = *v
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.ReceivedAt = rcvd.UTC()
	}
	if s := m.GetSubject(); s != nil {
		msg.Headers["Subject"] = *s
	}
	if from := m.GetFrom(); from != nil {
		msg.Headers["From"] = formatRecipients([]models.Recipientable{from})
	}
	for name, list := range map[string][]models.Recipientable{
		"To":  m.GetToRecipients(),
		"Cc":  m.GetCcRecipients(),
		"Bcc": m.GetBccRecipients(),
	} {
		if len(list) > 0 {
			msg.Headers[name] = formatRecipients(list)
		}
	}
	return msg
}

func formatRecipients(recipients []models.Recipientable) string {
	parts := make([]string, 0, len(recipients))
	for _, r := range recipients {
		addr := r.GetEmailAddress()
		if addr == nil || addr.GetAddress() == nil {
			continue
		}
		if name := deref(addr.GetName()); name != "" {
			parts = append(parts, fmt.Sprintf("%q <%s>", name, *addr.GetAddress()))
		} else {
			parts = append(parts, *addr.GetAddress())
		}
	}
	return strings.Join(parts, ", ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// classify maps Graph errors onto apperr kinds
func classify(err error, op string) error {
	var odataErr *odataerrors.ODataError
	if !errors.As(err, &odataErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return apperr.External(service, op, err)
	}

	switch odataErr.ResponseStatusCode {
	case 401, 403:
		return &apperr.Error{Kind: apperr.KindAuthentication, Op: op, Service: service, Err: err}
	case 404:
		return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Service: service, Err: err}
	case 429:
		return apperr.RateLimited(service, op, err)
	default:
		return apperr.External(service, op, err)
	}
}

// staticTokenCredential hands Graph an access token minted by the auth service
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiry := c.expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: expiry}, nil
}
