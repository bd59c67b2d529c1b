// Package mail holds the provider-neutral message model and its normalization
// into the record published downstream.
package mail

import (
	"fmt"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/Martian-dev/mail-ingest/internal/apperr"
)

// Message is a message as returned by a provider, headers included
type Message struct {
	ID             string
	ThreadID       string
	LabelIDs       []string
	Snippet        string
	Headers        map[string]string
	ReceivedAt     time.Time
	HasAttachments bool
}

// Address is a parsed mailbox
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Email is the normalized record handed to the broker
type Email struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	ThreadID       string            `json:"thread_id,omitempty"`
	Labels         []string          `json:"labels"`
	Subject        string            `json:"subject"`
	From           Address           `json:"from_address"`
	To             []Address         `json:"to_addresses"`
	Cc             []Address         `json:"cc_addresses"`
	Bcc            []Address         `json:"bcc_addresses"`
	Date           time.Time         `json:"date"`
	Snippet        string            `json:"snippet"`
	HasAttachments bool              `json:"has_attachments"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// Normalize converts m into an Email owned by userID. Header names are
// matched case-insensitively. The Date header wins over ReceivedAt when it parses.
func Normalize(userID string, m *Message) (Email, error) {
	if m == nil || m.ID == "" {
		return Email{}, apperr.New(apperr.KindValidation, "normalize", fmt.Errorf("message has no id"))
	}
	if userID == "" {
		return Email{}, apperr.New(apperr.KindValidation, "normalize", fmt.Errorf("message %s has no user", m.ID))
	}

	headers := make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		headers[strings.ToLower(k)] = v
	}

	from := ParseAddressList(headers["from"])
	e := Email{
		ID:             m.ID,
		UserID:         userID,
		ThreadID:       m.ThreadID,
		Labels:         m.LabelIDs,
		Subject:        headers["subject"],
		To:             ParseAddressList(headers["to"]),
		Cc:             ParseAddressList(headers["cc"]),
		Bcc:            ParseAddressList(headers["bcc"]),
		Date:           m.ReceivedAt.UTC(),
		Snippet:        m.Snippet,
		HasAttachments: m.HasAttachments,
		Headers:        headers,
	}
	if len(from) > 0 {
		e.From = from[0]
	}
	if e.Labels == nil {
		e.Labels = []string{}
	}
	if d, err := netmail.ParseDate(headers["date"]); err == nil {
		e.Date = d.UTC()
	}
	return e, nil
}

// ParseAddressList parses an RFC 5322 address list. Entries that do not
// parse are kept verbatim as the address.
func ParseAddressList(s string) []Address {
	s = strings.TrimSpace(s)
	if s == "" {
		return []Address{}
	}
	if list, err := netmail.ParseAddressList(s); err == nil {
		out := make([]Address, 0, len(list))
		for _, a := range list {
			out = append(out, Address{Email: a.Address, Name: a.Name})
		}
		return out
	}

	parts := strings.Split(s, ",")
	out := make([]Address, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if a, err := netmail.ParseAddress(p); err == nil {
			out = append(out, Address{Email: a.Address, Name: a.Name})
			continue
		}
		out = append(out, Address{Email: p})
	}
	return out
}
