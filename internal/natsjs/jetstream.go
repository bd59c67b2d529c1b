package natsjs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-ingest/internal/apperr"
	"github.com/Martian-dev/mail-ingest/internal/mail"
)

const service = "nats"

// batchNamespace scopes batch dedup ids
var batchNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mail-ingest/email-batch"))

// StreamConfig names the stream and the subject batches go to
type StreamConfig struct {
	Stream     string
	RoutingKey string
	// Duplicates is the broker-side dedup window.
	Duplicates time.Duration
	MaxAge     time.Duration
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Stream:     "EMAIL_INGEST",
		RoutingKey: "email.batch",
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	}
}

// subjects returns the wildcard covering the routing key's root token
func (c StreamConfig) subjects() []string {
	root, _, _ := strings.Cut(c.RoutingKey, ".")
	return []string{root + ".>"}
}

// Batch is the payload of one publish
type Batch struct {
	UserID  string       `json:"user_id"`
	BatchID string       `json:"batch_id"`
	Emails  []mail.Email `json:"emails"`
}

// Publisher wraps NATS JetStream for publishing email batches
type Publisher struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg StreamConfig
}

// NewPublisher creates a new NATS JetStream publisher
func NewPublisher(url string, cfg StreamConfig) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("mail-ingest"))
	if err != nil {
		return nil, apperr.External(service, "connect", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, apperr.External(service, "jetstream context", err)
	}

	return &Publisher{nc: nc, js: js, cfg: cfg}, nil
}

// EnsureStream creates the ingest stream unless it exists
func (p *Publisher) EnsureStream(ctx context.Context) error {
	info, err := p.js.StreamInfo(p.cfg.Stream, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       p.cfg.Stream,
		Subjects:   p.cfg.subjects(),
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: p.cfg.Duplicates,
		MaxAge:     p.cfg.MaxAge,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return apperr.External(service, "create stream "+p.cfg.Stream, err)
	}
	return nil
}

// PublishBatch publishes emails as one durable batch and waits for the
// stream's ack. Publishing the same user's same messages again inside the
// duplicate window is dropped by the broker.
func (p *Publisher) PublishBatch(ctx context.Context, userID string, emails []mail.Email) error {
	msg, err := NewBatchMsg(p.cfg.RoutingKey, userID, emails)
	if err != nil {
		return err
	}

	ack, err := p.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return apperr.External(service, "publish "+msg.Subject, err)
	}
	if ack.Duplicate {
		log.Debug().Str("user_id", userID).Str("batch_id", msg.Header.Get(nats.MsgIdHdr)).Msg("batch already in stream")
	}
	return nil
}

// NewBatchMsg builds the JetStream message for a batch
func NewBatchMsg(subject, userID string, emails []mail.Email) (*nats.Msg, error) {
	ids := make([]string, len(emails))
	for i, e := range emails {
		ids[i] = e.ID
	}
	batchID := BatchID(userID, ids)

	payload, err := json.Marshal(Batch{UserID: userID, BatchID: batchID, Emails: emails})
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "encode batch", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, batchID)
	msg.Header.Set("Content-Type", "application/json")
	return msg, nil
}

// BatchID derives a stable id from a user and an ordered list of message ids
func BatchID(userID string, messageIDs []string) string {
	name := userID + "\x00" + strings.Join(messageIDs, "\x00")
	return uuid.NewSHA1(batchNamespace, []byte(name)).String()
}

// Ping reports whether the connection is up
func (p *Publisher) Ping() error {
	if p.nc == nil || !p.nc.IsConnected() {
		return apperr.External(service, "ping", fmt.Errorf("not connected"))
	}
	return nil
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
