// Package events publishes lifecycle notifications for other services (alerting, reporting) to consume.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectTenantCreated      = "sata.tenant.created"
	SubjectTenantDeleted      = "sata.tenant.deleted"
	SubjectInvitationIssued   = "sata.invitation.issued"
	SubjectInvitationRedeemed = "sata.invitation.redeemed"
)

// Envelope wraps every published payload.
type Envelope struct {
	Subject    string    `json:"subject"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data"`
}

// Publisher emits events. Failures are reported to the caller, which only logs them.
type Publisher interface {
	Publish(ctx context.Context, subject string, data any) error
	Close()
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, string, any) error { return nil }
func (Noop) Close()                                     {}

// NATS publishes JSON envelopes on a core NATS connection.
type NATS struct {
	conn *nats.Conn
	now  func() time.Time
}

var (
	_ Publisher = Noop{}
	_ Publisher = (*NATS)(nil)
)

// Config for the NATS connection.
type Config struct {
	URL               string
	Name              string
	ReconnectInterval time.Duration
	MaxReconnects     int
}

// Connect returns a NATS publisher, or Noop when no URL is configured.
func Connect(cfg Config, logger *zap.Logger) (Publisher, error) {
	if cfg.URL == "" {
		return Noop{}, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &NATS{conn: nc, now: time.Now}, nil
}

func (p *NATS) Publish(_ context.Context, subject string, data any) error {
	body, err := json.Marshal(Envelope{Subject: subject, OccurredAt: p.now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(subject, body); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *NATS) Close() {
	_ = p.conn.Drain()
}

// Emit publishes and logs failures; lifecycle operations never fail because of events.
func Emit(ctx context.Context, p Publisher, logger *zap.Logger, subject string, data any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, subject, data); err != nil && logger != nil {
		logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
