package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/h1v3-io/courier/pkg/protocol"
)

// DefaultSubjectPrefix is the subject root for delivery events.
const DefaultSubjectPrefix = "courier.delivery"

// Connect opens a NATS connection that keeps reconnecting in the background.
func Connect(url, name string, logger *slog.Logger) (*comms.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "comms")
	logger.Info("connecting to comms", "url", url, "name", name)

	nc, err := comms.Connect(url,
		comms.Name(name),
		comms.Timeout(10*time.Second),
		comms.ReconnectWait(2*time.Second),
		comms.MaxReconnects(60),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			logger.Warn("comms disconnected", "error", err)
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			logger.Info("comms reconnected", "url", nc.ConnectedUrl())
		}),
		comms.ClosedHandler(func(*comms.Conn) {
			logger.Info("comms connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect %s: %w", url, err)
	}
	logger.Info("connected to comms", "url", nc.ConnectedUrl())
	return nc, nil
}

// CommsPublisher publishes delivery events as JSON on
// <prefix>.<outcome>.<recipient>.
type CommsPublisher struct {
	nc     *comms.Conn
	prefix string
	logger *slog.Logger
}

// NewCommsPublisher creates a CommsPublisher. An empty prefix uses
// DefaultSubjectPrefix.
func NewCommsPublisher(nc *comms.Conn, prefix string, logger *slog.Logger) *CommsPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommsPublisher{nc: nc, prefix: prefix, logger: logger.With("component", "events")}
}

// Subject returns the subject an event is published on.
func (p *CommsPublisher) Subject(event DeliveryEvent) string {
	return BuildDeliverySubject(p.prefix, event.Outcome, event.Recipient)
}

func (p *CommsPublisher) PublishDelivery(_ context.Context, event DeliveryEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: encode delivery event: %w", err)
	}
	subject := p.Subject(event)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Error("publish failed", "subject", subject, "error", err)
		return fmt.Errorf("events: publish %s: %w", subject, err)
	}
	p.logger.Debug("delivery event published", "subject", subject, "id", event.MessageID)
	return nil
}

// BuildDeliverySubject builds the subject for an outcome and recipient.
// Subject tokens cannot contain dots, spaces or wildcards, so those
// characters in the recipient become underscores.
func BuildDeliverySubject(prefix string, outcome protocol.DispatchOutcome, recipient string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '\t', '*', '>':
			return '_'
		}
		return r
	}, recipient)
	if safe == "" {
		safe = "_"
	}
	return fmt.Sprintf("%s.%s.%s", prefix, outcome, safe)
}
