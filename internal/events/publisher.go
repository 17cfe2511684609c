// Package events publishes delivery outcomes to interested collaborators.
package events

import (
	"context"
	"time"

	"github.com/h1v3-io/courier/pkg/protocol"
)

// DeliveryEvent describes the outcome of one dispatch cycle for one message.
type DeliveryEvent struct {
	MessageID string                   `json:"message_id"`
	Sender    string                   `json:"sender,omitempty"`
	Recipient string                   `json:"recipient"`
	Outcome   protocol.DispatchOutcome `json:"outcome"`
	Attempts  int                      `json:"attempts"`
	Target    *protocol.Point          `json:"target,omitempty"`
	Error     string                   `json:"error,omitempty"`
	ErrorKind string                   `json:"error_kind,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

// Publisher is the interface for publishing delivery events.
type Publisher interface {
	PublishDelivery(ctx context.Context, event DeliveryEvent) error
}

// NoOpPublisher discards every event.
type NoOpPublisher struct{}

func (NoOpPublisher) PublishDelivery(context.Context, DeliveryEvent) error { return nil }

// CallbackPublisher calls a function for every event (tests, in-process
// observers).
type CallbackPublisher struct {
	callback func(ctx context.Context, event DeliveryEvent) error
}

// NewCallbackPublisher creates a CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event DeliveryEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

func (p *CallbackPublisher) PublishDelivery(ctx context.Context, event DeliveryEvent) error {
	return p.callback(ctx, event)
}
