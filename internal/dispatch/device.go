// Package dispatch delivers queued messages through the single shared input
// device: one move-focus-type sequence at a time, with retry and backoff.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/h1v3-io/courier/pkg/protocol"
)

// Device is the pointer-and-keyboard channel used to reach agent windows.
// There is exactly one per process; see Exclusive.
type Device interface {
	MoveTo(ctx context.Context, p protocol.Point) error
	Focus(ctx context.Context, p protocol.Point) error
	Type(ctx context.Context, text string) error
}

// EventKind names a device operation.
type EventKind string

const (
	EventMove  EventKind = "move"
	EventFocus EventKind = "focus"
	EventType  EventKind = "type"
)

// DeviceEvent is one operation recorded by SimulatedDevice.
type DeviceEvent struct {
	Kind  EventKind      `json:"kind"`
	Point protocol.Point `json:"point"`
	Text  string         `json:"text,omitempty"`
	At    time.Time      `json:"at"`
}

// FailureFunc decides whether a simulated operation fails. Returning nil
// lets it succeed.
type FailureFunc func(kind EventKind, p protocol.Point, text string) error

// SimulatedDevice records input events instead of driving a real desktop.
// Each operation takes Latency and honours context cancellation, so
// dispatch timeouts behave as they would against real hardware.
type SimulatedDevice struct {
	mu       sync.Mutex
	latency  time.Duration
	fail     FailureFunc
	events   []DeviceEvent
	active   int
	overlaps int
	pointer  protocol.Point
}

// NewSimulatedDevice creates a device whose operations each take latency.
func NewSimulatedDevice(latency time.Duration) *SimulatedDevice {
	return &SimulatedDevice{latency: latency}
}

// SetFailure installs fn as the failure policy; nil clears it.
func (d *SimulatedDevice) SetFailure(fn FailureFunc) {
	d.mu.Lock()
	d.fail = fn
	d.mu.Unlock()
}

// SetLatency changes the per-operation latency.
func (d *SimulatedDevice) SetLatency(latency time.Duration) {
	d.mu.Lock()
	d.latency = latency
	d.mu.Unlock()
}

func (d *SimulatedDevice) MoveTo(ctx context.Context, p protocol.Point) error {
	return d.do(ctx, DeviceEvent{Kind: EventMove, Point: p})
}

func (d *SimulatedDevice) Focus(ctx context.Context, p protocol.Point) error {
	return d.do(ctx, DeviceEvent{Kind: EventFocus, Point: p})
}

func (d *SimulatedDevice) Type(ctx context.Context, text string) error {
	d.mu.Lock()
	p := d.pointer
	d.mu.Unlock()
	return d.do(ctx, DeviceEvent{Kind: EventType, Point: p, Text: text})
}

// Events returns a copy of every recorded event in order.
func (d *SimulatedDevice) Events() []DeviceEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeviceEvent(nil), d.events...)
}

// Overlaps reports how many operations started while another was running.
func (d *SimulatedDevice) Overlaps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overlaps
}

// Pointer returns the last position the pointer was moved to.
func (d *SimulatedDevice) Pointer() protocol.Point {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pointer
}

func (d *SimulatedDevice) do(ctx context.Context, ev DeviceEvent) error {
	d.mu.Lock()
	if d.active > 0 {
		d.overlaps++
	}
	d.active++
	latency, fail := d.latency, d.fail
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	if fail != nil {
		if err := fail(ev.Kind, ev.Point, ev.Text); err != nil {
			return err
		}
	}

	d.mu.Lock()
	ev.At = time.Now()
	d.events = append(d.events, ev)
	if ev.Kind == EventMove {
		d.pointer = ev.Point
	}
	d.mu.Unlock()
	return nil
}
