package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/h1v3-io/courier/pkg/protocol"
)

// ErrReleased is returned when a Guard is used after Release.
var ErrReleased = errors.New("dispatch: device guard already released")

// Exclusive owns the process's only input device. Every dispatcher must
// hold a Guard from Acquire for its whole move-focus-type sequence.
type Exclusive struct {
	dev Device
	sem chan struct{}
}

// NewExclusive wraps dev.
func NewExclusive(dev Device) *Exclusive {
	return &Exclusive{dev: dev, sem: make(chan struct{}, 1)}
}

// Acquire blocks until the device is free or ctx is done.
func (e *Exclusive) Acquire(ctx context.Context) (*Guard, error) {
	select {
	case e.sem <- struct{}{}:
		return &Guard{e: e}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("dispatch: acquire device: %w", ctx.Err())
	}
}

// Guard is exclusive access to the device. Release is safe to call more
// than once and should always be deferred.
type Guard struct {
	e    *Exclusive
	once sync.Once
	mu   sync.Mutex
	done bool
}

// Release returns the device to the pool.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.mu.Lock()
		g.done = true
		g.mu.Unlock()
		<-g.e.sem
	})
}

// Deliver moves to p, focuses the window there and types text. The three
// steps form one logical injection and stop at the first error.
func (g *Guard) Deliver(ctx context.Context, p protocol.Point, text string) error {
	g.mu.Lock()
	released := g.done
	g.mu.Unlock()
	if released {
		return ErrReleased
	}

	dev := g.e.dev
	if err := dev.MoveTo(ctx, p); err != nil {
		return fmt.Errorf("move to %s: %w", p, err)
	}
	if err := dev.Focus(ctx, p); err != nil {
		return fmt.Errorf("focus %s: %w", p, err)
	}
	if err := dev.Type(ctx, text); err != nil {
		return fmt.Errorf("type: %w", err)
	}
	return nil
}
