// Package transport adapts broadcast pub/sub backends to one small
// interface: subscribe to a topic, receive every frame published on it
// (including our own), publish frames to it.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrTransportFailure wraps every subscribe or publish failure. Callers
	// retry; it is never fatal.
	ErrTransportFailure = errors.New("transport failure")
	ErrClosed           = errors.New("transport: subscription closed")
)

type Transport interface {
	// Subscribe returns once the backend has confirmed the join.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

type Subscription interface {
	// Messages delivers frames in publish order. It is never closed; select
	// on Done as well.
	Messages() <-chan []byte
	// Done is closed when the subscription ends for any reason.
	Done() <-chan struct{}
	Publish(ctx context.Context, frame []byte) error
	Close() error
}
