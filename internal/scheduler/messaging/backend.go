package messaging

import (
	"time"

	"github.com/pkg/errors"

	"github.com/ngageoint/scale/internal/common/scalecontext"
)

var (
	// ErrUnavailable is returned by backends that cannot currently be reached.
	ErrUnavailable = errors.New("message backend unavailable")
	// ErrStaleDelivery is returned when acking a delivery whose visibility timeout expired and that was handed out
	// again.
	ErrStaleDelivery = errors.New("delivery is no longer held")
)

// Backend is durable message storage.
type Backend interface {
	// Publish durably stores messages before returning. Messages whose id was stored before are ignored.
	Publish(ctx *scalecontext.Context, messages ...*Message) error
	// Receive returns up to max visible messages. Each is invisible to other receivers until acked, nacked or its
	// visibility timeout expires. It returns an empty slice when nothing is visible.
	Receive(ctx *scalecontext.Context, max int) ([]*Delivery, error)
	// Ack removes a delivered message and stores fanout in the same step.
	Ack(ctx *scalecontext.Context, delivery *Delivery, fanout []*Message) error
	// Nack makes a delivered message visible again after retryAfter with its attempt count incremented.
	Nack(ctx *scalecontext.Context, delivery *Delivery, retryAfter time.Duration) error
	// DeadLetter moves a delivered message to the dead-letter store.
	DeadLetter(ctx *scalecontext.Context, delivery *Delivery, reason string) error
	Close() error
}

// Publisher is the part of the bus most components need.
type Publisher interface {
	Publish(ctx *scalecontext.Context, messages ...*Message) error
}
