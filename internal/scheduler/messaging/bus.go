package messaging

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/logging"
	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/util"
)

type Outcome int

const (
	// OutcomeOk acks the message and publishes the result's messages.
	OutcomeOk Outcome = iota
	// OutcomeRetry nacks the message so it is delivered again after a delay.
	OutcomeRetry
	// OutcomeFail moves the message to the dead-letter store.
	OutcomeFail
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "ok"
	case OutcomeRetry:
		return "retry"
	default:
		return "fail"
	}
}

// Result is what a handler returns for one message.
type Result struct {
	Outcome  Outcome
	Messages []*Message
	// Delay overrides the backoff for OutcomeRetry when non-zero.
	Delay time.Duration
	Err   error
}

func Ok(messages ...*Message) Result {
	return Result{Outcome: OutcomeOk, Messages: messages}
}

func Retry(err error) Result {
	return Result{Outcome: OutcomeRetry, Err: err}
}

func RetryAfter(delay time.Duration, err error) Result {
	return Result{Outcome: OutcomeRetry, Delay: delay, Err: err}
}

func Fail(err error) Result {
	return Result{Outcome: OutcomeFail, Err: err}
}

// Handler processes one message. It must be idempotent in the message's type and body.
type Handler func(ctx *scalecontext.Context, msg *Message) Result

type BusConfig struct {
	Workers      int
	ReceiveBatch int
	MaxAttempts  int
	Backoff      util.Backoff
	// PollInterval is how long the receive loop waits when nothing is visible.
	PollInterval time.Duration
	// OutboxInterval is how often buffered publishes are retried.
	OutboxInterval time.Duration
}

var (
	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scale_scheduler_messages_processed_total",
		Help: "Number of messages processed by type and outcome",
	}, []string{"type", "outcome"})
	messagesDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scale_scheduler_messages_duplicate_total",
		Help: "Number of redelivered messages skipped because they were already processed",
	}, []string{"type"})
	outboxSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scale_scheduler_message_outbox_size",
		Help: "Number of published messages buffered while the backend is unavailable",
	})
)

// Bus delivers messages from a backend to the registered handlers.
type Bus struct {
	backend  Backend
	dedup    DedupStore
	config   BusConfig
	clock    clock.Clock
	handlers map[string]Handler

	outboxMu sync.Mutex
	outbox   []*Message

	reachable atomic.Bool
	limiter   *rate.Limiter
}

func NewBus(backend Backend, dedup DedupStore, config BusConfig, clock clock.Clock) *Bus {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.ReceiveBatch < 1 {
		config.ReceiveBatch = 10
	}
	b := &Bus{
		backend:  backend,
		dedup:    dedup,
		config:   config,
		clock:    clock,
		handlers: map[string]Handler{},
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
	b.reachable.Store(true)
	return b
}

// Register installs the handler for a message type. It must be called before Run.
func (b *Bus) Register(msgType string, handler Handler) {
	b.handlers[msgType] = handler
}

// Publish stores messages in the backend. If the backend is unreachable, or earlier publishes are still buffered,
// the messages are buffered in order and stored once the backend recovers; the call then still succeeds.
func (b *Bus) Publish(ctx *scalecontext.Context, messages ...*Message) error {
	if len(messages) == 0 {
		return nil
	}
	now := b.clock.Now()
	for _, msg := range messages {
		if msg.ID == "" {
			return errors.Errorf("message of type %s has no id", msg.Type)
		}
		if msg.EnqueuedAt.IsZero() {
			msg.EnqueuedAt = now
		}
	}
	b.outboxMu.Lock()
	defer b.outboxMu.Unlock()
	if len(b.outbox) == 0 {
		err := b.backend.Publish(ctx, messages...)
		if err == nil {
			return nil
		}
		b.markUnreachable(ctx, err)
	}
	for _, msg := range messages {
		b.outbox = append(b.outbox, msg.DeepCopy())
	}
	outboxSize.Set(float64(len(b.outbox)))
	return nil
}

// FlushOutbox stores buffered messages. Messages are retried in order; the first failure stops the flush.
func (b *Bus) FlushOutbox(ctx *scalecontext.Context) error {
	b.outboxMu.Lock()
	defer b.outboxMu.Unlock()
	if len(b.outbox) == 0 {
		return nil
	}
	err := retry.Do(
		func() error { return b.backend.Publish(ctx, b.outbox...) },
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		b.markUnreachable(ctx, err)
		return err
	}
	ctx.Log.Infof("stored %d buffered messages", len(b.outbox))
	b.outbox = nil
	outboxSize.Set(0)
	b.reachable.Store(true)
	return nil
}

// OutboxLen returns the number of buffered messages.
func (b *Bus) OutboxLen() int {
	b.outboxMu.Lock()
	defer b.outboxMu.Unlock()
	return len(b.outbox)
}

func (b *Bus) markUnreachable(ctx *scalecontext.Context, err error) {
	if b.reachable.Swap(false) {
		logging.WithStacktrace(ctx.Log, err).Warn("message backend unreachable")
	}
}

// Check reports whether the backend was reachable the last time it was used.
func (b *Bus) Check() error {
	if !b.reachable.Load() {
		return errors.New("message backend unreachable")
	}
	return nil
}

// Run receives and dispatches messages to a pool of workers until ctx is cancelled.
func (b *Bus) Run(ctx *scalecontext.Context) error {
	ctx = scalecontext.WithService(ctx, "MessageBus")
	deliveries := make(chan *Delivery)
	wg := sync.WaitGroup{}
	for i := 0; i < b.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				b.process(ctx, d)
			}
		}()
	}
	defer func() {
		close(deliveries)
		wg.Wait()
	}()

	lastFlush := b.clock.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if b.clock.Since(lastFlush) >= b.config.OutboxInterval {
			_ = b.FlushOutbox(ctx)
			lastFlush = b.clock.Now()
		}
		batch, err := b.backend.Receive(ctx, b.config.ReceiveBatch)
		if err != nil {
			b.markUnreachable(ctx, err)
			// The limiter spaces out attempts while the backend is down.
			if err := b.limiter.Wait(ctx); err != nil {
				return nil
			}
			continue
		}
		if b.OutboxLen() == 0 {
			b.reachable.Store(true)
		}
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-b.clock.After(b.config.PollInterval):
			}
			continue
		}
		for _, d := range batch {
			select {
			case deliveries <- d:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// OutboxPending returns copies of the buffered messages.
func (b *Bus) OutboxPending() []*Message {
	b.outboxMu.Lock()
	defer b.outboxMu.Unlock()
	result := make([]*Message, len(b.outbox))
	for i, msg := range b.outbox {
		result[i] = msg.DeepCopy()
	}
	return result
}

// ProcessBatch receives one batch and processes it on the calling goroutine. It returns the number of messages
// processed.
func (b *Bus) ProcessBatch(ctx *scalecontext.Context) (int, error) {
	batch, err := b.backend.Receive(ctx, b.config.ReceiveBatch)
	if err != nil {
		b.markUnreachable(ctx, err)
		return 0, err
	}
	for _, d := range batch {
		b.process(ctx, d)
	}
	return len(batch), nil
}

// Drain processes messages until none are visible, for at most maxBatches batches.
func (b *Bus) Drain(ctx *scalecontext.Context, maxBatches int) error {
	for i := 0; i < maxBatches; i++ {
		n, err := b.ProcessBatch(ctx)
		if err != nil || n == 0 {
			return err
		}
	}
	return nil
}

func (b *Bus) process(ctx *scalecontext.Context, d *Delivery) {
	msg := d.Message
	ctx = scalecontext.WithLogFields(ctx, logrus.Fields{"messageId": msg.ID, "messageType": msg.Type})

	handler, ok := b.handlers[msg.Type]
	if !ok {
		b.deadLetter(ctx, d, fmt.Sprintf("no handler for message type %s", msg.Type))
		return
	}

	key := msg.DedupKey()
	seen, err := b.dedup.Seen(ctx, key)
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("dedup lookup failed; processing message anyway")
	}
	if seen {
		messagesDuplicate.WithLabelValues(msg.Type).Inc()
		if err := b.backend.Ack(ctx, d, nil); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("failed to ack duplicate message")
		}
		return
	}

	result := b.invoke(ctx, handler, msg)
	messagesProcessed.WithLabelValues(msg.Type, result.Outcome.String()).Inc()
	switch result.Outcome {
	case OutcomeOk:
		fanout := make([]*Message, len(result.Messages))
		now := b.clock.Now()
		for i, m := range result.Messages {
			child := m.DeepCopy()
			child.ID = fanoutID(msg, i)
			child.Attempt = 0
			child.EnqueuedAt = now
			fanout[i] = child
		}
		if err := b.backend.Ack(ctx, d, fanout); err != nil {
			// The message will be delivered again and the handler re-run.
			logging.WithStacktrace(ctx.Log, err).Warn("failed to ack message")
			return
		}
		if err := b.dedup.Mark(ctx, key); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("failed to record processed message")
		}
	case OutcomeRetry:
		attempt := msg.Attempt + 1
		if attempt >= b.config.MaxAttempts {
			b.deadLetter(ctx, d, fmt.Sprintf("gave up after %d attempts: %v", attempt, result.Err))
			return
		}
		delay := result.Delay
		if delay <= 0 {
			delay = b.config.Backoff.Delay(attempt)
		}
		ctx.Log.WithError(result.Err).Infof("retrying message in %s (attempt %d)", delay, attempt)
		if err := b.backend.Nack(ctx, d, delay); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("failed to nack message")
		}
	default:
		b.deadLetter(ctx, d, fmt.Sprintf("%v", result.Err))
	}
}

func (b *Bus) invoke(ctx *scalecontext.Context, handler Handler, msg *Message) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Retry(errors.Errorf("handler panicked: %v", r))
		}
	}()
	return handler(ctx, msg.DeepCopy())
}

func (b *Bus) deadLetter(ctx *scalecontext.Context, d *Delivery, reason string) {
	ctx.Log.Errorf("dead-lettering message: %s", reason)
	if err := b.backend.DeadLetter(ctx, d, reason); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("failed to dead-letter message")
	}
}
