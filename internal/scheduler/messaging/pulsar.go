package messaging

import (
	"encoding/json"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"

	"github.com/ngageoint/scale/internal/common/scalecontext"
)

const (
	idProperty     = "id"
	reasonProperty = "reason"
)

// PulsarBackend stores messages on a Pulsar topic read through a shared subscription. Pulsar has no transaction
// spanning a publish and an ack in this client, so fan-out is published before the ack; a crash between the two
// yields a redelivery whose fan-out carries the same ids and is dropped by the dedup store.
type PulsarBackend struct {
	producer    pulsar.Producer
	deadLetters pulsar.Producer
	consumer    pulsar.Consumer
	// receiveWait bounds how long Receive waits for the first message.
	receiveWait time.Duration
}

type PulsarBackendOptions struct {
	Topic            string
	DeadLetterTopic  string
	SubscriptionName string
	SendTimeout      time.Duration
	ReceiveWait      time.Duration
}

func NewPulsarBackend(client pulsar.Client, opts PulsarBackendOptions) (*PulsarBackend, error) {
	producer, err := client.CreateProducer(pulsar.ProducerOptions{
		Topic:       opts.Topic,
		SendTimeout: opts.SendTimeout,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	deadLetterTopic := opts.DeadLetterTopic
	if deadLetterTopic == "" {
		deadLetterTopic = opts.Topic + "-dlq"
	}
	deadLetters, err := client.CreateProducer(pulsar.ProducerOptions{
		Topic:       deadLetterTopic,
		SendTimeout: opts.SendTimeout,
	})
	if err != nil {
		producer.Close()
		return nil, errors.WithStack(err)
	}
	consumer, err := client.Subscribe(pulsar.ConsumerOptions{
		Topic:            opts.Topic,
		SubscriptionName: opts.SubscriptionName,
		Type:             pulsar.Shared,
	})
	if err != nil {
		producer.Close()
		deadLetters.Close()
		return nil, errors.WithStack(err)
	}
	receiveWait := opts.ReceiveWait
	if receiveWait <= 0 {
		receiveWait = 100 * time.Millisecond
	}
	return &PulsarBackend{
		producer:    producer,
		deadLetters: deadLetters,
		consumer:    consumer,
		receiveWait: receiveWait,
	}, nil
}

func encodePulsar(msg *Message, deliverAfter time.Duration, properties map[string]string) (*pulsar.ProducerMessage, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	props := map[string]string{idProperty: msg.ID}
	for k, v := range properties {
		props[k] = v
	}
	return &pulsar.ProducerMessage{
		Payload:      payload,
		Key:          msg.Type,
		Properties:   props,
		DeliverAfter: deliverAfter,
	}, nil
}

func (b *PulsarBackend) send(ctx *scalecontext.Context, producer pulsar.Producer, msg *Message, deliverAfter time.Duration, properties map[string]string) error {
	pm, err := encodePulsar(msg, deliverAfter, properties)
	if err != nil {
		return err
	}
	_, err = producer.Send(ctx, pm)
	return errors.WithStack(err)
}

func (b *PulsarBackend) Publish(ctx *scalecontext.Context, messages ...*Message) error {
	for _, msg := range messages {
		if err := b.send(ctx, b.producer, msg, 0, nil); err != nil {
			return err
		}
	}
	return nil
}

func (b *PulsarBackend) Receive(ctx *scalecontext.Context, max int) ([]*Delivery, error) {
	var deliveries []*Delivery
	wait := time.NewTimer(b.receiveWait)
	defer wait.Stop()
	for len(deliveries) < max {
		select {
		case <-ctx.Done():
			return deliveries, nil
		case <-wait.C:
			return deliveries, nil
		case cm, ok := <-b.consumer.Chan():
			if !ok {
				return deliveries, errors.WithStack(ErrUnavailable)
			}
			msg := &Message{}
			if err := json.Unmarshal(cm.Payload(), msg); err != nil {
				ctx.Log.WithError(err).Errorf("dropping undecodable pulsar message %s", cm.ID())
				b.consumer.Ack(cm)
				continue
			}
			deliveries = append(deliveries, &Delivery{Message: msg, handle: cm.Message})
		}
	}
	return deliveries, nil
}

func pulsarMessage(delivery *Delivery) (pulsar.Message, error) {
	m, ok := delivery.handle.(pulsar.Message)
	if !ok {
		return nil, errors.Errorf("delivery of message %s was not made by this backend", delivery.Message.ID)
	}
	return m, nil
}

func (b *PulsarBackend) Ack(ctx *scalecontext.Context, delivery *Delivery, fanout []*Message) error {
	m, err := pulsarMessage(delivery)
	if err != nil {
		return err
	}
	if err := b.Publish(ctx, fanout...); err != nil {
		return err
	}
	b.consumer.Ack(m)
	return nil
}

// Nack republishes the message with its attempt incremented, delayed by retryAfter, and acks the original. Pulsar's
// own negative ack has a fixed redelivery delay.
func (b *PulsarBackend) Nack(ctx *scalecontext.Context, delivery *Delivery, retryAfter time.Duration) error {
	m, err := pulsarMessage(delivery)
	if err != nil {
		return err
	}
	retried := delivery.Message.DeepCopy()
	retried.Attempt++
	if err := b.send(ctx, b.producer, retried, retryAfter, nil); err != nil {
		return err
	}
	b.consumer.Ack(m)
	return nil
}

func (b *PulsarBackend) DeadLetter(ctx *scalecontext.Context, delivery *Delivery, reason string) error {
	m, err := pulsarMessage(delivery)
	if err != nil {
		return err
	}
	if err := b.send(ctx, b.deadLetters, delivery.Message, 0, map[string]string{reasonProperty: reason}); err != nil {
		return err
	}
	b.consumer.Ack(m)
	return nil
}

func (b *PulsarBackend) Close() error {
	b.consumer.Close()
	b.producer.Close()
	b.deadLetters.Close()
	return nil
}
