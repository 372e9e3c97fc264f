// Package messaging implements the scheduler's command-message bus: durable at-least-once delivery of typed
// messages to idempotent handlers, over pluggable backends.
package messaging

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/ngageoint/scale/internal/common/util"
)

// Message is one command on the bus. Handlers must be idempotent in (Type, Body).
type Message struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Body       json.RawMessage `json:"body"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewMessage builds a message with a fresh id and body marshalled to JSON.
func NewMessage(msgType string, body interface{}) (*Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Message{
		ID:   util.NewULID(),
		Type: msgType,
		Body: raw,
	}, nil
}

// MustNewMessage is NewMessage for bodies that always marshal.
func MustNewMessage(msgType string, body interface{}) *Message {
	msg, err := NewMessage(msgType, body)
	if err != nil {
		panic(err)
	}
	return msg
}

// Decode unmarshals the body into v.
func (m *Message) Decode(v interface{}) error {
	return errors.Wrapf(json.Unmarshal(m.Body, v), "decoding %s message %s", m.Type, m.ID)
}

// BodyHash is the hex sha256 of the body.
func (m *Message) BodyHash() string {
	sum := sha256.Sum256(m.Body)
	return hex.EncodeToString(sum[:])
}

// DedupKey identifies a message for the dedup store.
func (m *Message) DedupKey() string {
	return fmt.Sprintf("%s:%s:%s", m.Type, m.BodyHash(), m.ID)
}

func (m *Message) DeepCopy() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Body = append(json.RawMessage(nil), m.Body...)
	return &c
}

// fanoutID derives the id of the n-th message published by the handler of parent. A handler that runs again after
// a failed ack publishes the same ids, so the second copies are dropped by the backend and the dedup store.
func fanoutID(parent *Message, n int) string {
	return fmt.Sprintf("%s.%d", parent.ID, n)
}

// Delivery is a received message together with the backend's handle for acknowledging it.
type Delivery struct {
	Message *Message
	handle  interface{}
}

// DeadLetter is a message that will not be delivered again.
type DeadLetter struct {
	Message *Message
	Reason  string
	DeadAt  time.Time
}
