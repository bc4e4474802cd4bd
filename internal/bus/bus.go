// Package bus carries scheduler messages and status events between processes.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// ErrMalformedEnvelope is returned by Dequeue when a queued payload cannot be decoded.
var ErrMalformedEnvelope = errors.New("malformed envelope")

const (
	contentTypeJSON = "application/json"

	// TimestampProperty holds microseconds since the Unix epoch, as a decimal string.
	TimestampProperty = "timestamp"
)

// Envelope is the unit carried on queues and topics.
type Envelope struct {
	MessageID   string            `json:"message_id"`
	Subject     string            `json:"subject"`
	ContentType string            `json:"content_type"`
	Properties  map[string]string `json:"properties,omitempty"`
	Body        json.RawMessage   `json:"body"`
}

// NewEnvelope JSON-encodes body and stamps it with a message id and timestamp.
func NewEnvelope(subject string, body any, now time.Time) (Envelope, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s body: %w", subject, err)
	}
	return Envelope{
		MessageID:   uuid.NewString(),
		Subject:     subject,
		ContentType: contentTypeJSON,
		Properties: map[string]string{
			TimestampProperty: strconv.FormatInt(now.UnixMicro(), 10),
		},
		Body: b,
	}, nil
}

// Decode unmarshals the body into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", e.Subject, err)
	}
	return nil
}

// Bus is implemented by Memory and Redis.
//
// Queues deliver each message to exactly one Dequeue caller. Topics deliver
// each message to every live subscriber.
type Bus interface {
	Enqueue(ctx context.Context, queue string, env Envelope) error
	// Dequeue blocks until a message is available or ctx is done.
	Dequeue(ctx context.Context, queue string) (Envelope, error)
	Publish(ctx context.Context, topic string, env Envelope) error
	// Subscribe streams topic messages until ctx is done; the channel is then closed.
	Subscribe(ctx context.Context, topic string) (<-chan Envelope, error)
	Ping(ctx context.Context) error
	Close() error
}

func marshalEnvelope(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

func unmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return env, nil
}
