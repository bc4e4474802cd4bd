package bus

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestNewEnvelope_StampsTimestampAndID(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)

	env, err := NewEnvelope("42", map[string]int{"HRI": 42}, now)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if env.Subject != "42" {
		t.Errorf("Subject: want 42, got %q", env.Subject)
	}
	if env.MessageID == "" {
		t.Errorf("MessageID must be set")
	}
	if env.ContentType != contentTypeJSON {
		t.Errorf("ContentType: want %q, got %q", contentTypeJSON, env.ContentType)
	}
	want := strconv.FormatInt(now.UnixMicro(), 10)
	if got := env.Properties[TimestampProperty]; got != want {
		t.Errorf("timestamp: want %s, got %s", want, got)
	}

	var body struct{ HRI int }
	if err := env.Decode(&body); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if body.HRI != 42 {
		t.Errorf("HRI: want 42, got %d", body.HRI)
	}
}

func TestNewEnvelope_UnencodableBody(t *testing.T) {
	if _, err := NewEnvelope("x", make(chan int), time.Now()); err == nil {
		t.Fatalf("expected error for unencodable body")
	}
}

func TestEnvelopeRoundTripThroughWireFormat(t *testing.T) {
	env, err := NewEnvelope("HRI", map[string]int{"HRI": 1}, time.Now())
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	b, err := marshalEnvelope(env)
	if err != nil {
		t.Fatalf("marshalEnvelope: %v", err)
	}
	got, err := unmarshalEnvelope(b)
	if err != nil {
		t.Fatalf("unmarshalEnvelope: %v", err)
	}
	if got.MessageID != env.MessageID || string(got.Body) != string(env.Body) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, env)
	}

	if _, err := unmarshalEnvelope([]byte("not json")); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("want ErrMalformedEnvelope, got %v", err)
	}
}

func TestMemory_QueueDeliversOnce(t *testing.T) {
	m := NewMemory(4)
	defer m.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	env, _ := NewEnvelope("HRI", map[string]int{"HRI": 1}, time.Now())
	if err := m.Enqueue(ctx, "q", env); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if m.Len("q") != 1 {
		t.Fatalf("Len: want 1, got %d", m.Len("q"))
	}
	got, err := m.Dequeue(ctx, "q")
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.MessageID != env.MessageID {
		t.Fatalf("Dequeue returned a different message")
	}

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if _, err := m.Dequeue(short, "q"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dequeue on empty queue: want deadline exceeded, got %v", err)
	}
}

func TestMemory_PublishFansOutToSubscribers(t *testing.T) {
	m := NewMemory(4)
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := m.Subscribe(ctx, "events")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b, err := m.Subscribe(ctx, "events")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env, _ := NewEnvelope("7", map[string]int{"code": 0}, time.Now())
	if err := m.Publish(ctx, "events", env); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := m.Publish(ctx, "other", env); err != nil {
		t.Fatalf("Publish other: %v", err)
	}

	for i, ch := range []<-chan Envelope{a, b} {
		select {
		case got := <-ch:
			if got.MessageID != env.MessageID {
				t.Fatalf("subscriber %d got wrong message", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestMemory_SubscriptionClosesOnCancel(t *testing.T) {
	m := NewMemory(1)
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := m.Subscribe(ctx, "events")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed after cancel")
	}
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory(1)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Ping after close: want ErrClosed, got %v", err)
	}
	if err := m.Enqueue(context.Background(), "q", Envelope{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Enqueue after close: want ErrClosed, got %v", err)
	}
	if _, err := m.Subscribe(context.Background(), "t"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe after close: want ErrClosed, got %v", err)
	}
}
