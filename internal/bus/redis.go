package bus

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultPollTimeout bounds a single BRPOP so Dequeue notices cancellation.
const defaultPollTimeout = 5 * time.Second

// Redis implements Bus with lists for queues and pub/sub channels for topics.
type Redis struct {
	Client      *redis.Client
	PollTimeout time.Duration
}

func NewRedis(opt *redis.Options) *Redis {
	return &Redis{Client: redis.NewClient(opt), PollTimeout: defaultPollTimeout}
}

func (r *Redis) Enqueue(ctx context.Context, queue string, env Envelope) error {
	b, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	return r.Client.LPush(ctx, queue, b).Err()
}

func (r *Redis) Dequeue(ctx context.Context, queue string) (Envelope, error) {
	timeout := r.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	for {
		res, err := r.Client.BRPop(ctx, timeout, queue).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return Envelope{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Envelope{}, ctx.Err()
			}
			return Envelope{}, err
		}
		// BRPOP replies with [key, value].
		if len(res) != 2 {
			return Envelope{}, ErrMalformedEnvelope
		}
		return unmarshalEnvelope([]byte(res[1]))
	}
}

func (r *Redis) Publish(ctx context.Context, topic string, env Envelope) error {
	b, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	return r.Client.Publish(ctx, topic, b).Err()
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (<-chan Envelope, error) {
	ps := r.Client.Subscribe(ctx, topic)
	// Wait for the subscription confirmation so callers do not miss early messages.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Envelope, defaultMemoryBuffer)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				env, err := unmarshalEnvelope([]byte(msg.Payload))
				if err != nil {
					continue
				}
				select {
				case out <- env:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.Client.Close()
}
