package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis carries topics over Redis pub/sub. One client is shared by every
// subscription.
type Redis struct {
	client *redis.Client
}

func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Client exposes the shared connection for other Redis-backed components.
func (r *Redis) Client() *redis.Client { return r.client }

func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, topic)
	// The first reply is the subscription confirmation.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrTransportFailure, topic, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	s := &redisSub{
		client: r.client,
		ps:     ps,
		topic:  topic,
		msgs:   make(chan []byte, defaultHubBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.read(readCtx)
	return s, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

type redisSub struct {
	client *redis.Client
	ps     *redis.PubSub
	topic  string
	msgs   chan []byte
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

// read forwards messages until the connection fails. go-redis would
// resubscribe silently; ending the subscription instead lets the session
// see the outage and run its own bootstrap.
func (s *redisSub) read(ctx context.Context) {
	defer s.shutdown()
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		select {
		case s.msgs <- []byte(msg.Payload):
		default:
			// Reader is not keeping up.
			return
		}
	}
}

func (s *redisSub) Messages() <-chan []byte { return s.msgs }

func (s *redisSub) Done() <-chan struct{} { return s.done }

func (s *redisSub) Publish(ctx context.Context, frame []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if err := s.client.Publish(ctx, s.topic, frame).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrTransportFailure, s.topic, err)
	}
	return nil
}

func (s *redisSub) Close() error {
	s.shutdown()
	return nil
}

func (s *redisSub) shutdown() {
	s.once.Do(func() {
		s.cancel()
		_ = s.ps.Close()
		close(s.done)
	})
}
