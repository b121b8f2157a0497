package changefeed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig はRedis接続設定。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient はRedisクライアントを生成する。
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisPublisher はRedisのPUBLISHでイベントを送信する。
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher はRedisPublisherを生成する。
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish はイベントのチャネルにメッセージを送る。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.Channel == "" {
		return fmt.Errorf("event %s has no channel", event.Kind)
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	payload, err := event.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := p.client.Publish(ctx, event.Channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Channel, err)
	}
	return nil
}

// RedisSource はRedisのSUBSCRIBEでイベントを購読する。
type RedisSource struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisSource はRedisSourceを生成する。
func NewRedisSource(client *redis.Client, logger *slog.Logger) *RedisSource {
	return &RedisSource{client: client, logger: logger}
}

// Subscribe は指定チャネルを購読する。購読の確立を待ってから返る。
func (s *RedisSource) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe %v: %w", channels, err)
	}

	sub := newChanSubscription(sourceBufferSize, pubsub.Close)
	go func() {
		defer close(sub.events)
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case <-sub.done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				event, err := Decode(msg.Channel, []byte(msg.Payload))
				if err != nil {
					s.logger.Warn("メッセージを解釈できませんでした",
						slog.String("channel", msg.Channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				if !sub.send(event) {
					return
				}
			}
		}
	}()
	return sub, nil
}

var (
	_ Publisher = (*RedisPublisher)(nil)
	_ Source    = (*RedisSource)(nil)
)
