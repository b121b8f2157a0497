package changefeed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
	sourceBufferSize     = 64
)

// Execer は *sql.DB と *sql.Tx に共通するExecContext。
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresPublisher はpg_notifyでイベントを送信する。
type PostgresPublisher struct {
	db Execer
}

// NewPostgresPublisher はPostgresPublisherを生成する。
func NewPostgresPublisher(db Execer) *PostgresPublisher {
	return &PostgresPublisher{db: db}
}

// Publish はイベントのチャネルに通知を送る。
func (p *PostgresPublisher) Publish(ctx context.Context, event Event) error {
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
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", event.Channel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify %s: %w", event.Channel, err)
	}
	return nil
}

// PostgresSource はLISTENでイベントを購読する。
// 購読ごとに専用の接続を持つため、プロセス内ではHubを介して1本に束ねる。
type PostgresSource struct {
	connStr string
	logger  *slog.Logger
}

// NewPostgresSource はPostgresSourceを生成する。
func NewPostgresSource(connStr string, logger *slog.Logger) *PostgresSource {
	return &PostgresSource{connStr: connStr, logger: logger}
}

// Subscribe は指定チャネルをLISTENする。
func (s *PostgresSource) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	listener := pq.NewListener(s.connStr, listenerMinReconnect, listenerMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				s.logger.Warn("LISTEN接続でエラーが発生しました",
					slog.Int("event", int(ev)),
					slog.String("error", err.Error()),
				)
			}
		})

	for _, ch := range channels {
		if err := listener.Listen(ch); err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("failed to listen %s: %w", ch, err)
		}
	}

	sub := newChanSubscription(sourceBufferSize, listener.Close)
	go s.pump(ctx, listener, sub)
	return sub, nil
}

func (s *PostgresSource) pump(ctx context.Context, listener *pq.Listener, sub *chanSubscription) {
	defer close(sub.events)

	ping := time.NewTicker(listenerPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = sub.Close()
			return
		case <-sub.done:
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			// 再接続直後はnilが届く。切断中の通知は失われている。
			if n == nil {
				if !sub.send(Event{Kind: KindResync, At: time.Now()}) {
					return
				}
				continue
			}
			event, err := Decode(n.Channel, []byte(n.Extra))
			if err != nil {
				s.logger.Warn("通知ペイロードを解釈できませんでした",
					slog.String("channel", n.Channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !sub.send(event) {
				return
			}
		case <-ping.C:
			go func() { _ = listener.Ping() }()
		}
	}
}

var (
	_ Publisher = (*PostgresPublisher)(nil)
	_ Source    = (*PostgresSource)(nil)
)
