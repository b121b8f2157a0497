package changefeed

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/taskboard/internal/metrics"
)

// ErrHubClosed はRunが終了したHubへの購読要求で返る。
var ErrHubClosed = errors.New("changefeed hub is closed")

const hubSubscriberBuffer = 16

// Hub は上流の購読を1本だけ保持し、プロセス内の購読者へ配る。
// 上流が切断された場合はバックオフしながら再購読し、再接続後に KindResync を配る。
type Hub struct {
	source    Source
	channels  []string
	logger    *slog.Logger
	collector metrics.MetricsCollector
	backoff   func(consecutiveErrors int) time.Duration

	mu     sync.Mutex
	subs   map[*hubSubscription]struct{}
	closed bool
}

type hubSubscription struct {
	*chanSubscription
	channels []string
}

func (s *hubSubscription) wants(e Event) bool {
	if e.Kind == KindResync || len(s.channels) == 0 {
		return true
	}
	return slices.Contains(s.channels, e.Channel)
}

// NewHub はHubを生成する。channelsは上流で購読するチャネル。
func NewHub(source Source, logger *slog.Logger, collector metrics.MetricsCollector, channels ...string) *Hub {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Hub{
		source:    source,
		channels:  channels,
		logger:    logger,
		collector: collector,
		backoff:   CalculateBackoff,
		subs:      make(map[*hubSubscription]struct{}),
	}
}

// Subscribe はプロセス内の購読を追加する。channelsが空の場合は全チャネルを受け取る。
// ctxが終了すると購読は自動的に閉じる。
func (h *Hub) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	hs := &hubSubscription{channels: channels}
	hs.chanSubscription = newChanSubscription(hubSubscriberBuffer, func() error {
		h.remove(hs)
		return nil
	})
	h.subs[hs] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			_ = hs.Close()
		case <-hs.done:
		}
	}()
	return hs, nil
}

// SubscriberCount は現在の購読者数を返す。
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Run はコンテキストが終了するまで上流を購読し続ける。
// 終了時には全購読者のイベント列を閉じる。
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	label := strings.Join(h.channels, ",")
	failures := 0
	connected := false

	for {
		sub, err := h.source.Subscribe(ctx, h.channels...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := h.backoff(failures)
			failures++
			h.logger.Warn("変更フィードの購読に失敗しました。再試行します",
				slog.String("channels", label),
				slog.Duration("retry_in", delay),
				slog.String("error", err.Error()),
			)
			if !sleepContext(ctx, delay) {
				return
			}
			continue
		}

		if connected {
			h.collector.RecordChangefeedReconnect(label)
			h.broadcast(Event{Kind: KindResync, At: time.Now()})
			h.logger.Info("変更フィードを再購読しました", slog.String("channels", label))
		}
		connected = true

		received := false
		for e := range sub.Events() {
			received = true
			h.broadcast(e)
		}
		_ = sub.Close()

		if ctx.Err() != nil {
			return
		}
		if received {
			failures = 0
		}
		delay := h.backoff(failures)
		failures++
		h.logger.Warn("変更フィードの購読が切断されました",
			slog.String("channels", label),
			slog.Duration("retry_in", delay),
		)
		if !sleepContext(ctx, delay) {
			return
		}
	}
}

// broadcast は購読者をブロックせずに配る。読み手が追いつかない購読者は
// イベントを取りこぼす代わりに KindResync を受け取り、全件を取り直す。
func (h *Hub) broadcast(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for hs := range h.subs {
		if hs.wants(e) && hs.trySend(e) {
			h.logger.Warn("購読者の処理が追いつかないため再取得を要求します",
				slog.String("channel", e.Channel),
				slog.String("kind", string(e.Kind)),
			)
		}
	}
}

func (h *Hub) remove(hs *hubSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, hs)
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for hs := range h.subs {
		close(hs.events)
		delete(h.subs, hs)
	}
}

var _ Source = (*Hub)(nil)
