package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings はBreakerStoreの開閉条件。
type BreakerSettings struct {
	// MaxFailures を超えて連続失敗すると回路を開く。
	MaxFailures uint32
	// OpenTimeout は開いた回路を半開にするまでの時間。
	OpenTimeout time.Duration
}

// DefaultBreakerSettings はデフォルト設定を返す。
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{MaxFailures: 3, OpenTimeout: 30 * time.Second}
}

// BreakerStore はストレージ呼び出しをサーキットブレーカーで保護する。
// 回路が開いている間は ErrUnavailable を返し、下位のストレージを呼ばない。
type BreakerStore struct {
	next AttachmentStore
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerStore はBreakerStoreを生成する。
func NewBreakerStore(next AttachmentStore, settings BreakerSettings, logger *slog.Logger) *BreakerStore {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "attachment-storage",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > settings.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("サーキットブレーカーの状態が変化しました",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return &BreakerStore{next: next, cb: cb}
}

// PresignUpload はアップロード用URLを発行する。
func (b *BreakerStore) PresignUpload(ctx context.Context, key, contentType string) (string, error) {
	return execute(b.cb, func() (string, error) {
		return b.next.PresignUpload(ctx, key, contentType)
	})
}

// PresignDownload はダウンロード用URLを発行する。
func (b *BreakerStore) PresignDownload(ctx context.Context, key string) (string, error) {
	return execute(b.cb, func() (string, error) {
		return b.next.PresignDownload(ctx, key)
	})
}

// Exists はオブジェクトの存在を確認する。
func (b *BreakerStore) Exists(ctx context.Context, key string) (bool, error) {
	return execute(b.cb, func() (bool, error) {
		return b.next.Exists(ctx, key)
	})
}

func execute[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	result, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return zero, err
	}
	return result.(T), nil
}

var _ AttachmentStore = (*BreakerStore)(nil)
