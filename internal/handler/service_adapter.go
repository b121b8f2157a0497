package handler

import (
	"context"
	"fmt"

	"github.com/hitoshi/taskboard/internal/changefeed"
	"github.com/hitoshi/taskboard/internal/history"
	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/notification"
)

// NotificationStreamAdapter は notification.Service と changefeed.Source を
// NotificationStreamer に適合させるアダプタ。
type NotificationStreamAdapter struct {
	svc    *notification.Service
	source changefeed.Source
}

// NewNotificationStreamAdapter はNotificationStreamAdapterを生成する。
func NewNotificationStreamAdapter(svc *notification.Service, source changefeed.Source) *NotificationStreamAdapter {
	return &NotificationStreamAdapter{svc: svc, source: source}
}

// Stream は通知チャネルを購読し、actorの通知一覧が変わるたびにemitを呼ぶ。
func (a *NotificationStreamAdapter) Stream(ctx context.Context, actor model.Actor, limit int, emit func([]*model.Notification) error) error {
	sub, err := a.source.Subscribe(ctx, changefeed.ChannelNotifications)
	if err != nil {
		return fmt.Errorf("failed to subscribe notifications: %w", err)
	}
	defer sub.Close()
	return a.svc.Follow(ctx, actor, sub, limit, emit)
}

// HistoryStreamAdapter は history.Service と changefeed.Source を
// HistoryStreamer に適合させるアダプタ。
type HistoryStreamAdapter struct {
	svc    *history.Service
	source changefeed.Source
}

// NewHistoryStreamAdapter はHistoryStreamAdapterを生成する。
func NewHistoryStreamAdapter(svc *history.Service, source changefeed.Source) *HistoryStreamAdapter {
	return &HistoryStreamAdapter{svc: svc, source: source}
}

// Stream はタスクチャネルを購読し、履歴が変わるたびにemitを呼ぶ。
func (a *HistoryStreamAdapter) Stream(ctx context.Context, actor model.Actor, taskID string, emit func([]*model.HistoryEntry) error) error {
	sub, err := a.source.Subscribe(ctx, changefeed.ChannelTasks)
	if err != nil {
		return fmt.Errorf("failed to subscribe task events: %w", err)
	}
	defer sub.Close()
	return a.svc.Follow(ctx, actor, taskID, sub, emit)
}

// ListByTask は履歴一覧を返す。
func (a *HistoryStreamAdapter) ListByTask(ctx context.Context, actor model.Actor, taskID string) ([]*model.HistoryEntry, error) {
	return a.svc.ListByTask(ctx, actor, taskID)
}
