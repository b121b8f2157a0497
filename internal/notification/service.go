// Package notification はユーザー宛て通知の作成・既読化・購読を提供する。
//
// 通知は書き込み後に changefeed へイベントを送り、購読側は Feed で
// UpdatedAt の版を比較しながら一覧を更新する。
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/taskboard/internal/changefeed"
	"github.com/hitoshi/taskboard/internal/metrics"
	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/repository"
)

const (
	// DefaultLimit は一覧取得の既定件数。
	DefaultLimit = 50
	// MaxLimit は一覧取得の上限件数。
	MaxLimit = 200
)

// Service は通知の操作を提供する。
type Service struct {
	repo      repository.NotificationRepository
	publisher changefeed.Publisher
	collector metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceを生成する。publisherとcollectorはnilでもよい。
func NewService(repo repository.NotificationRepository, publisher changefeed.Publisher, collector metrics.MetricsCollector, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = changefeed.NopPublisher{}
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{repo: repo, publisher: publisher, collector: collector, logger: logger, now: time.Now}
}

// List はactor宛ての通知を時刻の降順、同時刻では未読を先に返す。
func (s *Service) List(ctx context.Context, actor model.Actor, limit int) ([]*model.Notification, error) {
	limit = clampLimit(limit)
	list, err := s.repo.ListByUser(ctx, actor.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	if list == nil {
		list = []*model.Notification{}
	}
	return list, nil
}

// UnreadCount は未読件数を返す。
func (s *Service) UnreadCount(ctx context.Context, actor model.Actor) (int, error) {
	n, err := s.repo.CountUnread(ctx, actor.UserID)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return n, nil
}

// MarkRead は本人宛ての通知1件を既読にする。
// 他人宛て、または存在しない通知は未検出として扱う。
func (s *Service) MarkRead(ctx context.Context, actor model.Actor, id string) (*model.Notification, error) {
	n, err := s.repo.MarkRead(ctx, id, actor.UserID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to mark notification as read: %w", err)
	}
	if n == nil {
		return nil, model.NewNotificationNotFoundError(id)
	}
	s.publish(ctx, changefeed.Event{
		Kind:           changefeed.KindNotificationRead,
		NotificationID: n.ID,
		UserIDs:        []string{actor.UserID},
		ActorID:        actor.UserID,
	})
	return n, nil
}

// MarkAllRead はactorの未読通知をすべて既読にし、更新件数を返す。
func (s *Service) MarkAllRead(ctx context.Context, actor model.Actor) (int64, error) {
	count, err := s.repo.MarkAllRead(ctx, actor.UserID, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to mark all notifications as read: %w", err)
	}
	if count > 0 {
		s.publish(ctx, changefeed.Event{
			Kind:    changefeed.KindNotificationRead,
			UserIDs: []string{actor.UserID},
			ActorID: actor.UserID,
		})
	}
	return count, nil
}

// Create は通知を作成する。一意制約で重複した場合は何もせずfalseを返す。
func (s *Service) Create(ctx context.Context, n *model.Notification) (bool, error) {
	if n.UserID == "" {
		return false, fmt.Errorf("notification has no recipient")
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	now := s.now()
	if n.Timestamp.IsZero() {
		n.Timestamp = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = now
	}

	created, err := s.repo.Create(ctx, n)
	if err != nil {
		return false, fmt.Errorf("failed to create notification: %w", err)
	}
	if !created {
		return false, nil
	}

	s.collector.RecordNotificationCreated(string(n.Type))
	s.publish(ctx, changefeed.Event{
		Kind:           changefeed.KindNotificationCreated,
		NotificationID: n.ID,
		TaskID:         n.TaskID,
		UserIDs:        []string{n.UserID},
	})
	return true, nil
}

// Follow はactorの通知一覧を購読し、変化するたびにemitへ最新の一覧を渡す。
// 最初に現在の一覧を1回渡す。購読が終わるかemitがエラーを返すまでブロックする。
func (s *Service) Follow(ctx context.Context, actor model.Actor, sub changefeed.Subscription, limit int, emit func([]*model.Notification) error) error {
	feed := NewFeed(clampLimit(limit))
	reload := func() error {
		list, err := s.List(ctx, actor, limit)
		if err != nil {
			return err
		}
		feed.Replace(list)
		return nil
	}

	if err := reload(); err != nil {
		return err
	}
	if err := emit(feed.Snapshot()); err != nil {
		return err
	}

	for ev := range sub.Events() {
		if !ev.Concerns(actor.UserID) {
			continue
		}
		changed, err := s.applyEvent(ctx, actor, feed, ev, reload)
		if err != nil {
			s.logger.Warn("通知一覧の更新に失敗しました",
				slog.String("user_id", actor.UserID),
				slog.String("kind", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !changed {
			continue
		}
		if err := emit(feed.Snapshot()); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (s *Service) applyEvent(ctx context.Context, actor model.Actor, feed *Feed, ev changefeed.Event, reload func() error) (bool, error) {
	if ev.NotificationID == "" {
		// 一括既読と再接続は全件を取り直す
		return true, reload()
	}
	n, err := s.repo.FindByID(ctx, ev.NotificationID)
	if err != nil {
		return false, fmt.Errorf("failed to find notification: %w", err)
	}
	if n == nil || n.UserID != actor.UserID {
		return false, nil
	}
	return feed.Apply(n), nil
}

func (s *Service) publish(ctx context.Context, event changefeed.Event) {
	event.Channel = changefeed.ChannelNotifications
	event.At = s.now()
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("変更イベントの送信に失敗しました",
			slog.String("kind", string(event.Kind)),
			slog.String("notification_id", event.NotificationID),
			slog.String("error", err.Error()),
		)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
