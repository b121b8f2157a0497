// Package changefeed はタスクと通知の変更イベントを配信する。
//
// 書き込み側はコミット後に Publisher へイベントを送り、
// 読み取り側（SSEストリーム、ワーカーの監視処理）は Source から購読する。
// 購読者はイベントの内容を差分として適用せず、最新状態の再取得の合図として扱う。
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"time"
)

// 購読チャネル名。
const (
	ChannelTasks         = "task_events"
	ChannelNotifications = "notification_events"
)

// Kind はイベントの種別。
type Kind string

const (
	KindTaskCreated         Kind = "task.created"
	KindTaskAssigned        Kind = "task.assigned"
	KindTaskUpdated         Kind = "task.updated"
	KindTaskStatusChanged   Kind = "task.status_changed"
	KindNotificationCreated Kind = "notification.created"
	KindNotificationRead    Kind = "notification.read"
	// KindResync は上流の再接続後に送られ、購読者に全件の再取得を促す。
	KindResync Kind = "resync"
)

// Event は1件の変更イベント。
type Event struct {
	Channel        string    `json:"channel"`
	Kind           Kind      `json:"kind"`
	TaskID         string    `json:"task_id,omitempty"`
	UserIDs        []string  `json:"user_ids,omitempty"`
	NotificationID string    `json:"notification_id,omitempty"`
	OldStatus      string    `json:"old_status,omitempty"`
	NewStatus      string    `json:"new_status,omitempty"`
	ActorID        string    `json:"actor_id,omitempty"`
	At             time.Time `json:"at"`
}

// Concerns はイベントが指定ユーザーに関係するかを返す。
// UserIDsが空のイベントは全員に関係するものとして扱う。
func (e Event) Concerns(userID string) bool {
	if len(e.UserIDs) == 0 {
		return true
	}
	return slices.Contains(e.UserIDs, userID)
}

// Encode はイベントを配信用のJSONに変換する。
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode は配信されたJSONをイベントに戻す。
// ペイロードにチャネル名がない場合は受信したチャネル名を補う。
func Decode(channel string, payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("failed to decode %s event: %w", channel, err)
	}
	if e.Channel == "" {
		e.Channel = channel
	}
	return e, nil
}

// Publisher は変更イベントを送信する。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscription は購読中のイベント列。
// Events の反復はCloseされるか上流が切断されると終了する。
type Subscription interface {
	Events() iter.Seq[Event]
	Close() error
}

// Source はチャネルを購読する。
type Source interface {
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// NopPublisher はイベントを捨てるPublisher。
type NopPublisher struct{}

// Publish は何もしない。
func (NopPublisher) Publish(context.Context, Event) error { return nil }
