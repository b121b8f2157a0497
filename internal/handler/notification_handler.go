package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/taskboard/internal/model"
)

// NotificationServiceInterface は通知ハンドラーが必要とするサービスインターフェース。
type NotificationServiceInterface interface {
	List(ctx context.Context, actor model.Actor, limit int) ([]*model.Notification, error)
	UnreadCount(ctx context.Context, actor model.Actor) (int, error)
	MarkRead(ctx context.Context, actor model.Actor, id string) (*model.Notification, error)
	MarkAllRead(ctx context.Context, actor model.Actor) (int64, error)
}

// NotificationStreamer は通知一覧の購読を提供する。
type NotificationStreamer interface {
	Stream(ctx context.Context, actor model.Actor, limit int, emit func([]*model.Notification) error) error
}

// NotificationHandler は通知のHTTPハンドラー。
type NotificationHandler struct {
	service  NotificationServiceInterface
	streamer NotificationStreamer
}

// NewNotificationHandler はNotificationHandlerを生成する。
func NewNotificationHandler(service NotificationServiceInterface, streamer NotificationStreamer) *NotificationHandler {
	return &NotificationHandler{service: service, streamer: streamer}
}

type notificationResponse struct {
	ID        string                 `json:"id"`
	Type      model.NotificationType `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	TaskID    string                 `json:"task_id,omitempty"`
	Read      bool                   `json:"read"`
	Timestamp time.Time              `json:"timestamp"`
}

type notificationListResponse struct {
	Notifications []notificationResponse `json:"notifications"`
	UnreadCount   int                    `json:"unread_count"`
}

// List は通知一覧と未読件数を返す。
// GET /api/notifications?limit=50
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	list, err := h.service.List(r.Context(), actor, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	unread, err := h.service.UnreadCount(r.Context(), actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notificationListResponse{
		Notifications: toNotificationResponses(list),
		UnreadCount:   unread,
	})
}

// MarkRead は通知1件を既読にする。
// POST /api/notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	n, err := h.service.MarkRead(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toNotificationResponse(n))
}

// MarkAllRead は未読の通知をすべて既読にする。
// POST /api/notifications/read-all
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	count, err := h.service.MarkAllRead(r.Context(), actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": count})
}

// Stream は通知一覧をSSEで配信する。変更があるたびに一覧と未読件数を送る。
// GET /api/notifications/stream
func (h *NotificationHandler) Stream(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	sse := newSSEWriter(w)
	stop := sse.startHeartbeat(sseHeartbeatInterval)
	err := h.streamer.Stream(r.Context(), actor, limit, func(list []*model.Notification) error {
		unread := 0
		for _, n := range list {
			if !n.Read {
				unread++
			}
		}
		return sse.Send("notifications", notificationListResponse{
			Notifications: toNotificationResponses(list),
			UnreadCount:   unread,
		})
	})
	stop()
	finishStream(w, r, sse, err)
}

// finishStream はストリーム終了時のエラーを処理する。
// 送信開始前のエラーは通常のエラーレスポンスとして返し、開始後はログのみ残す。
func finishStream(w http.ResponseWriter, r *http.Request, sse *sseWriter, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	if !sse.Started() {
		handleServiceError(w, r, err)
		return
	}
	slog.Warn("stream closed with error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
}

// parseLimit はlimitクエリを読む。省略時は0（サービス側の既定値）を返す。
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("limitは0以上の整数で指定してください", "limit"))
		return 0, false
	}
	return limit, true
}

func toNotificationResponse(n *model.Notification) notificationResponse {
	return notificationResponse{
		ID:        n.ID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		TaskID:    n.TaskID,
		Read:      n.Read,
		Timestamp: n.Timestamp,
	}
}

func toNotificationResponses(list []*model.Notification) []notificationResponse {
	out := make([]notificationResponse, 0, len(list))
	for _, n := range list {
		out = append(out, toNotificationResponse(n))
	}
	return out
}
