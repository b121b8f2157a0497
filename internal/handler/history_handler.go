package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/taskboard/internal/model"
)

// HistoryStreamer はタスク履歴の参照と購読を提供する。
type HistoryStreamer interface {
	ListByTask(ctx context.Context, actor model.Actor, taskID string) ([]*model.HistoryEntry, error)
	Stream(ctx context.Context, actor model.Actor, taskID string, emit func([]*model.HistoryEntry) error) error
}

// HistoryHandler はタスク履歴のHTTPハンドラー。
type HistoryHandler struct {
	service HistoryStreamer
}

// NewHistoryHandler はHistoryHandlerを生成する。
func NewHistoryHandler(service HistoryStreamer) *HistoryHandler {
	return &HistoryHandler{service: service}
}

type historyEntryResponse struct {
	ID        string              `json:"id"`
	TaskID    string              `json:"task_id"`
	UserID    string              `json:"user_id"`
	UserName  string              `json:"user_name"`
	Action    model.HistoryAction `json:"action"`
	OldStatus model.TaskStatus    `json:"old_status,omitempty"`
	NewStatus model.TaskStatus    `json:"new_status,omitempty"`
	Note      string              `json:"note,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
	Metadata  map[string]any      `json:"metadata"`
}

// List はタスクの履歴を新しい順で返す。
// GET /api/tasks/{id}/history
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	entries, err := h.service.ListByTask(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryResponses(entries))
}

// Stream はタスクの履歴をSSEで配信する。変更があるたびに全件を送る。
// GET /api/tasks/{id}/history/stream
func (h *HistoryHandler) Stream(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	sse := newSSEWriter(w)
	stop := sse.startHeartbeat(sseHeartbeatInterval)
	err := h.service.Stream(r.Context(), actor, chi.URLParam(r, "id"), func(entries []*model.HistoryEntry) error {
		return sse.Send("history", toHistoryResponses(entries))
	})
	stop()
	finishStream(w, r, sse, err)
}

func toHistoryResponses(entries []*model.HistoryEntry) []historyEntryResponse {
	out := make([]historyEntryResponse, 0, len(entries))
	for _, e := range entries {
		metadata := e.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		out = append(out, historyEntryResponse{
			ID:        e.ID,
			TaskID:    e.TaskID,
			UserID:    e.UserID,
			UserName:  e.UserName,
			Action:    e.Action,
			OldStatus: e.OldStatus,
			NewStatus: e.NewStatus,
			Note:      e.Note,
			Timestamp: e.Timestamp,
			Metadata:  metadata,
		})
	}
	return out
}
