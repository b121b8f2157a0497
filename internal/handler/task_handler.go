package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/task"
)

// TaskServiceInterface はタスクハンドラーが必要とするサービスインターフェース。
type TaskServiceInterface interface {
	Create(ctx context.Context, actor model.Actor, in task.CreateInput) (*model.Task, error)
	Update(ctx context.Context, actor model.Actor, taskID string, in task.UpdateInput) (*model.Task, error)
	Get(ctx context.Context, actor model.Actor, taskID string) (*model.Task, error)
	List(ctx context.Context, actor model.Actor, statuses []model.TaskStatus) ([]*model.Task, error)
	ListPending(ctx context.Context, actor model.Actor) ([]*model.Task, error)
	ListCompleted(ctx context.Context, actor model.Actor) ([]task.CompletedTask, error)
	ChangeStatus(ctx context.Context, actor model.Actor, taskID string, target model.TaskStatus, note string) (*model.Task, error)
	Approve(ctx context.Context, actor model.Actor, taskID string) (*model.Task, error)
	Reject(ctx context.Context, actor model.Actor, taskID, note string) (*model.Task, error)
	Reopen(ctx context.Context, actor model.Actor, taskID string) (*model.Task, error)
	RequestUpload(ctx context.Context, actor model.Actor, taskID, filename, contentType string) (*task.Attachment, error)
	DownloadURL(ctx context.Context, actor model.Actor, taskID string) (string, error)
}

// TaskHandler はタスク管理のHTTPハンドラー。
type TaskHandler struct {
	service TaskServiceInterface
}

// NewTaskHandler はTaskHandlerを生成する。
func NewTaskHandler(service TaskServiceInterface) *TaskHandler {
	return &TaskHandler{service: service}
}

type createTaskRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Assignees   []string `json:"assignees"`
	DueDate     string   `json:"due_date"`
}

// updateTaskRequest は省略された項目を変更しない。
type updateTaskRequest struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	DueDate     *string   `json:"due_date"`
	Assignees   *[]string `json:"assignees"`
}

type changeStatusRequest struct {
	Status model.TaskStatus `json:"status"`
	Note   string           `json:"note"`
}

type noteRequest struct {
	Note string `json:"note"`
}

type uploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

type taskResponse struct {
	ID             string           `json:"id"`
	Title          string           `json:"title"`
	Description    string           `json:"description"`
	Assignees      []string         `json:"assignees"`
	Status         model.TaskStatus `json:"status"`
	DueDate        string           `json:"due_date"`
	FilePath       string           `json:"file_path,omitempty"`
	CompletionNote string           `json:"completion_note,omitempty"`
	CreatedBy      string           `json:"created_by"`
	ApprovedBy     string           `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time       `json:"approved_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type completedTaskResponse struct {
	taskResponse
	ApproverName string `json:"approver_name,omitempty"`
}

type attachmentResponse struct {
	FilePath  string `json:"file_path,omitempty"`
	UploadURL string `json:"upload_url,omitempty"`
	URL       string `json:"url,omitempty"`
}

// List は閲覧可能なタスク一覧を返す。
// GET /api/tasks?status=todo,in_progress
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	tasks, err := h.service.List(r.Context(), actor, parseStatuses(r.URL.Query().Get("status")))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponses(tasks))
}

// ListPending は承認待ちのタスク一覧を返す。
// GET /api/tasks/pending
func (h *TaskHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	tasks, err := h.service.ListPending(r.Context(), actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponses(tasks))
}

// ListCompleted は完了済みタスクを承認者名付きで返す。
// GET /api/tasks/completed
func (h *TaskHandler) ListCompleted(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	completed, err := h.service.ListCompleted(r.Context(), actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	out := make([]completedTaskResponse, 0, len(completed))
	for _, c := range completed {
		out = append(out, completedTaskResponse{
			taskResponse: toTaskResponse(c.Task),
			ApproverName: c.ApproverName,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Create はタスクを作成する。
// POST /api/tasks
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	t, err := h.service.Create(r.Context(), actor, task.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		Assignees:   req.Assignees,
		DueDate:     req.DueDate,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskResponse(t))
}

// Get はタスク詳細を返す。
// GET /api/tasks/{id}
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	t, err := h.service.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

// Update はタスクを編集する。
// PATCH /api/tasks/{id}
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req updateTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	t, err := h.service.Update(r.Context(), actor, chi.URLParam(r, "id"), task.UpdateInput{
		Title:       req.Title,
		Description: req.Description,
		DueDate:     req.DueDate,
		Assignees:   req.Assignees,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

// ChangeStatus はタスクの状態を変更する。
// 管理者以外が completed を指定した場合は承認待ちになる。
// POST /api/tasks/{id}/status
func (h *TaskHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req changeStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	t, err := h.service.ChangeStatus(r.Context(), actor, chi.URLParam(r, "id"), req.Status, req.Note)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

// Approve は承認待ちのタスクを承認する。
// POST /api/tasks/{id}/approve
func (h *TaskHandler) Approve(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	t, err := h.service.Approve(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

// Reject は承認待ちのタスクを作業中に差し戻す。ボディは省略できる。
// POST /api/tasks/{id}/reject
func (h *TaskHandler) Reject(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req noteRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	t, err := h.service.Reject(r.Context(), actor, chi.URLParam(r, "id"), req.Note)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

// Reopen は完了済みのタスクを作業中に戻す。
// POST /api/tasks/{id}/reopen
func (h *TaskHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	t, err := h.service.Reopen(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

// RequestUpload は添付ファイルのアップロードURLを発行する。
// POST /api/tasks/{id}/attachment
func (h *TaskHandler) RequestUpload(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req uploadRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	a, err := h.service.RequestUpload(r.Context(), actor, chi.URLParam(r, "id"), req.Filename, req.ContentType)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attachmentResponse{FilePath: a.FilePath, UploadURL: a.UploadURL})
}

// Download は添付ファイルのダウンロードURLを返す。
// GET /api/tasks/{id}/attachment
func (h *TaskHandler) Download(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	url, err := h.service.DownloadURL(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attachmentResponse{URL: url})
}

// parseStatuses はカンマ区切りの状態指定を分解する。値の検証はサービス層で行う。
func parseStatuses(raw string) []model.TaskStatus {
	if raw == "" {
		return nil
	}
	var out []model.TaskStatus
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, model.TaskStatus(s))
		}
	}
	return out
}

func toTaskResponse(t *model.Task) taskResponse {
	assignees := t.Assignees
	if assignees == nil {
		assignees = []string{}
	}
	return taskResponse{
		ID:             t.ID,
		Title:          t.Title,
		Description:    t.Description,
		Assignees:      assignees,
		Status:         t.Status,
		DueDate:        t.DueDate.Format(time.DateOnly),
		FilePath:       t.FilePath,
		CompletionNote: t.CompletionNote,
		CreatedBy:      t.CreatedBy,
		ApprovedBy:     t.ApprovedBy,
		ApprovedAt:     t.ApprovedAt,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func toTaskResponses(tasks []*model.Task) []taskResponse {
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	return out
}
