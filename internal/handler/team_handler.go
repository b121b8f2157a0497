package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/team"
)

// TeamServiceInterface はチームハンドラーが必要とするサービスインターフェース。
type TeamServiceInterface interface {
	ListMembers(ctx context.Context) ([]team.Member, error)
	AddMember(ctx context.Context, actor model.Actor, in team.AddMemberInput) (*team.Member, error)
	Overview(ctx context.Context, actor model.Actor) (*team.Overview, error)
}

// TeamHandler はチーム管理のHTTPハンドラー。
type TeamHandler struct {
	service TeamServiceInterface
}

// NewTeamHandler はTeamHandlerを生成する。
func NewTeamHandler(service TeamServiceInterface) *TeamHandler {
	return &TeamHandler{service: service}
}

type addMemberRequest struct {
	Email    string     `json:"email"`
	Password string     `json:"password"`
	Name     string     `json:"name"`
	Role     model.Role `json:"role"`
}

type memberResponse struct {
	UserID         string     `json:"user_id"`
	Email          string     `json:"email"`
	Name           string     `json:"name"`
	Role           model.Role `json:"role"`
	ActiveTasks    int        `json:"active_tasks"`
	CompletedTasks int        `json:"completed_tasks"`
}

type overviewResponse struct {
	TotalTasks     int                      `json:"total_tasks"`
	CompletedTasks int                      `json:"completed_tasks"`
	MemberCount    int                      `json:"member_count"`
	ByStatus       map[model.TaskStatus]int `json:"by_status"`
}

// ListMembers はメンバー一覧とタスク件数を返す。
// GET /api/team/members
func (h *TeamHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}

	members, err := h.service.ListMembers(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	out := make([]memberResponse, 0, len(members))
	for _, m := range members {
		out = append(out, toMemberResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// AddMember はアカウントとプロフィールを作成してメンバーを追加する。管理者のみ。
// POST /api/team/members
func (h *TeamHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req addMemberRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	m, err := h.service.AddMember(r.Context(), actor, team.AddMemberInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Role:     req.Role,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberResponse(*m))
}

// Overview はダッシュボードの集計値を返す。管理者のみ。
// GET /api/team/overview
func (h *TeamHandler) Overview(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	o, err := h.service.Overview(r.Context(), actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, overviewResponse{
		TotalTasks:     o.TotalTasks,
		CompletedTasks: o.CompletedTasks,
		MemberCount:    o.MemberCount,
		ByStatus:       o.ByStatus,
	})
}

func toMemberResponse(m team.Member) memberResponse {
	return memberResponse{
		UserID:         m.UserID,
		Email:          m.Email,
		Name:           m.Name,
		Role:           m.Role,
		ActiveTasks:    m.ActiveTasks,
		CompletedTasks: m.CompletedTasks,
	}
}
