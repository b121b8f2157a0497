package model

import (
	"slices"
	"time"
)

// TaskStatus はタスクのワークフロー上の状態を表す。
type TaskStatus string

const (
	// TaskStatusTodo は未着手。
	TaskStatusTodo TaskStatus = "todo"
	// TaskStatusInProgress は作業中。
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusPendingApproval は完了報告済みで管理者の承認待ち。
	TaskStatusPendingApproval TaskStatus = "pending_approval"
	// TaskStatusCompleted は管理者が承認した完了状態。
	TaskStatusCompleted TaskStatus = "completed"
)

// Valid は定義済みの状態かどうかを返す。
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusPendingApproval, TaskStatusCompleted:
		return true
	default:
		return false
	}
}

// TaskStatuses はワークフロー順の全状態を返す。
func TaskStatuses() []TaskStatus {
	return []TaskStatus{TaskStatusTodo, TaskStatusInProgress, TaskStatusPendingApproval, TaskStatusCompleted}
}

// Task はチームメンバーに割り当てられる作業単位を表す。
type Task struct {
	ID             string
	Title          string
	Description    string
	Assignees      []string
	Status         TaskStatus
	DueDate        time.Time // 日付のみ有効（時刻は00:00 UTC）
	FilePath       string
	CompletionNote string
	CreatedBy      string
	ApprovedBy     string
	ApprovedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsAssignee は指定ユーザーが担当者に含まれるかを返す。
func (t *Task) IsAssignee(userID string) bool {
	return slices.Contains(t.Assignees, userID)
}

// IsOverdue は期限日を過ぎても完了していないかを返す。
// 期限日当日はまだ期限内として扱う。
func (t *Task) IsOverdue(now time.Time) bool {
	if t.Status == TaskStatusCompleted {
		return false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return t.DueDate.Before(today)
}

// TaskStats はダッシュボード用の集計値。
type TaskStats struct {
	TotalTasks     int
	CompletedTasks int
	TeamMembers    int
}

// MemberTaskCounts はメンバーごとのタスク件数。
// 承認待ちは完了側に数える。
type MemberTaskCounts struct {
	Active    int
	Completed int
}
