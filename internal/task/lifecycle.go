// Package task はタスクの作成・編集・状態遷移を提供する。
//
// 状態遷移は純粋関数 PlanTransition で決定し、Service がタスクの更新と履歴の追記を
// 1トランザクションで書き込む。
package task

import (
	"time"

	"github.com/hitoshi/taskboard/internal/history"
	"github.com/hitoshi/taskboard/internal/model"
)

// Transition はPlanTransitionが決定した1回の状態遷移。
type Transition struct {
	From     model.TaskStatus
	To       model.TaskStatus
	Action   model.HistoryAction
	Note     string
	Metadata map[string]any
}

// PlanTransition はactorがtaskをtargetへ進める場合の遷移を決定する。
//
// 管理者以外が in_progress から completed を要求した場合は pending_approval に読み替える。
// 承認待ちへの遷移は、メンバーの報告なら completed、管理者の操作なら status_changed として記録する。
// それ以外で completed へ進める操作、差し戻し、再開は管理者のみ許可する。
// 定義されていない遷移（同一状態を含む）は INVALID_TRANSITION を返す。
// ストレージには触れない。
func PlanTransition(task *model.Task, actor model.Actor, target model.TaskStatus, note string) (Transition, error) {
	if !target.Valid() {
		return Transition{}, model.NewValidationError("不明な状態です", "status")
	}

	from := task.Status
	if !actor.IsAdmin() && target == model.TaskStatusCompleted {
		if from != model.TaskStatusInProgress {
			return Transition{}, model.NewPermissionDeniedError("タスクの承認")
		}
		target = model.TaskStatusPendingApproval
	}

	tr := Transition{From: from, To: target, Metadata: map[string]any{}}

	switch {
	case from == model.TaskStatusTodo && target == model.TaskStatusInProgress:
		tr.Action = model.HistoryActionStatusChanged

	case from == model.TaskStatusInProgress && target == model.TaskStatusPendingApproval:
		tr.Action = model.HistoryActionCompleted
		if actor.IsAdmin() {
			tr.Action = model.HistoryActionStatusChanged
		}
		tr.Note = note
		if note != "" {
			tr.Metadata["completionNote"] = note
		}

	case from == model.TaskStatusPendingApproval && target == model.TaskStatusCompleted:
		if !actor.IsAdmin() {
			return Transition{}, model.NewPermissionDeniedError("タスクの承認")
		}
		tr.Action = model.HistoryActionApproved
		tr.Metadata["approvedBy"] = actor.UserID

	case from == model.TaskStatusPendingApproval && target == model.TaskStatusInProgress:
		if !actor.IsAdmin() {
			return Transition{}, model.NewPermissionDeniedError("タスクの差し戻し")
		}
		tr.Action = model.HistoryActionStatusChanged
		tr.Note = note
		tr.Metadata["rejected"] = true

	case from == model.TaskStatusCompleted && target == model.TaskStatusInProgress:
		if !actor.IsAdmin() {
			return Transition{}, model.NewPermissionDeniedError("タスクの再開")
		}
		tr.Action = model.HistoryActionReopened

	default:
		return Transition{}, model.NewInvalidTransitionError(from, target)
	}

	return tr, nil
}

// Apply は遷移をタスクに反映する。
// 承認待ちへの遷移では完了メモを保存し、承認時は承認者と承認時刻を記録する。
// 再開しても直前の承認者と承認時刻は残し、次の承認で上書きする。
func (tr Transition) Apply(task *model.Task, actor model.Actor, now time.Time) {
	task.Status = tr.To
	switch {
	case tr.To == model.TaskStatusPendingApproval:
		task.CompletionNote = tr.Note
	case tr.Action == model.HistoryActionApproved:
		task.ApprovedBy = actor.UserID
		approvedAt := now
		task.ApprovedAt = &approvedAt
	}
	task.UpdatedAt = now
}

// Change は遷移を履歴エントリの内容に変換する。
func (tr Transition) Change() history.Change {
	return history.Change{
		Action:    tr.Action,
		OldStatus: tr.From,
		NewStatus: tr.To,
		Note:      tr.Note,
		Metadata:  tr.Metadata,
	}
}
