package model

import "time"

// HistoryAction はタスク履歴に記録される操作種別。
type HistoryAction string

const (
	HistoryActionCreated       HistoryAction = "created"
	HistoryActionAssigned      HistoryAction = "assigned"
	HistoryActionUnassigned    HistoryAction = "unassigned"
	HistoryActionStatusChanged HistoryAction = "status_changed"
	HistoryActionCompleted     HistoryAction = "completed"
	HistoryActionApproved      HistoryAction = "approved"
	HistoryActionReopened      HistoryAction = "reopened"
	HistoryActionEdited        HistoryAction = "edited"
)

// HistoryEntry はタスクに対する1件の変更記録。
// 追記専用で、作成後に更新・削除されない。
type HistoryEntry struct {
	ID        string
	TaskID    string
	UserID    string
	UserName  string
	Action    HistoryAction
	OldStatus TaskStatus // 空の場合は保存しない
	NewStatus TaskStatus // 空の場合は保存しない
	Note      string     // 空の場合は保存しない
	Timestamp time.Time
	Metadata  map[string]any
}
