package model

import "time"

// NotificationType は通知の種別。
type NotificationType string

const (
	NotificationTaskAssigned  NotificationType = "task_assigned"
	NotificationTaskCompleted NotificationType = "task_completed"
	NotificationTaskApproved  NotificationType = "task_approved"
	NotificationTaskOverdue   NotificationType = "task_overdue"
)

// Notification はユーザー宛ての通知を表す。
type Notification struct {
	ID        string
	UserID    string
	Type      NotificationType
	Title     string
	Message   string
	TaskID    string
	Read      bool
	ReadAt    *time.Time
	Timestamp time.Time
	UpdatedAt time.Time // 変更イベントの新旧判定に使う
}
