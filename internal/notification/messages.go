package notification

import (
	"fmt"
	"time"

	"github.com/hitoshi/taskboard/internal/model"
)

func newNotification(userID string, typ model.NotificationType, task *model.Task, title, message string, now time.Time) *model.Notification {
	return &model.Notification{
		UserID:    userID,
		Type:      typ,
		Title:     title,
		Message:   message,
		TaskID:    task.ID,
		Timestamp: now,
		UpdatedAt: now,
	}
}

// Assigned はタスク割り当ての通知を組み立てる。
func Assigned(task *model.Task, userID string, now time.Time) *model.Notification {
	return newNotification(userID, model.NotificationTaskAssigned, task,
		"新しいタスクが割り当てられました",
		fmt.Sprintf("「%s」が割り当てられました", task.Title), now)
}

// Completed は完了報告（承認待ち）の通知を組み立てる。
func Completed(task *model.Task, adminID, reporterName string, now time.Time) *model.Notification {
	return newNotification(adminID, model.NotificationTaskCompleted, task,
		"承認待ちのタスクがあります",
		fmt.Sprintf("%sさんが「%s」の完了を報告しました", reporterName, task.Title), now)
}

// Approved はタスク承認の通知を組み立てる。
func Approved(task *model.Task, userID string, now time.Time) *model.Notification {
	return newNotification(userID, model.NotificationTaskApproved, task,
		"タスクが承認されました",
		fmt.Sprintf("「%s」が承認されました", task.Title), now)
}

// Overdue は期限超過の通知を組み立てる。
func Overdue(task *model.Task, userID string, now time.Time) *model.Notification {
	return newNotification(userID, model.NotificationTaskOverdue, task,
		"期限を過ぎたタスクがあります",
		fmt.Sprintf("「%s」の期限（%s）を過ぎています", task.Title, task.DueDate.Format("2006-01-02")), now)
}
