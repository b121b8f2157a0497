// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string   // エラーコード
	Message  string   // エラーメッセージ
	Category string   // カテゴリ: auth, validation, task, notification, system
	Action   string   // ユーザー向け対処方法
	Fields   []string // 検証エラーの対象項目（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidationFailed     = "VALIDATION_FAILED"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodePermissionDenied     = "PERMISSION_DENIED"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeInvalidCredentials   = "INVALID_CREDENTIALS"
	ErrCodeTaskNotFound         = "TASK_NOT_FOUND"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeNotificationNotFound = "NOTIFICATION_NOT_FOUND"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
	ErrCodeEmailTaken           = "EMAIL_TAKEN"
	ErrCodeAttachmentsDisabled  = "ATTACHMENTS_DISABLED"
	ErrCodeAttachmentNotFound   = "ATTACHMENT_NOT_FOUND"
)

// NewValidationError は入力検証エラーを生成する。
// fieldsには不正な項目名を渡す。
func NewValidationError(reason string, fields ...string) *APIError {
	msg := fmt.Sprintf("入力内容が不正です: %s", reason)
	if len(fields) > 0 {
		msg = fmt.Sprintf("%s (%s)", msg, strings.Join(fields, ", "))
	}
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  msg,
		Category: "validation",
		Action:   "入力内容を確認してから再度お試しください。",
		Fields:   fields,
	}
}

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewPermissionDeniedError は権限不足エラーを生成する。
func NewPermissionDeniedError(operation string) *APIError {
	return &APIError{
		Code:     ErrCodePermissionDenied,
		Message:  fmt.Sprintf("この操作を行う権限がありません: %s", operation),
		Category: "auth",
		Action:   "管理者に操作を依頼してください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
// メールアドレスとパスワードのどちらが誤っているかは区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認してから再度ログインしてください。",
	}
}

// NewTaskNotFoundError はタスク未検出エラーを生成する。
func NewTaskNotFoundError(taskID string) *APIError {
	return &APIError{
		Code:     ErrCodeTaskNotFound,
		Message:  fmt.Sprintf("指定されたタスクが見つかりません: %s", taskID),
		Category: "task",
		Action:   "タスクIDを確認してください。",
	}
}

// NewInvalidTransitionError は許可されていない状態遷移のエラーを生成する。
func NewInvalidTransitionError(from, to TaskStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("タスクの状態を %s から %s に変更することはできません。", from, to),
		Category: "task",
		Action:   "最新の状態を再読み込みしてから操作してください。",
	}
}

// NewNotificationNotFoundError は通知未検出エラーを生成する。
func NewNotificationNotFoundError(notificationID string) *APIError {
	return &APIError{
		Code:     ErrCodeNotificationNotFound,
		Message:  fmt.Sprintf("指定された通知が見つかりません: %s", notificationID),
		Category: "notification",
		Action:   "通知一覧を再読み込みしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "メールアドレスを確認してください。",
	}
}

// NewEmailTakenError はメールアドレス重複エラーを生成する。
func NewEmailTakenError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  fmt.Sprintf("このメールアドレスは既に登録されています: %s", email),
		Category: "validation",
		Action:   "別のメールアドレスを指定してください。",
	}
}

// NewAttachmentsDisabledError は添付ファイル機能が無効な場合のエラーを生成する。
func NewAttachmentsDisabledError() *APIError {
	return &APIError{
		Code:     ErrCodeAttachmentsDisabled,
		Message:  "添付ファイル機能は現在利用できません。",
		Category: "system",
		Action:   "管理者にストレージ設定を確認してもらってください。",
	}
}

// NewAttachmentNotFoundError はタスクに添付ファイルがない場合のエラーを生成する。
func NewAttachmentNotFoundError(taskID string) *APIError {
	return &APIError{
		Code:     ErrCodeAttachmentNotFound,
		Message:  fmt.Sprintf("タスクに添付ファイルがありません: %s", taskID),
		Category: "task",
		Action:   "ファイルをアップロードしてから再度お試しください。",
	}
}
