package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hitoshi/taskboard/internal/changefeed"
	"github.com/hitoshi/taskboard/internal/history"
	"github.com/hitoshi/taskboard/internal/metrics"
	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/repository"
	"github.com/hitoshi/taskboard/internal/security"
	"github.com/hitoshi/taskboard/internal/storage"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 5000
	maxNoteLength        = 2000
	dueDateLayout        = "2006-01-02"

	// UnknownUserName はプロフィールが見つからないユーザーの表示名。
	UnknownUserName = "Unknown User"
)

// CreateInput はタスク作成の入力。
type CreateInput struct {
	Title       string
	Description string
	Assignees   []string
	DueDate     string // YYYY-MM-DD
}

// UpdateInput はタスク編集の入力。nilの項目は変更しない。
type UpdateInput struct {
	Title       *string
	Description *string
	DueDate     *string
	Assignees   *[]string
}

// CompletedTask は完了済みタスクと承認者名の組。
type CompletedTask struct {
	Task         *model.Task
	ApproverName string
}

// Attachment はアップロード先の情報。
type Attachment struct {
	FilePath  string
	UploadURL string
}

// Service はタスクの操作を提供する。
type Service struct {
	tx          repository.TxRunner
	tasks       repository.TaskRepository
	profiles    repository.ProfileRepository
	recorder    *history.Recorder
	publisher   changefeed.Publisher
	attachments storage.AttachmentStore
	sanitizer   security.TextSanitizer
	collector   metrics.MetricsCollector
	logger      *slog.Logger
	now         func() time.Time
}

// Deps はServiceの依存。Attachmentsがnilの場合は添付ファイル機能を無効にする。
type Deps struct {
	Tx          repository.TxRunner
	Tasks       repository.TaskRepository
	Profiles    repository.ProfileRepository
	Recorder    *history.Recorder
	Publisher   changefeed.Publisher
	Attachments storage.AttachmentStore
	Sanitizer   security.TextSanitizer
	Metrics     metrics.MetricsCollector
	Logger      *slog.Logger
}

// NewService はServiceを生成する。
func NewService(deps Deps) *Service {
	s := &Service{
		tx:          deps.Tx,
		tasks:       deps.Tasks,
		profiles:    deps.Profiles,
		recorder:    deps.Recorder,
		publisher:   deps.Publisher,
		attachments: deps.Attachments,
		sanitizer:   deps.Sanitizer,
		collector:   deps.Metrics,
		logger:      deps.Logger,
		now:         time.Now,
	}
	if s.recorder == nil {
		s.recorder = history.NewRecorder()
	}
	if s.publisher == nil {
		s.publisher = changefeed.NopPublisher{}
	}
	if s.sanitizer == nil {
		s.sanitizer = security.NewTextSanitizer()
	}
	if s.collector == nil {
		s.collector = metrics.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Create はタスクを作成する。管理者のみ実行できる。
// 作成の履歴と担当者ごとの割り当て履歴をタスクと同じトランザクションで追記する。
func (s *Service) Create(ctx context.Context, actor model.Actor, in CreateInput) (*model.Task, error) {
	if !actor.IsAdmin() {
		return nil, model.NewPermissionDeniedError("タスクの作成")
	}

	title, err := s.cleanTitle(in.Title)
	if err != nil {
		return nil, err
	}
	description, err := s.cleanDescription(in.Description)
	if err != nil {
		return nil, err
	}
	dueDate, err := parseDueDate(in.DueDate)
	if err != nil {
		return nil, err
	}
	assignees := NormalizeAssignees(in.Assignees)
	if len(assignees) == 0 {
		return nil, model.NewValidationError("担当者を1人以上指定してください", "assignees")
	}

	now := s.now()
	task := &model.Task{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		Assignees:   assignees,
		Status:      model.TaskStatusTodo,
		DueDate:     dueDate,
		CreatedBy:   actor.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var entries []*model.HistoryEntry
	err = s.tx.RunInTx(ctx, func(ctx context.Context, repos repository.TxRepos) error {
		names, err := s.resolveNames(ctx, repos.Profiles, assignees)
		if err != nil {
			return err
		}
		if unknown := missingUsers(assignees, names); len(unknown) > 0 {
			return model.NewValidationError("存在しないユーザーが担当者に含まれています", unknown...)
		}

		if err := repos.Tasks.Create(ctx, task); err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}

		changes := []history.Change{{
			Action:    model.HistoryActionCreated,
			NewStatus: model.TaskStatusTodo,
			Metadata:  map[string]any{"title": title, "description": description, "assignees": assignees},
		}}
		changes = append(changes, assignmentChanges(model.HistoryActionAssigned, assignees, names)...)

		entries, err = s.recorder.Record(ctx, repos.History, task.ID, actor, changes...)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.recordHistoryMetrics(entries)
	s.logger.Info("タスクを作成しました",
		slog.String("task_id", task.ID),
		slog.String("created_by", actor.UserID),
		slog.Int("assignees", len(assignees)),
	)
	s.publish(ctx, changefeed.Event{Channel: changefeed.ChannelTasks, Kind: changefeed.KindTaskCreated, TaskID: task.ID, UserIDs: assignees, ActorID: actor.UserID})
	s.publish(ctx, changefeed.Event{Channel: changefeed.ChannelTasks, Kind: changefeed.KindTaskAssigned, TaskID: task.ID, UserIDs: assignees, ActorID: actor.UserID})
	return task, nil
}

// Update はタスクを編集する。管理者のみ実行できる。
// 担当者の追加・削除ごとに履歴を1件ずつ追記し、タイトル・説明・期限日の変更は
// edited 1件にまとめる。何も変わらない編集は何も書き込まない。
func (s *Service) Update(ctx context.Context, actor model.Actor, taskID string, in UpdateInput) (*model.Task, error) {
	if !actor.IsAdmin() {
		return nil, model.NewPermissionDeniedError("タスクの編集")
	}

	var (
		title, description *string
		dueDate            *time.Time
		assignees          []string
	)
	if in.Title != nil {
		v, err := s.cleanTitle(*in.Title)
		if err != nil {
			return nil, err
		}
		title = &v
	}
	if in.Description != nil {
		v, err := s.cleanDescription(*in.Description)
		if err != nil {
			return nil, err
		}
		description = &v
	}
	if in.DueDate != nil {
		v, err := parseDueDate(*in.DueDate)
		if err != nil {
			return nil, err
		}
		dueDate = &v
	}
	if in.Assignees != nil {
		assignees = NormalizeAssignees(*in.Assignees)
		if len(assignees) == 0 {
			return nil, model.NewValidationError("担当者を1人以上指定してください", "assignees")
		}
	}

	var (
		task           *model.Task
		oldAssignees   []string
		added, removed []string
		entries        []*model.HistoryEntry
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context, repos repository.TxRepos) error {
		var err error
		task, err = repos.Tasks.FindByIDForUpdate(ctx, taskID)
		if err != nil {
			return fmt.Errorf("failed to find task: %w", err)
		}
		if task == nil {
			return model.NewTaskNotFoundError(taskID)
		}
		oldAssignees = slices.Clone(task.Assignees)

		var fields []string
		if title != nil && *title != task.Title {
			task.Title = *title
			fields = append(fields, "title")
		}
		if description != nil && *description != task.Description {
			task.Description = *description
			fields = append(fields, "description")
		}
		if dueDate != nil && !dueDate.Equal(task.DueDate) {
			task.DueDate = *dueDate
			fields = append(fields, "due_date")
		}
		if assignees != nil {
			added, removed = DiffAssignees(task.Assignees, assignees)
		}

		if len(fields) == 0 && len(added) == 0 && len(removed) == 0 {
			return nil
		}

		var names map[string]string
		if len(added)+len(removed) > 0 {
			names, err = s.resolveNames(ctx, repos.Profiles, append(slices.Clone(added), removed...))
			if err != nil {
				return err
			}
			if unknown := missingUsers(added, names); len(unknown) > 0 {
				return model.NewValidationError("存在しないユーザーが担当者に含まれています", unknown...)
			}
			task.Assignees = assignees
		}
		task.UpdatedAt = s.now()

		if err := repos.Tasks.Update(ctx, task); err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}

		var changes []history.Change
		if len(fields) > 0 {
			changes = append(changes, history.Change{
				Action:   model.HistoryActionEdited,
				Metadata: map[string]any{"fields": fields},
			})
		}
		changes = append(changes, assignmentChanges(model.HistoryActionAssigned, added, names)...)
		changes = append(changes, assignmentChanges(model.HistoryActionUnassigned, removed, names)...)

		entries, err = s.recorder.Record(ctx, repos.History, task.ID, actor, changes...)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return task, nil
	}

	s.recordHistoryMetrics(entries)
	s.publish(ctx, changefeed.Event{
		Channel: changefeed.ChannelTasks,
		Kind:    changefeed.KindTaskUpdated,
		TaskID:  task.ID,
		UserIDs: union(oldAssignees, task.Assignees),
		ActorID: actor.UserID,
	})
	if len(added) > 0 {
		s.publish(ctx, changefeed.Event{Channel: changefeed.ChannelTasks, Kind: changefeed.KindTaskAssigned, TaskID: task.ID, UserIDs: added, ActorID: actor.UserID})
	}
	return task, nil
}

// ChangeStatus はタスクの状態を変更する。
// 管理者以外が completed を要求した場合は承認待ちとして記録される。
func (s *Service) ChangeStatus(ctx context.Context, actor model.Actor, taskID string, target model.TaskStatus, note string) (*model.Task, error) {
	return s.transition(ctx, actor, taskID, target, note, "")
}

// Approve は承認待ちのタスクを完了にする。管理者のみ実行できる。
func (s *Service) Approve(ctx context.Context, actor model.Actor, taskID string) (*model.Task, error) {
	if !actor.IsAdmin() {
		return nil, model.NewPermissionDeniedError("タスクの承認")
	}
	return s.transition(ctx, actor, taskID, model.TaskStatusCompleted, "", model.TaskStatusPendingApproval)
}

// Reject は承認待ちのタスクを作業中に差し戻す。管理者のみ実行できる。
func (s *Service) Reject(ctx context.Context, actor model.Actor, taskID, note string) (*model.Task, error) {
	if !actor.IsAdmin() {
		return nil, model.NewPermissionDeniedError("タスクの差し戻し")
	}
	return s.transition(ctx, actor, taskID, model.TaskStatusInProgress, note, model.TaskStatusPendingApproval)
}

// Reopen は完了済みのタスクを作業中に戻す。管理者のみ実行できる。
func (s *Service) Reopen(ctx context.Context, actor model.Actor, taskID string) (*model.Task, error) {
	if !actor.IsAdmin() {
		return nil, model.NewPermissionDeniedError("タスクの再開")
	}
	return s.transition(ctx, actor, taskID, model.TaskStatusInProgress, "", model.TaskStatusCompleted)
}

// transition は行ロックを取って現在の状態から遷移を決定し、タスクと履歴を書き込む。
// expectFromが空でない場合、現在の状態が一致しなければ INVALID_TRANSITION を返す。
func (s *Service) transition(ctx context.Context, actor model.Actor, taskID string, target model.TaskStatus, note string, expectFrom model.TaskStatus) (*model.Task, error) {
	cleanNote := s.sanitizer.Sanitize(note)
	if utf8.RuneCountInString(cleanNote) > maxNoteLength {
		return nil, model.NewValidationError(fmt.Sprintf("メモは%d文字以内で入力してください", maxNoteLength), "note")
	}

	var (
		task    *model.Task
		tr      Transition
		entries []*model.HistoryEntry
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context, repos repository.TxRepos) error {
		var err error
		task, err = repos.Tasks.FindByIDForUpdate(ctx, taskID)
		if err != nil {
			return fmt.Errorf("failed to find task: %w", err)
		}
		if task == nil || !canView(actor, task) {
			return model.NewTaskNotFoundError(taskID)
		}
		if expectFrom != "" && task.Status != expectFrom {
			return model.NewInvalidTransitionError(task.Status, target)
		}

		tr, err = PlanTransition(task, actor, target, cleanNote)
		if err != nil {
			return err
		}
		tr.Apply(task, actor, s.now())

		if err := repos.Tasks.Update(ctx, task); err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}
		entries, err = s.recorder.Record(ctx, repos.History, task.ID, actor, tr.Change())
		return err
	})
	if err != nil {
		return nil, err
	}

	s.collector.RecordTransition(string(tr.From), string(tr.To))
	s.recordHistoryMetrics(entries)
	s.logger.Info("タスクの状態を変更しました",
		slog.String("task_id", task.ID),
		slog.String("from", string(tr.From)),
		slog.String("to", string(tr.To)),
		slog.String("actor", actor.UserID),
	)
	s.publish(ctx, changefeed.Event{
		Channel:   changefeed.ChannelTasks,
		Kind:      changefeed.KindTaskStatusChanged,
		TaskID:    task.ID,
		UserIDs:   task.Assignees,
		OldStatus: string(tr.From),
		NewStatus: string(tr.To),
		ActorID:   actor.UserID,
	})
	return task, nil
}

// Get はタスクを1件取得する。管理者と担当者以外にはタスク未検出として応答する。
func (s *Service) Get(ctx context.Context, actor model.Actor, taskID string) (*model.Task, error) {
	task, err := s.tasks.FindByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to find task: %w", err)
	}
	if task == nil || !canView(actor, task) {
		return nil, model.NewTaskNotFoundError(taskID)
	}
	return task, nil
}

// FindByID はアクセス制御なしでタスクを取得する。見つからない場合はnilを返す。
func (s *Service) FindByID(ctx context.Context, taskID string) (*model.Task, error) {
	return s.tasks.FindByID(ctx, taskID)
}

// List は閲覧可能なタスクを期限日順で返す。
// 管理者は全件、メンバーは自分が担当するタスクのみ。statusesが空の場合は全状態。
func (s *Service) List(ctx context.Context, actor model.Actor, statuses []model.TaskStatus) ([]*model.Task, error) {
	for _, st := range statuses {
		if !st.Valid() {
			return nil, model.NewValidationError("不明な状態です", "status")
		}
	}
	filter := repository.TaskFilter{Statuses: statuses}
	if !actor.IsAdmin() {
		filter.Assignee = actor.UserID
	}
	tasks, err := s.tasks.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	return tasks, nil
}

// ListPending は承認待ちのタスクを返す。管理者のみ実行できる。
func (s *Service) ListPending(ctx context.Context, actor model.Actor) ([]*model.Task, error) {
	if !actor.IsAdmin() {
		return nil, model.NewPermissionDeniedError("承認待ち一覧の参照")
	}
	return s.List(ctx, actor, []model.TaskStatus{model.TaskStatusPendingApproval})
}

// ListCompleted は完了済みタスクを承認者名付きで返す。
// 管理者は全件、メンバーは自分が担当するタスクのみ。
func (s *Service) ListCompleted(ctx context.Context, actor model.Actor) ([]CompletedTask, error) {
	tasks, err := s.List(ctx, actor, []model.TaskStatus{model.TaskStatusCompleted})
	if err != nil {
		return nil, err
	}

	var approverIDs []string
	for _, t := range tasks {
		if t.ApprovedBy != "" && !slices.Contains(approverIDs, t.ApprovedBy) {
			approverIDs = append(approverIDs, t.ApprovedBy)
		}
	}
	names, err := s.resolveNames(ctx, s.profiles, approverIDs)
	if err != nil {
		return nil, err
	}

	out := make([]CompletedTask, 0, len(tasks))
	for _, t := range tasks {
		ct := CompletedTask{Task: t}
		if t.ApprovedBy != "" {
			ct.ApproverName = nameOrUnknown(names, t.ApprovedBy)
		}
		out = append(out, ct)
	}
	return out, nil
}

// RequestUpload は添付ファイルのアップロードURLを発行し、タスクのファイルパスを更新する。
// 管理者と担当者が実行できる。
func (s *Service) RequestUpload(ctx context.Context, actor model.Actor, taskID, filename, contentType string) (*Attachment, error) {
	if s.attachments == nil {
		return nil, model.NewAttachmentsDisabledError()
	}
	if strings.TrimSpace(filename) == "" {
		return nil, model.NewValidationError("ファイル名を指定してください", "filename")
	}

	if _, err := s.Get(ctx, actor, taskID); err != nil {
		return nil, err
	}

	key := storage.AttachmentKey(taskID, filename)
	uploadURL, err := s.attachments.PresignUpload(ctx, key, contentType)
	if err != nil {
		return nil, s.storageError(err)
	}

	var (
		task    *model.Task
		entries []*model.HistoryEntry
	)
	err = s.tx.RunInTx(ctx, func(ctx context.Context, repos repository.TxRepos) error {
		var err error
		task, err = repos.Tasks.FindByIDForUpdate(ctx, taskID)
		if err != nil {
			return fmt.Errorf("failed to find task: %w", err)
		}
		if task == nil {
			return model.NewTaskNotFoundError(taskID)
		}
		task.FilePath = key
		task.UpdatedAt = s.now()
		if err := repos.Tasks.Update(ctx, task); err != nil {
			return fmt.Errorf("failed to update file path: %w", err)
		}
		entries, err = s.recorder.Record(ctx, repos.History, task.ID, actor, history.Change{
			Action:   model.HistoryActionEdited,
			Metadata: map[string]any{"fields": []string{"file_path"}, "file_path": key},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.recordHistoryMetrics(entries)
	s.publish(ctx, changefeed.Event{Channel: changefeed.ChannelTasks, Kind: changefeed.KindTaskUpdated, TaskID: task.ID, UserIDs: task.Assignees, ActorID: actor.UserID})
	return &Attachment{FilePath: key, UploadURL: uploadURL}, nil
}

// DownloadURL は添付ファイルのダウンロードURLを返す。
func (s *Service) DownloadURL(ctx context.Context, actor model.Actor, taskID string) (string, error) {
	if s.attachments == nil {
		return "", model.NewAttachmentsDisabledError()
	}
	task, err := s.Get(ctx, actor, taskID)
	if err != nil {
		return "", err
	}
	if task.FilePath == "" {
		return "", model.NewAttachmentNotFoundError(taskID)
	}
	exists, err := s.attachments.Exists(ctx, task.FilePath)
	if err != nil {
		return "", s.storageError(err)
	}
	if !exists {
		return "", model.NewAttachmentNotFoundError(taskID)
	}
	url, err := s.attachments.PresignDownload(ctx, task.FilePath)
	if err != nil {
		return "", s.storageError(err)
	}
	return url, nil
}

func (s *Service) storageError(err error) error {
	if errors.Is(err, storage.ErrUnavailable) {
		return model.NewAttachmentsDisabledError()
	}
	return fmt.Errorf("attachment storage: %w", err)
}

func (s *Service) cleanTitle(raw string) (string, error) {
	title := s.sanitizer.Sanitize(raw)
	if title == "" {
		return "", model.NewValidationError("タイトルを入力してください", "title")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return "", model.NewValidationError(fmt.Sprintf("タイトルは%d文字以内で入力してください", maxTitleLength), "title")
	}
	return title, nil
}

func (s *Service) cleanDescription(raw string) (string, error) {
	description := s.sanitizer.Sanitize(raw)
	if utf8.RuneCountInString(description) > maxDescriptionLength {
		return "", model.NewValidationError(fmt.Sprintf("説明は%d文字以内で入力してください", maxDescriptionLength), "description")
	}
	return description, nil
}

// resolveNames はユーザーIDから表示名への対応を返す。プロフィールがないIDは含まれない。
func (s *Service) resolveNames(ctx context.Context, profiles repository.ProfileRepository, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return names, nil
	}
	found, err := profiles.FindByUserIDs(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user names: %w", err)
	}
	for _, p := range found {
		names[p.UserID] = p.Name
	}
	return names, nil
}

func (s *Service) publish(ctx context.Context, event changefeed.Event) {
	event.At = s.now()
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("変更イベントの送信に失敗しました",
			slog.String("kind", string(event.Kind)),
			slog.String("task_id", event.TaskID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) recordHistoryMetrics(entries []*model.HistoryEntry) {
	counts := make(map[model.HistoryAction]int)
	for _, e := range entries {
		counts[e.Action]++
	}
	for action, n := range counts {
		s.collector.RecordHistoryAppended(string(action), n)
	}
}

func canView(actor model.Actor, task *model.Task) bool {
	return actor.IsAdmin() || task.IsAssignee(actor.UserID)
}

func assignmentChanges(action model.HistoryAction, userIDs []string, names map[string]string) []history.Change {
	key, nameKey := "assignedTo", "assignedToName"
	if action == model.HistoryActionUnassigned {
		key, nameKey = "unassignedFrom", "unassignedFromName"
	}
	changes := make([]history.Change, 0, len(userIDs))
	for _, id := range userIDs {
		changes = append(changes, history.Change{
			Action:   action,
			Metadata: map[string]any{key: id, nameKey: nameOrUnknown(names, id)},
		})
	}
	return changes
}

func nameOrUnknown(names map[string]string, userID string) string {
	if name, ok := names[userID]; ok && name != "" {
		return name
	}
	return UnknownUserName
}

func missingUsers(userIDs []string, names map[string]string) []string {
	var missing []string
	for _, id := range userIDs {
		if _, ok := names[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, id := range b {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func parseDueDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, model.NewValidationError("期限日を入力してください", "due_date")
	}
	d, err := time.ParseInLocation(dueDateLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, model.NewValidationError("期限日はYYYY-MM-DD形式で入力してください", "due_date")
	}
	return d, nil
}
