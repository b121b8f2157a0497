package history

import (
	"context"
	"fmt"

	"github.com/hitoshi/taskboard/internal/changefeed"
	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/repository"
)

// TaskFinder は閲覧権限の確認に必要なタスク参照。
type TaskFinder interface {
	FindByID(ctx context.Context, id string) (*model.Task, error)
}

// Service はタスク履歴の参照を提供する。
type Service struct {
	tasks   TaskFinder
	history repository.HistoryRepository
}

// NewService はServiceを生成する。
func NewService(tasks TaskFinder, history repository.HistoryRepository) *Service {
	return &Service{tasks: tasks, history: history}
}

// ListByTask はタスクの履歴を新しい順で返す。
// 管理者と担当者のみ閲覧でき、それ以外にはタスク未検出として応答する。
func (s *Service) ListByTask(ctx context.Context, actor model.Actor, taskID string) ([]*model.HistoryEntry, error) {
	task, err := s.tasks.FindByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to find task: %w", err)
	}
	if task == nil || (!actor.IsAdmin() && !task.IsAssignee(actor.UserID)) {
		return nil, model.NewTaskNotFoundError(taskID)
	}

	entries, err := s.history.ListByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	if entries == nil {
		entries = []*model.HistoryEntry{}
	}
	return entries, nil
}

// Follow はタスクの履歴を購読し、タスクに変更があるたびにemitへ最新の一覧を渡す。
// 最初に現在の一覧を1回渡す。閲覧権限を失った場合はタスク未検出エラーで終了する。
func (s *Service) Follow(ctx context.Context, actor model.Actor, taskID string, sub changefeed.Subscription, emit func([]*model.HistoryEntry) error) error {
	entries, err := s.ListByTask(ctx, actor, taskID)
	if err != nil {
		return err
	}
	if err := emit(entries); err != nil {
		return err
	}

	for ev := range sub.Events() {
		if ev.Kind != changefeed.KindResync && ev.TaskID != taskID {
			continue
		}
		entries, err := s.ListByTask(ctx, actor, taskID)
		if err != nil {
			return err
		}
		if err := emit(entries); err != nil {
			return err
		}
	}
	return ctx.Err()
}
