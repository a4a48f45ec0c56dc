package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fleetbeat/fleetbeat/pkg/models"
	"github.com/fleetbeat/fleetbeat/pkg/store"
)

// TaskService manages task definitions and fans definition changes out to
// the app's connected agents.
type TaskService struct {
	tasks    store.TaskStore
	apps     store.ApplicationStore
	notifier *Notifier
}

// NewTaskService creates a new TaskService.
func NewTaskService(tasks store.TaskStore, apps store.ApplicationStore, notifier *Notifier) *TaskService {
	return &TaskService{tasks: tasks, apps: apps, notifier: notifier}
}

// CreateTask defines a task on an application. The qualified name
// "<app>/<task>" must be unique among non-deleted tasks.
func (s *TaskService) CreateTask(ctx context.Context, appID primitive.ObjectID, req models.CreateTaskRequest) (*models.ApplicationTask, error) {
	if !models.ValidName(req.Name) {
		return nil, NewValidationError("name", "must be a lowercase identifier")
	}
	if err := validateTaskBody(req.Body); err != nil {
		return nil, err
	}
	if err := validateTriggers(req.Triggers); err != nil {
		return nil, err
	}
	app, err := s.apps.GetByID(ctx, appID)
	if err != nil {
		return nil, mapStoreError(err, "application")
	}

	task := &models.ApplicationTask{
		ID:            uuid.NewString(),
		AppID:         app.ID,
		Name:          req.Name,
		QualifiedName: models.QualifiedTaskName(app.Name, req.Name),
		Description:   req.Description,
		Tags:          normalizeTags(req.Tags),
		Body:          req.Body,
		Env:           req.Env,
		Triggers:      req.Triggers,
		LastUpdated:   time.Now().UTC(),
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("task %q: %w", task.QualifiedName, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	s.notifier.TaskUpdated(ctx, task)
	return task, nil
}

// GetTask fetches a task by id, enforcing app ownership when ownerApp is
// non-zero.
func (s *TaskService) GetTask(ctx context.Context, id string, ownerApp primitive.ObjectID) (*models.ApplicationTask, error) {
	task, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, "task")
	}
	if !ownerApp.IsZero() && task.AppID != ownerApp {
		return nil, fmt.Errorf("task belongs to another application: %w", ErrUnauthorized)
	}
	return task, nil
}

// ResolveTask finds a task by id or by qualified name, whichever is set.
func (s *TaskService) ResolveTask(ctx context.Context, taskID, taskName string, ownerApp primitive.ObjectID) (*models.ApplicationTask, error) {
	switch {
	case taskID != "":
		return s.GetTask(ctx, taskID, ownerApp)
	case taskName != "":
		task, err := s.tasks.GetByQualifiedName(ctx, taskName)
		if err != nil {
			return nil, mapStoreError(err, "task")
		}
		if !ownerApp.IsZero() && task.AppID != ownerApp {
			return nil, fmt.Errorf("task belongs to another application: %w", ErrUnauthorized)
		}
		return task, nil
	default:
		return nil, NewValidationError("task", "task_id or task_name is required")
	}
}

// ListTasks returns the non-deleted tasks of an application.
func (s *TaskService) ListTasks(ctx context.Context, appID primitive.ObjectID) ([]*models.ApplicationTask, error) {
	tasks, err := s.tasks.ListByApp(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTask patches a task definition. Nil request fields keep the stored
// value.
func (s *TaskService) UpdateTask(ctx context.Context, id string, req models.UpdateTaskRequest) (*models.ApplicationTask, error) {
	task, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, "task")
	}
	if task.DeletedAt != nil {
		return nil, fmt.Errorf("task is deleted: %w", ErrNotFound)
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.Tags != nil {
		task.Tags = normalizeTags(*req.Tags)
	}
	if req.Body != nil {
		if err := validateTaskBody(*req.Body); err != nil {
			return nil, err
		}
		task.Body = *req.Body
	}
	if req.Env != nil {
		task.Env = *req.Env
	}
	if req.Triggers != nil {
		if err := validateTriggers(*req.Triggers); err != nil {
			return nil, err
		}
		task.Triggers = *req.Triggers
	}
	task.LastUpdated = time.Now().UTC()
	if err := s.tasks.Update(ctx, task); err != nil {
		return nil, mapStoreError(err, "task")
	}
	s.notifier.TaskUpdated(ctx, task)
	return task, nil
}

// DeleteTask soft-deletes: the task row survives under a renamed
// qualified_name and agents are told to drop it.
func (s *TaskService) DeleteTask(ctx context.Context, id string) error {
	task, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		return mapStoreError(err, "task")
	}
	if task.DeletedAt != nil {
		return nil
	}
	if err := s.tasks.SoftDelete(ctx, id, time.Now().UTC()); err != nil {
		return mapStoreError(err, "task")
	}
	s.notifier.TaskRemoved(ctx, task)
	return nil
}

func validateTaskBody(body models.TaskBody) error {
	if !models.ValidTaskBodyType(body.Type) {
		return NewValidationError("body.type", "must be one of arbitrary, script, exec")
	}
	return nil
}

func validateTriggers(triggers []models.TaskTrigger) error {
	for _, tr := range triggers {
		switch tr.Kind {
		case models.TriggerCron, models.TriggerEvent, models.TriggerFSNotify:
		default:
			return NewValidationError("triggers", fmt.Sprintf("unknown trigger kind %q", tr.Kind))
		}
		if tr.Value == "" {
			return NewValidationError("triggers", "trigger value is required")
		}
	}
	return nil
}
