package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/taskdesk/server/internal/logger"
	"github.com/taskdesk/server/internal/session"
	"github.com/taskdesk/server/internal/store"
	"github.com/taskdesk/server/types"
	"go.uber.org/zap"
)

// TaskInput is the create and edit form for a task. An empty AssigneeUID
// assigns the task to the acting user.
type TaskInput struct {
	Title       string    `form:"title" validate:"required,max=255"`
	Description string    `form:"description" validate:"max=5000"`
	AssigneeUID string    `form:"assigned_to"`
	Deadline    time.Time `form:"deadline"`
	Priority    string    `form:"priority" validate:"omitempty,oneof=low medium high"`
	Status      string    `form:"status" validate:"omitempty,oneof=pending in_progress completed"`
}

// TaskService implements task assignment and tracking.
type TaskService struct {
	tasks    TaskRepository
	users    UserRepository
	notifier Notifications
	validate *validator.Validate
	now      func() time.Time
}

func NewTaskService(tasks TaskRepository, users UserRepository, notifier Notifications) *TaskService {
	return &TaskService{
		tasks:    tasks,
		users:    users,
		notifier: notifier,
		validate: newValidator(),
		now:      time.Now,
	}
}

func (s *TaskService) prepare(in *TaskInput) error {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if err := validateInput(s.validate, *in); err != nil {
		return err
	}
	if in.Deadline.IsZero() {
		return &ValidationError{Field: "deadline", Message: "deadline is required"}
	}
	if in.Priority == "" {
		in.Priority = types.PriorityMedium
	}
	if in.Status == "" {
		in.Status = types.TaskStatusPending
	}
	return nil
}

// resolveAssignee loads the assignee named by uid. Non-admins may only
// assign tasks to themselves.
func (s *TaskService) resolveAssignee(ctx context.Context, actor session.Identity, uid string) (types.User, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" || uid == actor.UserUID {
		user, err := s.users.GetByID(ctx, actor.UserID)
		if err != nil {
			return types.User{}, storeError("load user", err)
		}
		return user, nil
	}
	if !actor.IsAdmin() {
		return types.User{}, ErrForbidden
	}
	user, err := s.users.GetByUID(ctx, uid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, &ValidationError{Field: "assigned_to", Message: "assignee does not exist"}
		}
		return types.User{}, storeError("load assignee", err)
	}
	return user, nil
}

// Create stores a new task and notifies the assignee when someone else
// assigned it.
func (s *TaskService) Create(ctx context.Context, actor session.Identity, in TaskInput) (types.Task, error) {
	if err := s.prepare(&in); err != nil {
		return types.Task{}, err
	}
	assignee, err := s.resolveAssignee(ctx, actor, in.AssigneeUID)
	if err != nil {
		return types.Task{}, err
	}

	task, err := s.tasks.Create(ctx, types.Task{
		Title:       in.Title,
		Description: in.Description,
		AssignedTo:  assignee.ID,
		AssignedBy:  actor.UserID,
		Deadline:    in.Deadline,
		Priority:    in.Priority,
		Status:      in.Status,
	})
	if err != nil {
		return types.Task{}, storeError("create task", err)
	}
	task.AssigneeName = assignee.Name
	task.AssignerName = actor.Name

	logger.From(ctx).Info("task created", logger.TaskID(task.ID), logger.UserID(assignee.UID), logger.Actor(actor.Username))
	if assignee.ID != actor.UserID {
		s.notifier.TaskAssigned(ctx, assignee, task, actor.Name)
	}
	return task, nil
}

// Get returns a task visible to actor: admins see every task, users see
// tasks assigned to or created by them.
func (s *TaskService) Get(ctx context.Context, actor session.Identity, id int) (types.Task, error) {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return types.Task{}, storeError("load task", err)
	}
	if !actor.IsAdmin() && task.AssignedTo != actor.UserID && task.AssignedBy != actor.UserID {
		return types.Task{}, ErrNotFound
	}
	return task, nil
}

// List returns every task matching filter. It is intended for admins.
func (s *TaskService) List(ctx context.Context, filter types.TaskFilter) ([]types.Task, error) {
	tasks, err := s.tasks.List(ctx, filter)
	if err != nil {
		return nil, storeError("list tasks", err)
	}
	return tasks, nil
}

func (s *TaskService) ListAssignedTo(ctx context.Context, userID int) ([]types.Task, error) {
	return s.List(ctx, types.TaskFilter{AssignedTo: userID})
}

func (s *TaskService) ListCreatedBy(ctx context.Context, userID int) ([]types.Task, error) {
	return s.List(ctx, types.TaskFilter{AssignedBy: userID})
}

func canManage(actor session.Identity, task types.Task) bool {
	return actor.IsAdmin() || task.AssignedBy == actor.UserID
}

// Update edits a task. Only admins and the task's creator may edit it. A
// new assignee is notified.
func (s *TaskService) Update(ctx context.Context, actor session.Identity, id int, in TaskInput) (types.Task, error) {
	if err := s.prepare(&in); err != nil {
		return types.Task{}, err
	}
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return types.Task{}, storeError("load task", err)
	}
	if !canManage(actor, task) {
		return types.Task{}, ErrForbidden
	}

	previousAssignee := task.AssignedTo
	var assignee types.User
	if strings.TrimSpace(in.AssigneeUID) == "" {
		assignee, err = s.users.GetByID(ctx, task.AssignedTo)
		if err != nil {
			return types.Task{}, storeError("load assignee", err)
		}
	} else {
		assignee, err = s.resolveAssignee(ctx, actor, in.AssigneeUID)
		if err != nil {
			return types.Task{}, err
		}
	}

	task.Title = in.Title
	task.Description = in.Description
	task.AssignedTo = assignee.ID
	task.Deadline = in.Deadline
	task.Priority = in.Priority
	task.Status = in.Status
	task.AssigneeName = assignee.Name

	task, err = s.tasks.Update(ctx, task)
	if err != nil {
		return types.Task{}, storeError("update task", err)
	}

	logger.From(ctx).Info("task updated", logger.TaskID(task.ID), logger.Actor(actor.Username))
	if assignee.ID != previousAssignee && assignee.ID != actor.UserID {
		s.notifier.TaskAssigned(ctx, assignee, task, actor.Name)
	}
	return task, nil
}

// Delete removes a task. Only admins and the task's creator may delete it.
func (s *TaskService) Delete(ctx context.Context, actor session.Identity, id int) error {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return storeError("load task", err)
	}
	if !canManage(actor, task) {
		return ErrForbidden
	}
	if err := s.tasks.Delete(ctx, id); err != nil {
		return storeError("delete task", err)
	}
	logger.From(ctx).Info("task deleted", logger.TaskID(id), logger.Actor(actor.Username))
	return nil
}

// UpdateStatus moves a task assigned to actingUserID to status and notifies
// the user who assigned it. Tasks assigned to anyone else report
// ErrNotFound.
func (s *TaskService) UpdateStatus(ctx context.Context, taskID int, status string, actingUserID int) error {
	if !types.ValidTaskStatus(status) {
		return &ValidationError{Field: "status", Message: "status must be one of: pending in_progress completed"}
	}
	if err := s.tasks.UpdateStatusForAssignee(ctx, taskID, actingUserID, status); err != nil {
		return storeError("update task status", err)
	}

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		logger.From(ctx).Warn("task reload after status change failed", logger.TaskID(taskID), logger.Err(err))
		return nil
	}
	logger.From(ctx).Info("task status changed", logger.TaskID(taskID), zap.String("status", status))

	if task.AssignedBy == 0 || task.AssignedBy == actingUserID {
		return nil
	}
	assigner, err := s.users.GetByID(ctx, task.AssignedBy)
	if err != nil {
		logger.From(ctx).Warn("task assigner lookup failed", logger.TaskID(taskID), logger.Err(err))
		return nil
	}
	s.notifier.TaskStatusChanged(ctx, assigner, task, task.AssigneeName)
	return nil
}

// ToggleFavorite flips the assignee's favorite flag and returns the new
// value.
func (s *TaskService) ToggleFavorite(ctx context.Context, actor session.Identity, id int) (bool, error) {
	fav, err := s.tasks.ToggleFavorite(ctx, id, actor.UserID)
	if err != nil {
		return false, storeError("toggle favorite", err)
	}
	return fav, nil
}

// Stats counts tasks by status, scoped to one assignee when userID is set.
// Overdue tasks are also counted under their status.
func (s *TaskService) Stats(ctx context.Context, userID *int) (types.TaskStats, error) {
	stats, err := s.tasks.Stats(ctx, userID, s.now())
	if err != nil {
		return types.TaskStats{}, storeError("task stats", err)
	}
	return stats, nil
}

// SendDeadlineReminders notifies assignees of incomplete tasks due within
// the lookahead. It returns the number of reminders sent.
func (s *TaskService) SendDeadlineReminders(ctx context.Context, within time.Duration) (int, error) {
	now := s.now()
	tasks, err := s.tasks.DueBetween(ctx, now, now.Add(within))
	if err != nil {
		return 0, storeError("load due tasks", err)
	}

	assignees := make(map[int]types.User)
	sent := 0
	for _, task := range tasks {
		assignee, ok := assignees[task.AssignedTo]
		if !ok {
			assignee, err = s.users.GetByID(ctx, task.AssignedTo)
			if err != nil {
				logger.From(ctx).Warn("reminder assignee lookup failed", logger.TaskID(task.ID), logger.Err(err))
				continue
			}
			assignees[task.AssignedTo] = assignee
		}
		s.notifier.DeadlineReminder(ctx, assignee, task)
		sent++
	}
	logger.From(ctx).Info("deadline reminders sent", zap.Int("count", sent), zap.Duration("within", within))
	return sent, nil
}
