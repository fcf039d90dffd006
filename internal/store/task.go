package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskdesk/server/internal/db"
	"github.com/taskdesk/server/types"
)

const taskColumns = `t.id, t.title, t.description, t.assigned_to, COALESCE(t.assigned_by, 0),
	t.deadline, t.priority, t.status, t.is_favorite, t.created_at, t.updated_at,
	COALESCE(a.name, ''), COALESCE(b.name, '')`

const taskFrom = `
	FROM tasks t
	LEFT JOIN users a ON a.id = t.assigned_to
	LEFT JOIN users b ON b.id = t.assigned_by`

// TaskRepository handles persistence for tasks.
type TaskRepository struct {
	db db.DBTX
}

func NewTaskRepository(q db.DBTX) *TaskRepository {
	return &TaskRepository{db: q}
}

func scanTask(row rowScanner) (types.Task, error) {
	var task types.Task
	err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&task.AssignedTo,
		&task.AssignedBy,
		&task.Deadline,
		&task.Priority,
		&task.Status,
		&task.IsFavorite,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.AssigneeName,
		&task.AssignerName,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Task{}, ErrNotFound
		}
		return types.Task{}, err
	}
	return task, nil
}

func (r *TaskRepository) Get(ctx context.Context, id int) (types.Task, error) {
	query := `SELECT ` + taskColumns + taskFrom + ` WHERE t.id = $1`
	return scanTask(r.db.QueryRowContext(ctx, query, id))
}

// List returns tasks matching filter, soonest deadline first.
func (r *TaskRepository) List(ctx context.Context, filter types.TaskFilter) ([]types.Task, error) {
	var (
		conds []string
		args  []any
	)
	if filter.AssignedTo != 0 {
		args = append(args, filter.AssignedTo)
		conds = append(conds, fmt.Sprintf("t.assigned_to = $%d", len(args)))
	}
	if filter.AssignedBy != 0 {
		args = append(args, filter.AssignedBy)
		conds = append(conds, fmt.Sprintf("t.assigned_by = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("t.status = $%d", len(args)))
	}

	query := `SELECT ` + taskColumns + taskFrom
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY t.deadline ASC, t.id ASC`

	return r.queryTasks(ctx, query, args...)
}

// DueBetween returns incomplete tasks whose deadline falls in [from, to).
func (r *TaskRepository) DueBetween(ctx context.Context, from, to time.Time) ([]types.Task, error) {
	query := `SELECT ` + taskColumns + taskFrom + `
		WHERE t.status <> 'completed' AND t.deadline >= $1 AND t.deadline < $2
		ORDER BY t.deadline ASC`
	return r.queryTasks(ctx, query, from, to)
}

func (r *TaskRepository) queryTasks(ctx context.Context, query string, args ...any) ([]types.Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *TaskRepository) Create(ctx context.Context, task types.Task) (types.Task, error) {
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	const query = `
		INSERT INTO tasks (title, description, assigned_to, assigned_by, deadline, priority, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		task.Title,
		task.Description,
		task.AssignedTo,
		nullInt(task.AssignedBy),
		task.Deadline,
		task.Priority,
		task.Status,
		task.CreatedAt,
		task.UpdatedAt,
	).Scan(&task.ID); err != nil {
		return types.Task{}, err
	}
	return task, nil
}

func (r *TaskRepository) Update(ctx context.Context, task types.Task) (types.Task, error) {
	task.UpdatedAt = time.Now()

	const query = `
		UPDATE tasks
		SET title = $1,
			description = $2,
			assigned_to = $3,
			deadline = $4,
			priority = $5,
			status = $6,
			updated_at = $7
		WHERE id = $8`
	result, err := r.db.ExecContext(
		ctx,
		query,
		task.Title,
		task.Description,
		task.AssignedTo,
		task.Deadline,
		task.Priority,
		task.Status,
		task.UpdatedAt,
		task.ID,
	)
	if err != nil {
		return types.Task{}, err
	}
	if err := expectAffected(result); err != nil {
		return types.Task{}, err
	}
	return task, nil
}

func (r *TaskRepository) Delete(ctx context.Context, id int) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// UpdateStatusForAssignee changes the status only when the task is assigned
// to assigneeID. Any other task reports ErrNotFound.
func (r *TaskRepository) UpdateStatusForAssignee(ctx context.Context, id, assigneeID int, status string) error {
	const query = `
		UPDATE tasks
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND assigned_to = $3`
	result, err := r.db.ExecContext(ctx, query, status, id, assigneeID)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// ToggleFavorite flips the favorite flag of a task assigned to assigneeID and
// returns the new value.
func (r *TaskRepository) ToggleFavorite(ctx context.Context, id, assigneeID int) (bool, error) {
	const query = `
		UPDATE tasks
		SET is_favorite = NOT is_favorite, updated_at = NOW()
		WHERE id = $1 AND assigned_to = $2
		RETURNING is_favorite`
	var favorite bool
	if err := r.db.QueryRowContext(ctx, query, id, assigneeID).Scan(&favorite); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return favorite, nil
}

func (r *TaskRepository) CountByAssignee(ctx context.Context, userID int) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE assigned_to = $1`, userID).Scan(&count)
	return count, err
}

// Stats aggregates task counts, optionally scoped to one assignee. A task
// past its deadline and not completed counts as overdue in addition to its
// status bucket.
func (r *TaskRepository) Stats(ctx context.Context, userID *int, now time.Time) (types.TaskStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'in_progress'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status <> 'completed' AND deadline < $1)
		FROM tasks`
	args := []any{now}
	if userID != nil {
		query += ` WHERE assigned_to = $2`
		args = append(args, *userID)
	}

	var stats types.TaskStats
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.InProgress,
		&stats.Completed,
		&stats.Overdue,
	)
	if err != nil {
		return types.TaskStats{}, err
	}
	return stats, nil
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}
