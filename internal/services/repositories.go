package services

import (
	"context"
	"time"

	"github.com/taskdesk/server/internal/db"
	"github.com/taskdesk/server/internal/store"
	"github.com/taskdesk/server/types"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id int) (types.User, error)
	GetByUID(ctx context.Context, uid string) (types.User, error)
	GetByUsername(ctx context.Context, username string) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	GetByResetToken(ctx context.Context, token string) (types.User, error)
	List(ctx context.Context) ([]types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	Update(ctx context.Context, user types.User) (types.User, error)
	Delete(ctx context.Context, id int) error
	RecordFailedLogin(ctx context.Context, id, threshold int, lockUntil, now time.Time) (int, *time.Time, error)
	ResetLoginAttempts(ctx context.Context, id int) error
	RecordLogin(ctx context.Context, id int, at time.Time) error
	SetVerificationToken(ctx context.Context, id int, token string) error
	MarkVerified(ctx context.Context, token string) (int, error)
	SetResetToken(ctx context.Context, id int, token string, expiresAt time.Time) error
	ResetPassword(ctx context.Context, token, passwordHash string, now time.Time) (int, error)
	CreateAdminProfile(ctx context.Context, profile types.AdminProfile) error
	GetAdminProfile(ctx context.Context, userID int) (types.AdminProfile, error)
}

// TaskRepository defines persistence operations for tasks.
type TaskRepository interface {
	Get(ctx context.Context, id int) (types.Task, error)
	List(ctx context.Context, filter types.TaskFilter) ([]types.Task, error)
	DueBetween(ctx context.Context, from, to time.Time) ([]types.Task, error)
	Create(ctx context.Context, task types.Task) (types.Task, error)
	Update(ctx context.Context, task types.Task) (types.Task, error)
	Delete(ctx context.Context, id int) error
	UpdateStatusForAssignee(ctx context.Context, id, assigneeID int, status string) error
	ToggleFavorite(ctx context.Context, id, assigneeID int) (bool, error)
	CountByAssignee(ctx context.Context, userID int) (int, error)
	Stats(ctx context.Context, userID *int, now time.Time) (types.TaskStats, error)
}

// AdminKeyRepository defines persistence operations for admin keys and
// their audit logs.
type AdminKeyRepository interface {
	Create(ctx context.Context, key types.AdminKey) (types.AdminKey, error)
	GetByID(ctx context.Context, id int) (types.AdminKey, error)
	GetActiveByHash(ctx context.Context, hash string) (types.AdminKey, error)
	ListActive(ctx context.Context, now time.Time) ([]types.AdminKey, error)
	ListAll(ctx context.Context) ([]types.AdminKey, error)
	ConsumeUse(ctx context.Context, id int) (int, error)
	Deactivate(ctx context.Context, id int, actor, reason string, at time.Time) (bool, error)
	CountAttemptsSince(ctx context.Context, ip string, since time.Time) (int, error)
	LogAttempt(ctx context.Context, attempt types.AdminKeyAttempt) error
	AddHistory(ctx context.Context, entry types.AdminKeyHistory) error
	RecordRegistration(ctx context.Context, reg types.AdminRegistration) (types.AdminRegistration, error)
	Statistics(ctx context.Context, id *int) ([]types.AdminKeyStats, error)
}

// Repositories groups repositories bound to the same connection or
// transaction.
type Repositories struct {
	Users UserRepository
	Tasks TaskRepository
	Keys  AdminKeyRepository
}

// UnitOfWork runs fn with repositories bound to one transaction. The
// transaction commits when fn returns nil.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}

type txUnitOfWork struct {
	tx db.Transactor
}

// NewUnitOfWork returns a UnitOfWork backed by the store repositories.
func NewUnitOfWork(tx db.Transactor) UnitOfWork {
	return &txUnitOfWork{tx: tx}
}

// NewRepositories binds the store repositories to q.
func NewRepositories(q db.DBTX) Repositories {
	return Repositories{
		Users: store.NewUserRepository(q),
		Tasks: store.NewTaskRepository(q),
		Keys:  store.NewAdminKeyRepository(q),
	}
}

func (u *txUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error {
	return u.tx.WithTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		return fn(ctx, NewRepositories(tx))
	})
}

// Notifications is the set of emails the workflows trigger. Implementations
// must not block or report delivery failures.
type Notifications interface {
	TaskAssigned(ctx context.Context, assignee types.User, task types.Task, assignedBy string)
	TaskStatusChanged(ctx context.Context, assigner types.User, task types.Task, changedBy string)
	DeadlineReminder(ctx context.Context, assignee types.User, task types.Task)
	Verification(ctx context.Context, user types.User, token string)
	PasswordReset(ctx context.Context, user types.User, token string, ttl time.Duration)
}
