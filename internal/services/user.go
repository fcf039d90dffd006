package services

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/taskdesk/server/internal/logger"
	"github.com/taskdesk/server/internal/session"
	"github.com/taskdesk/server/types"
	"golang.org/x/crypto/bcrypt"
)

// CreateUserInput is the admin form for creating an account. Accounts
// created by an admin are already verified.
type CreateUserInput struct {
	Username   string `form:"username" validate:"required,min=3,max=64,username"`
	Email      string `form:"email" validate:"required,email,max=255"`
	Password   string `form:"password" validate:"required,min=8,max=72"`
	Name       string `form:"name" validate:"required,max=255"`
	Role       string `form:"role" validate:"required,oneof=user admin"`
	Phone      string `form:"phone" validate:"omitempty,max=32"`
	Department string `form:"department" validate:"omitempty,max=128"`
	JobTitle   string `form:"job_title" validate:"omitempty,max=128"`
}

// UpdateUserInput is the admin form for editing an account.
type UpdateUserInput struct {
	UID        string `form:"user_uid" validate:"required"`
	Username   string `form:"username" validate:"required,min=3,max=64,username"`
	Email      string `form:"email" validate:"required,email,max=255"`
	Name       string `form:"name" validate:"required,max=255"`
	Role       string `form:"role" validate:"required,oneof=user admin"`
	Status     string `form:"status" validate:"required,oneof=active locked inactive"`
	Phone      string `form:"phone" validate:"omitempty,max=32"`
	Department string `form:"department" validate:"omitempty,max=128"`
	JobTitle   string `form:"job_title" validate:"omitempty,max=128"`
}

// UserService implements account management for administrators.
type UserService struct {
	users    UserRepository
	tasks    TaskRepository
	validate *validator.Validate
	hashCost int
}

func NewUserService(users UserRepository, tasks TaskRepository) *UserService {
	return &UserService{
		users:    users,
		tasks:    tasks,
		validate: newValidator(),
		hashCost: bcrypt.DefaultCost,
	}
}

func requireAdmin(actor session.Identity) error {
	if !actor.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

func (s *UserService) List(ctx context.Context, actor session.Identity) ([]types.User, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, storeError("list users", err)
	}
	return users, nil
}

func (s *UserService) GetByID(ctx context.Context, id int) (types.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return types.User{}, storeError("load user", err)
	}
	return user, nil
}

func (s *UserService) GetByUID(ctx context.Context, uid string) (types.User, error) {
	user, err := s.users.GetByUID(ctx, strings.TrimSpace(uid))
	if err != nil {
		return types.User{}, storeError("load user", err)
	}
	return user, nil
}

func (s *UserService) CreateUser(ctx context.Context, actor session.Identity, in CreateUserInput) (types.User, error) {
	if err := requireAdmin(actor); err != nil {
		return types.User{}, err
	}
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if err := validateInput(s.validate, in); err != nil {
		return types.User{}, err
	}
	if err := checkAvailable(ctx, s.users, in.Username, in.Email, 0); err != nil {
		return types.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.hashCost)
	if err != nil {
		return types.User{}, err
	}

	user, err := s.users.Create(ctx, types.User{
		UID:           uuid.NewString(),
		Username:      in.Username,
		Email:         in.Email,
		Name:          in.Name,
		Role:          in.Role,
		Phone:         strings.TrimSpace(in.Phone),
		Department:    strings.TrimSpace(in.Department),
		JobTitle:      strings.TrimSpace(in.JobTitle),
		Status:        types.UserStatusActive,
		PasswordHash:  string(hash),
		EmailVerified: true,
	})
	if err != nil {
		return types.User{}, createUserError(err)
	}
	logger.From(ctx).Info("user created by admin", logger.UserID(user.UID), logger.Actor(actor.Username))
	return user, nil
}

// UpdateUser changes profile fields, role and status. Only admins may call
// it, which keeps role changes administrator-only.
func (s *UserService) UpdateUser(ctx context.Context, actor session.Identity, in UpdateUserInput) (types.User, error) {
	if err := requireAdmin(actor); err != nil {
		return types.User{}, err
	}
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if err := validateInput(s.validate, in); err != nil {
		return types.User{}, err
	}

	user, err := s.users.GetByUID(ctx, in.UID)
	if err != nil {
		return types.User{}, storeError("load user", err)
	}
	if user.ID == actor.UserID && (in.Role != user.Role || in.Status != types.UserStatusActive) {
		return types.User{}, &ValidationError{Field: "role", Message: "you cannot demote or deactivate your own account"}
	}
	if err := checkAvailable(ctx, s.users, in.Username, in.Email, user.ID); err != nil {
		return types.User{}, err
	}

	user.Username = in.Username
	user.Email = in.Email
	user.Name = in.Name
	user.Role = in.Role
	user.Status = in.Status
	user.Phone = strings.TrimSpace(in.Phone)
	user.Department = strings.TrimSpace(in.Department)
	user.JobTitle = strings.TrimSpace(in.JobTitle)

	user, err = s.users.Update(ctx, user)
	if err != nil {
		return types.User{}, createUserError(err)
	}
	logger.From(ctx).Info("user updated by admin", logger.UserID(user.UID), logger.Actor(actor.Username))
	return user, nil
}

// DeleteUser removes an account. It is refused while tasks are assigned to
// the user.
func (s *UserService) DeleteUser(ctx context.Context, actor session.Identity, uid string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	user, err := s.users.GetByUID(ctx, uid)
	if err != nil {
		return storeError("load user", err)
	}
	if user.ID == actor.UserID {
		return &ValidationError{Field: "user_uid", Message: "you cannot delete your own account"}
	}

	count, err := s.tasks.CountByAssignee(ctx, user.ID)
	if err != nil {
		return storeError("count tasks", err)
	}
	if count > 0 {
		return ErrUserHasTasks
	}

	if err := s.users.Delete(ctx, user.ID); err != nil {
		return storeError("delete user", err)
	}
	logger.From(ctx).Info("user deleted by admin", logger.UserID(user.UID), logger.Actor(actor.Username))
	return nil
}

// ResetAttempts clears the failed-login counter and any lockout window.
func (s *UserService) ResetAttempts(ctx context.Context, actor session.Identity, uid string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	user, err := s.users.GetByUID(ctx, uid)
	if err != nil {
		return storeError("load user", err)
	}
	if err := s.users.ResetLoginAttempts(ctx, user.ID); err != nil {
		return storeError("reset login attempts", err)
	}
	logger.From(ctx).Info("login attempts reset", logger.UserID(user.UID), logger.Actor(actor.Username))
	return nil
}
