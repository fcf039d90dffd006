package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/taskdesk/server/internal/logger"
	"github.com/taskdesk/server/internal/services"
	"github.com/taskdesk/server/internal/session"
	"github.com/taskdesk/server/types"
)

const genericErrorMessage = "Something went wrong. Please try again later."

// AuthService is the registration and login workflow used by AuthHandler.
type AuthService interface {
	Register(ctx context.Context, in services.RegisterInput) (types.User, error)
	RegisterAdmin(ctx context.Context, in services.AdminRegisterInput) (types.User, error)
	Login(ctx context.Context, in services.LoginInput) (session.Identity, error)
	VerifyEmail(ctx context.Context, token string) error
	ResendVerification(ctx context.Context, email string) error
	RequestPasswordReset(ctx context.Context, email string) (string, error)
	CheckResetToken(ctx context.Context, token string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
}

// UserService is the account management used by the admin dashboard.
type UserService interface {
	List(ctx context.Context, actor session.Identity) ([]types.User, error)
	CreateUser(ctx context.Context, actor session.Identity, in services.CreateUserInput) (types.User, error)
	UpdateUser(ctx context.Context, actor session.Identity, in services.UpdateUserInput) (types.User, error)
	DeleteUser(ctx context.Context, actor session.Identity, uid string) error
	ResetAttempts(ctx context.Context, actor session.Identity, uid string) error
}

// TaskService is the task workflow used by both dashboards.
type TaskService interface {
	Create(ctx context.Context, actor session.Identity, in services.TaskInput) (types.Task, error)
	List(ctx context.Context, filter types.TaskFilter) ([]types.Task, error)
	ListAssignedTo(ctx context.Context, userID int) ([]types.Task, error)
	ListCreatedBy(ctx context.Context, userID int) ([]types.Task, error)
	Update(ctx context.Context, actor session.Identity, id int, in services.TaskInput) (types.Task, error)
	Delete(ctx context.Context, actor session.Identity, id int) error
	UpdateStatus(ctx context.Context, taskID int, status string, actingUserID int) error
	ToggleFavorite(ctx context.Context, actor session.Identity, id int) (bool, error)
	Stats(ctx context.Context, userID *int) (types.TaskStats, error)
}

// KeyService is the admin key lifecycle used by the admin dashboard.
type KeyService interface {
	CreateKey(ctx context.Context, creator string, opts services.CreateKeyOptions) (services.CreatedKey, error)
	RevokeKey(ctx context.Context, id int, actor string) error
	ListActiveKeys(ctx context.Context) ([]types.AdminKey, error)
}

// errorResponse maps a workflow error to a status and a message safe to
// show. Unexpected errors are logged and replaced by a generic message.
func errorResponse(ctx context.Context, err error) (int, string) {
	var (
		verr *services.ValidationError
		derr *services.DuplicateError
		aerr *services.AuthError
		kerr *services.KeyValidationError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Message
	case errors.As(err, &derr):
		return http.StatusConflict, capitalize(derr.Error()) + "."
	case errors.As(err, &aerr):
		return http.StatusUnauthorized, capitalize(aerr.Error()) + "."
	case errors.As(err, &kerr):
		if kerr.Kind == services.KeyRateLimited {
			return http.StatusTooManyRequests, capitalize(kerr.Error()) + "."
		}
		return http.StatusForbidden, capitalize(kerr.Error()) + "."
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden, "You do not have permission to do that."
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, "The requested item was not found."
	case errors.Is(err, services.ErrUserHasTasks):
		return http.StatusConflict, "This user still has assigned tasks. Reassign or delete them first."
	case errors.Is(err, services.ErrInvalidToken):
		return http.StatusBadRequest, "This link is invalid or has expired."
	default:
		logger.From(ctx).Error("request failed", logger.Err(err))
		return http.StatusInternalServerError, genericErrorMessage
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// formValues copies the named fields of a parsed form for re-rendering.
// Secrets are never echoed back.
func formValues(r *http.Request, names ...string) map[string]string {
	values := make(map[string]string, len(names))
	for _, name := range names {
		values[name] = r.PostFormValue(name)
	}
	return values
}

var deadlineLayouts = []string{inputTimeLayout, "2006-01-02T15:04:05", displayTimeLayout, "2006-01-02"}

// parseFormTime accepts the value of a datetime-local input in the server's
// local time zone.
func parseFormTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range deadlineLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseTaskForm(r *http.Request) (services.TaskInput, error) {
	in := services.TaskInput{
		Title:       r.PostFormValue("title"),
		Description: r.PostFormValue("description"),
		AssigneeUID: r.PostFormValue("assigned_to"),
		Priority:    r.PostFormValue("priority"),
		Status:      r.PostFormValue("status"),
	}
	if raw := strings.TrimSpace(r.PostFormValue("deadline")); raw != "" {
		deadline, ok := parseFormTime(raw)
		if !ok {
			return in, &services.ValidationError{Field: "deadline", Message: "deadline is not a valid date"}
		}
		in.Deadline = deadline
	}
	return in, nil
}

func parseID(r *http.Request, field string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(r.PostFormValue(field)))
	if err != nil || id < 1 {
		return 0, &services.ValidationError{Field: field, Message: "invalid " + strings.ReplaceAll(field, "_", " ")}
	}
	return id, nil
}

// clientIP returns the address TrustedRealIP resolved, without the port.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func identity(r *http.Request) session.Identity {
	id, _ := session.IdentityFrom(r.Context())
	return id
}

// Healthz reports liveness.
func Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
