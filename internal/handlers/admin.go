package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/taskdesk/server/internal/services"
	"github.com/taskdesk/server/internal/session"
	"github.com/taskdesk/server/types"
)

type adminView struct {
	Users []types.User
	Tasks []types.Task
	Keys  []types.AdminKey
	Stats types.TaskStats
	Blank types.Task
	Now   time.Time

	// NewKey is set only on the response that created the key.
	NewKey *services.CreatedKey
}

// AdminHandler serves the administrator dashboard and its form actions.
type AdminHandler struct {
	users UserService
	tasks TaskService
	keys  KeyService
	pages *Pages
	now   func() time.Time
}

func NewAdminHandler(users UserService, tasks TaskService, keys KeyService, pages *Pages) *AdminHandler {
	return &AdminHandler{users: users, tasks: tasks, keys: keys, pages: pages, now: time.Now}
}

// AdminRouter registers the admin dashboard. Callers mount it behind
// RequireAdmin.
func AdminRouter(r chi.Router, h *AdminHandler) {
	r.Get("/", h.Dashboard)
	r.Post("/", h.Action)
}

func (h *AdminHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	h.show(w, r, nil, nil)
}

// show renders the dashboard. A non-nil notice replaces the pending flash.
func (h *AdminHandler) show(w http.ResponseWriter, r *http.Request, notice *flash, newKey *services.CreatedKey) {
	ctx := r.Context()
	actor := identity(r)

	users, err := h.users.List(ctx, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	tasks, err := h.tasks.List(ctx, types.TaskFilter{})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	keys, err := h.keys.ListActiveKeys(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	stats, err := h.tasks.Stats(ctx, nil)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.pages.render(w, r, http.StatusOK, "admin", pageData{
		Title: "Administration",
		Flash: notice,
		Data: adminView{
			Users:  users,
			Tasks:  tasks,
			Keys:   keys,
			Stats:  stats,
			Blank:  types.Task{Priority: types.PriorityMedium, Status: types.TaskStatusPending},
			Now:    h.now(),
			NewKey: newKey,
		},
	})
}

func (h *AdminHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorResponse(r.Context(), err)
	h.pages.renderError(w, r, status, msg)
}

// Action dispatches on the form's action field and redirects back to the
// dashboard with the outcome.
func (h *AdminHandler) Action(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		redirectWithFlash(w, r, "/admin", "error", "Invalid form submission.")
		return
	}
	actor := identity(r)

	var (
		msg string
		err error
	)
	switch action := r.PostFormValue("action"); action {
	case "create_user":
		msg, err = h.createUser(r, actor)
	case "update_user":
		msg, err = h.updateUser(r, actor)
	case "delete_user":
		err = h.users.DeleteUser(r.Context(), actor, r.PostFormValue("user_uid"))
		msg = "User deleted."
	case "reset_attempts":
		err = h.users.ResetAttempts(r.Context(), actor, r.PostFormValue("user_uid"))
		msg = "Login attempts reset."
	case "create_task":
		msg, err = createTask(r, h.tasks, actor)
	case "edit_task":
		msg, err = editTask(r, h.tasks, actor)
	case "delete_task":
		msg, err = deleteTask(r, h.tasks, actor)
	case "create_key":
		var created services.CreatedKey
		if created, err = h.createKey(r, actor); err == nil {
			// The secret is shown once, in this response only.
			w.Header().Set("Cache-Control", "no-store")
			h.show(w, r, &flash{Kind: "success", Message: "Admin key created."}, &created)
			return
		}
	case "revoke_key":
		msg, err = h.revokeKey(r, actor)
	default:
		err = &services.ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", action)}
	}

	if err != nil {
		_, text := errorResponse(r.Context(), err)
		redirectWithFlash(w, r, "/admin", "error", text)
		return
	}
	redirectWithFlash(w, r, "/admin", "success", msg)
}

func (h *AdminHandler) createUser(r *http.Request, actor session.Identity) (string, error) {
	user, err := h.users.CreateUser(r.Context(), actor, services.CreateUserInput{
		Username:   r.PostFormValue("username"),
		Email:      r.PostFormValue("email"),
		Password:   r.PostFormValue("password"),
		Name:       r.PostFormValue("name"),
		Role:       r.PostFormValue("role"),
		Phone:      r.PostFormValue("phone"),
		Department: r.PostFormValue("department"),
		JobTitle:   r.PostFormValue("job_title"),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("User %s created.", user.Username), nil
}

func (h *AdminHandler) updateUser(r *http.Request, actor session.Identity) (string, error) {
	user, err := h.users.UpdateUser(r.Context(), actor, services.UpdateUserInput{
		UID:        r.PostFormValue("user_uid"),
		Username:   r.PostFormValue("username"),
		Email:      r.PostFormValue("email"),
		Name:       r.PostFormValue("name"),
		Role:       r.PostFormValue("role"),
		Status:     r.PostFormValue("status"),
		Phone:      r.PostFormValue("phone"),
		Department: r.PostFormValue("department"),
		JobTitle:   r.PostFormValue("job_title"),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("User %s updated.", user.Username), nil
}

func (h *AdminHandler) createKey(r *http.Request, actor session.Identity) (services.CreatedKey, error) {
	opts := services.CreateKeyOptions{
		Department:  r.PostFormValue("department"),
		EmailDomain: r.PostFormValue("email_domain"),
		Notes:       strings.TrimSpace(r.PostFormValue("notes")),
	}
	if raw := strings.TrimSpace(r.PostFormValue("max_uses")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return services.CreatedKey{}, &services.ValidationError{Field: "max_uses", Message: "max uses must be a number"}
		}
		opts.MaxUses = &n
	}
	if raw := strings.TrimSpace(r.PostFormValue("expires_at")); raw != "" {
		expires, ok := parseFormTime(raw)
		if !ok {
			return services.CreatedKey{}, &services.ValidationError{Field: "expires_at", Message: "expiry is not a valid date"}
		}
		opts.ExpiresAt = &expires
	}
	opts.Permissions = splitPermissions(r.PostForm["permissions"])

	return h.keys.CreateKey(r.Context(), actor.Username, opts)
}

// splitPermissions accepts repeated fields and comma separated lists.
func splitPermissions(values []string) []string {
	var out []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (h *AdminHandler) revokeKey(r *http.Request, actor session.Identity) (string, error) {
	id, err := parseID(r, "key_id")
	if err != nil {
		return "", err
	}
	if err := h.keys.RevokeKey(r.Context(), id, actor.Username); err != nil {
		return "", err
	}
	return "Admin key revoked.", nil
}

func createTask(r *http.Request, tasks TaskService, actor session.Identity) (string, error) {
	in, err := parseTaskForm(r)
	if err != nil {
		return "", err
	}
	task, err := tasks.Create(r.Context(), actor, in)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Task %q created.", task.Title), nil
}

func editTask(r *http.Request, tasks TaskService, actor session.Identity) (string, error) {
	id, err := parseID(r, "task_id")
	if err != nil {
		return "", err
	}
	in, err := parseTaskForm(r)
	if err != nil {
		return "", err
	}
	task, err := tasks.Update(r.Context(), actor, id, in)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Task %q updated.", task.Title), nil
}

func deleteTask(r *http.Request, tasks TaskService, actor session.Identity) (string, error) {
	id, err := parseID(r, "task_id")
	if err != nil {
		return "", err
	}
	if err := tasks.Delete(r.Context(), actor, id); err != nil {
		return "", err
	}
	return "Task deleted.", nil
}
