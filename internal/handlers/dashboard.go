package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/taskdesk/server/internal/services"
	"github.com/taskdesk/server/types"
)

type dashboardView struct {
	Assigned []types.Task
	Created  []types.Task
	Stats    types.TaskStats
	Blank    types.Task
	Now      time.Time
}

// DashboardHandler serves the personal task dashboard.
type DashboardHandler struct {
	tasks TaskService
	pages *Pages
	now   func() time.Time
}

func NewDashboardHandler(tasks TaskService, pages *Pages) *DashboardHandler {
	return &DashboardHandler{tasks: tasks, pages: pages, now: time.Now}
}

// DashboardRouter registers the dashboard. Callers mount it behind
// RequireLogin.
func DashboardRouter(r chi.Router, h *DashboardHandler) {
	r.Get("/", h.Dashboard)
	r.Post("/", h.Action)
}

func (h *DashboardHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := identity(r)

	assigned, err := h.tasks.ListAssignedTo(ctx, actor.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	created, err := h.tasks.ListCreatedBy(ctx, actor.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	stats, err := h.tasks.Stats(ctx, &actor.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.pages.render(w, r, http.StatusOK, "dashboard", pageData{
		Title: "My tasks",
		Data: dashboardView{
			Assigned: assigned,
			Created:  created,
			Stats:    stats,
			Blank:    types.Task{Priority: types.PriorityMedium, Status: types.TaskStatusPending},
			Now:      h.now(),
		},
	})
}

func (h *DashboardHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorResponse(r.Context(), err)
	h.pages.renderError(w, r, status, msg)
}

func (h *DashboardHandler) Action(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		redirectWithFlash(w, r, "/dashboard", "error", "Invalid form submission.")
		return
	}
	actor := identity(r)

	var (
		msg string
		err error
	)
	switch action := r.PostFormValue("action"); action {
	case "update_task_status":
		var id int
		if id, err = parseID(r, "task_id"); err == nil {
			err = h.tasks.UpdateStatus(r.Context(), id, r.PostFormValue("status"), actor.UserID)
			msg = "Task status updated."
		}
	case "add_task":
		msg, err = createTask(r, h.tasks, actor)
	case "edit_task":
		msg, err = editTask(r, h.tasks, actor)
	case "delete_task":
		msg, err = deleteTask(r, h.tasks, actor)
	case "toggle_favorite":
		var id int
		if id, err = parseID(r, "task_id"); err == nil {
			var fav bool
			if fav, err = h.tasks.ToggleFavorite(r.Context(), actor, id); err == nil {
				msg = "Removed from favorites."
				if fav {
					msg = "Added to favorites."
				}
			}
		}
	default:
		err = &services.ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", action)}
	}

	if err != nil {
		_, text := errorResponse(r.Context(), err)
		redirectWithFlash(w, r, "/dashboard", "error", text)
		return
	}
	redirectWithFlash(w, r, "/dashboard", "success", msg)
}
