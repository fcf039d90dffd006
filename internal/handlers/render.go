package handlers

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/taskdesk/server/internal/logger"
	"github.com/taskdesk/server/internal/session"
	"github.com/taskdesk/server/types"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	displayTimeLayout = "2006-01-02 15:04"
	inputTimeLayout   = "2006-01-02T15:04"
)

var pageFiles = []string{
	"home",
	"login",
	"register",
	"register_admin",
	"forgot_password",
	"reset_password",
	"resend_verification",
	"admin",
	"dashboard",
	"error",
}

// sharedFiles hold the layout and partials every page may use.
var sharedFiles = []string{
	"templates/layout.html",
	"templates/register_fields.html",
	"templates/task_fields.html",
	"templates/stats.html",
}

var statusLabels = map[string]string{
	types.TaskStatusPending:    "Pending",
	types.TaskStatusInProgress: "In progress",
	types.TaskStatusCompleted:  "Completed",
}

type taskFormData struct {
	Task  types.Task
	Users []types.User
}

var templateFuncs = template.FuncMap{
	"fmtTime": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(displayTimeLayout)
	},
	"inputTime": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(inputTimeLayout)
	},
	"statusLabel": func(s string) string {
		if label, ok := statusLabels[s]; ok {
			return label
		}
		return s
	},
	"statuses": func() []string {
		return []string{types.TaskStatusPending, types.TaskStatusInProgress, types.TaskStatusCompleted}
	},
	"priorities": func() []string {
		return []string{types.PriorityLow, types.PriorityMedium, types.PriorityHigh}
	},
	"taskForm": func(task types.Task, users []types.User) taskFormData {
		return taskFormData{Task: task, Users: users}
	},
}

// pageData is the root value passed to every page template.
type pageData struct {
	Title    string
	Identity *session.Identity
	Flash    *flash
	Error    string
	Form     map[string]string
	Data     any
}

// Pages renders the embedded HTML templates.
type Pages struct {
	templates map[string]*template.Template
}

// NewPages parses every page together with the shared layout.
func NewPages() (*Pages, error) {
	templates := make(map[string]*template.Template, len(pageFiles))
	for _, name := range pageFiles {
		files := append([]string{"templates/" + name + ".html"}, sharedFiles...)
		tmpl, err := template.New(name).Funcs(templateFuncs).ParseFS(templateFS, files...)
		if err != nil {
			return nil, fmt.Errorf("parse page %s: %w", name, err)
		}
		templates[name] = tmpl
	}
	return &Pages{templates: templates}, nil
}

// render writes page name with status. The identity and any pending flash
// message are filled in from the request.
func (p *Pages) render(w http.ResponseWriter, r *http.Request, status int, name string, data pageData) {
	tmpl, ok := p.templates[name]
	if !ok {
		logger.From(r.Context()).Error("unknown page", logger.Path(name))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if id, ok := session.IdentityFrom(r.Context()); ok {
		data.Identity = &id
	}
	if data.Flash == nil {
		data.Flash = popFlash(w, r)
	}
	if data.Form == nil {
		data.Form = map[string]string{}
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		logger.From(r.Context()).Error("render page failed", logger.Path(name), logger.Err(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (p *Pages) renderError(w http.ResponseWriter, r *http.Request, status int, title string) {
	p.render(w, r, status, "error", pageData{Title: title})
}
