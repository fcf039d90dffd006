package notify

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	"github.com/taskdesk/server/internal/logger"
	"github.com/taskdesk/server/types"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

var templateFiles = map[string]string{
	KindTaskAssigned:     "templates/task_assigned.html",
	KindTaskStatus:       "templates/task_status.html",
	KindDeadlineReminder: "templates/deadline_reminder.html",
	KindVerification:     "templates/verification.html",
	KindPasswordReset:    "templates/password_reset.html",
}

var statusLabels = map[string]string{
	types.TaskStatusPending:    "Pending",
	types.TaskStatusInProgress: "In progress",
	types.TaskStatusCompleted:  "Completed",
}

type emailData struct {
	Subject string
	Name    string
	Actor   string
	Task    types.Task
	Status  string
	Link    string
	Expires string
}

// Notifier renders notification emails and hands them to a Sender.
type Notifier struct {
	sender    Sender
	baseURL   string
	templates map[string]*template.Template
}

// NewNotifier parses the embedded templates. baseURL prefixes every link.
func NewNotifier(sender Sender, baseURL string) (*Notifier, error) {
	templates := make(map[string]*template.Template, len(templateFiles))
	for kind, file := range templateFiles {
		tmpl, err := template.ParseFS(templateFS, "templates/layout.html", file)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		templates[kind] = tmpl
	}
	return &Notifier{
		sender:    sender,
		baseURL:   strings.TrimRight(baseURL, "/"),
		templates: templates,
	}, nil
}

func (n *Notifier) link(path string, query url.Values) string {
	u := n.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// TaskAssigned tells the assignee about a new task.
func (n *Notifier) TaskAssigned(ctx context.Context, assignee types.User, task types.Task, assignedBy string) {
	n.dispatch(ctx, KindTaskAssigned, assignee.Email, emailData{
		Subject: "New task assigned: " + task.Title,
		Name:    assignee.Name,
		Actor:   assignedBy,
		Task:    task,
		Link:    n.link("/dashboard", nil),
	})
}

// TaskStatusChanged tells the assigner that the assignee moved a task.
func (n *Notifier) TaskStatusChanged(ctx context.Context, assigner types.User, task types.Task, changedBy string) {
	n.dispatch(ctx, KindTaskStatus, assigner.Email, emailData{
		Subject: "Task status updated: " + task.Title,
		Name:    assigner.Name,
		Actor:   changedBy,
		Task:    task,
		Status:  statusLabel(task.Status),
		Link:    n.link("/admin", nil),
	})
}

func (n *Notifier) DeadlineReminder(ctx context.Context, assignee types.User, task types.Task) {
	n.dispatch(ctx, KindDeadlineReminder, assignee.Email, emailData{
		Subject: "Task due soon: " + task.Title,
		Name:    assignee.Name,
		Task:    task,
		Status:  statusLabel(task.Status),
		Link:    n.link("/dashboard", nil),
	})
}

func (n *Notifier) Verification(ctx context.Context, user types.User, token string) {
	n.dispatch(ctx, KindVerification, user.Email, emailData{
		Subject: "Verify your TaskDesk account",
		Name:    user.Name,
		Link:    n.link("/verify-email", url.Values{"token": {token}}),
	})
}

func (n *Notifier) PasswordReset(ctx context.Context, user types.User, token string, ttl time.Duration) {
	n.dispatch(ctx, KindPasswordReset, user.Email, emailData{
		Subject: "Reset your TaskDesk password",
		Name:    user.Name,
		Link:    n.link("/reset-password", url.Values{"token": {token}}),
		Expires: ttl.String(),
	})
}

func (n *Notifier) dispatch(ctx context.Context, kind, to string, data emailData) {
	log := logger.From(ctx).With(logger.Component("notify"), zap.String("kind", kind))

	msg, err := n.render(kind, to, data)
	if err == nil {
		err = n.sender.Send(ctx, msg)
	}
	if err != nil {
		nerr := &NotificationError{Kind: kind, Err: err}
		recordResult(kind, nerr)
		log.Error("notification not sent", logger.Err(nerr))
	}
}

func (n *Notifier) render(kind, to string, data emailData) (Message, error) {
	if to == "" {
		return Message{}, errors.New("no recipient")
	}
	var buf bytes.Buffer
	if err := n.templates[kind].ExecuteTemplate(&buf, "layout", data); err != nil {
		return Message{}, fmt.Errorf("render: %w", err)
	}
	return Message{
		Kind:    kind,
		To:      to,
		Subject: data.Subject,
		HTML:    buf.String(),
		Text:    data.Subject + "\n\n" + data.Link,
	}, nil
}

func statusLabel(status string) string {
	if label, ok := statusLabels[status]; ok {
		return label
	}
	return status
}
