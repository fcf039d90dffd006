// Package notify renders and delivers outbound email notifications.
// Delivery is best effort: failures are logged and counted, never returned
// to the workflow that triggered them.
package notify

import (
	"context"
	"fmt"
)

// Notification kinds.
const (
	KindTaskAssigned     = "task_assigned"
	KindTaskStatus       = "task_status"
	KindDeadlineReminder = "deadline_reminder"
	KindVerification     = "verification"
	KindPasswordReset    = "password_reset"
)

// Message is a rendered email ready for delivery.
type Message struct {
	Kind    string `json:"kind"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text,omitempty"`
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// NopSender drops every message. It is used when mail is disabled.
type NopSender struct{}

func (NopSender) Send(context.Context, Message) error { return nil }

// NotificationError wraps a failure to render or deliver a notification.
type NotificationError struct {
	Kind string
	Err  error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notification %s: %v", e.Kind, e.Err)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}
