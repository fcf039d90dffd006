package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/taskdesk/server/config"
	"github.com/taskdesk/server/internal/session"
	"github.com/taskdesk/server/types"
	"golang.org/x/crypto/bcrypt"
)

var errFakeStorage = errors.New("storage unavailable")

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type sentNotification struct {
	kind  string
	to    types.User
	task  types.Task
	by    string
	token string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) record(s sentNotification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, s)
}

func (n *recordingNotifier) TaskAssigned(_ context.Context, assignee types.User, task types.Task, by string) {
	n.record(sentNotification{kind: "task_assigned", to: assignee, task: task, by: by})
}

func (n *recordingNotifier) TaskStatusChanged(_ context.Context, assigner types.User, task types.Task, by string) {
	n.record(sentNotification{kind: "task_status", to: assigner, task: task, by: by})
}

func (n *recordingNotifier) DeadlineReminder(_ context.Context, assignee types.User, task types.Task) {
	n.record(sentNotification{kind: "deadline_reminder", to: assignee, task: task})
}

func (n *recordingNotifier) Verification(_ context.Context, user types.User, token string) {
	n.record(sentNotification{kind: "verification", to: user, token: token})
}

func (n *recordingNotifier) PasswordReset(_ context.Context, user types.User, token string, _ time.Duration) {
	n.record(sentNotification{kind: "password_reset", to: user, token: token})
}

func (n *recordingNotifier) ofKind(kind string) []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentNotification
	for _, s := range n.sent {
		if s.kind == kind {
			out = append(out, s)
		}
	}
	return out
}

type harness struct {
	db       *memDB
	notifier *recordingNotifier
	keys     *KeyService
	auth     *AuthService
	users    *UserService
	tasks    *TaskService
	clock    time.Time
}

func testSecurity() config.SecurityConfig {
	return config.SecurityConfig{
		KeyRateLimitWindow:    time.Hour,
		KeyRateLimitThreshold: 5,
		UserLockoutThreshold:  5,
		UserLockoutDuration:   6 * time.Hour,
		AdminLockoutThreshold: 3,
		AdminLockoutDuration:  2 * time.Hour,
		ResetTokenTTL:         time.Hour,
		ReminderLookahead:     24 * time.Hour,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{db: newMemDB(), notifier: &recordingNotifier{}, clock: testNow}
	repos := h.db.repos()
	now := func() time.Time { return h.clock }

	h.keys = NewKeyService(repos.Keys, testSecurity())
	h.keys.now = now

	h.auth = NewAuthService(repos.Users, &memUnitOfWork{db: h.db}, h.keys, h.notifier, testSecurity())
	h.auth.hashCost = bcrypt.MinCost
	h.auth.now = now

	h.users = NewUserService(repos.Users, repos.Tasks)
	h.users.hashCost = bcrypt.MinCost

	h.tasks = NewTaskService(repos.Tasks, repos.Users, h.notifier)
	h.tasks.now = now
	return h
}

// seedUser stores a verified, active account with password "password123".
func (h *harness) seedUser(t *testing.T, username, role string) types.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	require.NoError(t, err)
	user, err := h.db.repos().Users.Create(context.Background(), types.User{
		UID:           username + "-uid",
		Username:      username,
		Email:         username + "@example.com",
		Name:          username + " name",
		Role:          role,
		Status:        types.UserStatusActive,
		PasswordHash:  string(hash),
		EmailVerified: true,
	})
	require.NoError(t, err)
	return user
}

func identityOf(u types.User) session.Identity {
	return session.Identity{UserUID: u.UID, UserID: u.ID, Username: u.Username, Name: u.Name, Role: u.Role}
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }
