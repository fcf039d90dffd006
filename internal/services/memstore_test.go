package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taskdesk/server/internal/store"
	"github.com/taskdesk/server/types"
)

// memDB is an in-memory stand-in for the Postgres repositories. Each method
// mirrors the guarantees of the matching SQL statement.
type memDB struct {
	mu sync.Mutex

	users    map[int]types.User
	profiles map[int]types.AdminProfile
	tasks    map[int]types.Task
	keys     map[int]types.AdminKey
	attempts []types.AdminKeyAttempt
	history  []types.AdminKeyHistory
	regs     []types.AdminRegistration
	nextID   int

	failAttemptCount bool
	failLogAttempt   bool
	failRegistration bool
	failKeyLookup    bool
}

func newMemDB() *memDB {
	return &memDB{
		users:    map[int]types.User{},
		profiles: map[int]types.AdminProfile{},
		tasks:    map[int]types.Task{},
		keys:     map[int]types.AdminKey{},
	}
}

func (m *memDB) id() int {
	m.nextID++
	return m.nextID
}

func (m *memDB) repos() Repositories {
	return Repositories{Users: memUsers{m}, Tasks: memTasks{m}, Keys: memKeys{m}}
}

type memSnapshot struct {
	users    map[int]types.User
	profiles map[int]types.AdminProfile
	tasks    map[int]types.Task
	keys     map[int]types.AdminKey
	regs     []types.AdminRegistration
}

func (m *memDB) snapshot() memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := memSnapshot{
		users:    map[int]types.User{},
		profiles: map[int]types.AdminProfile{},
		tasks:    map[int]types.Task{},
		keys:     map[int]types.AdminKey{},
		regs:     append([]types.AdminRegistration(nil), m.regs...),
	}
	for k, v := range m.users {
		s.users[k] = v
	}
	for k, v := range m.profiles {
		s.profiles[k] = v
	}
	for k, v := range m.tasks {
		s.tasks[k] = v
	}
	for k, v := range m.keys {
		s.keys[k] = v
	}
	return s
}

func (m *memDB) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users, m.profiles, m.tasks, m.keys, m.regs = s.users, s.profiles, s.tasks, s.keys, s.regs
}

// memUnitOfWork serializes units and restores the tables they touched when
// fn fails. Audit logs are left alone.
type memUnitOfWork struct {
	db *memDB
	mu sync.Mutex
}

func (u *memUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	snap := u.db.snapshot()
	if err := fn(ctx, u.db.repos()); err != nil {
		u.db.restore(snap)
		return err
	}
	return nil
}

type memUsers struct{ m *memDB }

func (r memUsers) find(match func(types.User) bool) (types.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, u := range r.m.users {
		if match(u) {
			return u, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (r memUsers) GetByID(_ context.Context, id int) (types.User, error) {
	return r.find(func(u types.User) bool { return u.ID == id })
}

func (r memUsers) GetByUID(_ context.Context, uid string) (types.User, error) {
	return r.find(func(u types.User) bool { return u.UID == uid })
}

func (r memUsers) GetByUsername(_ context.Context, username string) (types.User, error) {
	return r.find(func(u types.User) bool { return u.Username == username })
}

func (r memUsers) GetByEmail(_ context.Context, email string) (types.User, error) {
	return r.find(func(u types.User) bool { return u.Email == email })
}

func (r memUsers) GetByResetToken(_ context.Context, token string) (types.User, error) {
	return r.find(func(u types.User) bool { return token != "" && u.ResetToken == token })
}

func (r memUsers) List(context.Context) ([]types.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := make([]types.User, 0, len(r.m.users))
	for _, u := range r.m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memUsers) conflict(user types.User) error {
	for _, u := range r.m.users {
		if u.ID == user.ID {
			continue
		}
		if u.Username == user.Username {
			return &store.ConflictError{Constraint: store.ConstraintUsername}
		}
		if u.Email == user.Email {
			return &store.ConflictError{Constraint: store.ConstraintEmail}
		}
	}
	return nil
}

func (r memUsers) Create(_ context.Context, user types.User) (types.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.conflict(user); err != nil {
		return types.User{}, err
	}
	user.ID = r.m.id()
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	r.m.users[user.ID] = user
	return user, nil
}

func (r memUsers) Update(_ context.Context, user types.User) (types.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.users[user.ID]; !ok {
		return types.User{}, store.ErrNotFound
	}
	if err := r.conflict(user); err != nil {
		return types.User{}, err
	}
	r.m.users[user.ID] = user
	return user, nil
}

func (r memUsers) Delete(_ context.Context, id int) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.users[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.m.users, id)
	delete(r.m.profiles, id)
	return nil
}

func (r memUsers) update(id int, fn func(*types.User)) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	u, ok := r.m.users[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(&u)
	r.m.users[id] = u
	return nil
}

func (r memUsers) RecordFailedLogin(_ context.Context, id, threshold int, lockUntil, now time.Time) (int, *time.Time, error) {
	var attempts int
	var locked *time.Time
	err := r.update(id, func(u *types.User) {
		if u.LockedUntil != nil && !u.LockedUntil.After(now) {
			u.LoginAttempts = 1
			u.LockedUntil = nil
		} else {
			u.LoginAttempts++
		}
		if u.LoginAttempts >= threshold {
			lu := lockUntil
			u.LockedUntil = &lu
		}
		attempts, locked = u.LoginAttempts, u.LockedUntil
	})
	return attempts, locked, err
}

func (r memUsers) ResetLoginAttempts(_ context.Context, id int) error {
	return r.update(id, func(u *types.User) {
		u.LoginAttempts = 0
		u.LockedUntil = nil
	})
}

func (r memUsers) RecordLogin(_ context.Context, id int, at time.Time) error {
	return r.update(id, func(u *types.User) {
		u.LoginAttempts = 0
		u.LockedUntil = nil
		u.LastLoginAt = &at
	})
}

func (r memUsers) SetVerificationToken(_ context.Context, id int, token string) error {
	return r.update(id, func(u *types.User) { u.VerificationToken = token })
}

func (r memUsers) MarkVerified(_ context.Context, token string) (int, error) {
	user, err := r.find(func(u types.User) bool { return token != "" && u.VerificationToken == token })
	if err != nil {
		return 0, err
	}
	return user.ID, r.update(user.ID, func(u *types.User) {
		u.EmailVerified = true
		u.VerificationToken = ""
	})
}

func (r memUsers) SetResetToken(_ context.Context, id int, token string, expiresAt time.Time) error {
	return r.update(id, func(u *types.User) {
		u.ResetToken = token
		u.ResetExpiresAt = &expiresAt
	})
}

func (r memUsers) ResetPassword(_ context.Context, token, hash string, now time.Time) (int, error) {
	user, err := r.find(func(u types.User) bool {
		return token != "" && u.ResetToken == token && u.ResetExpiresAt != nil && u.ResetExpiresAt.After(now)
	})
	if err != nil {
		return 0, err
	}
	return user.ID, r.update(user.ID, func(u *types.User) {
		u.PasswordHash = hash
		u.ResetToken = ""
		u.ResetExpiresAt = nil
		u.LoginAttempts = 0
		u.LockedUntil = nil
	})
}

func (r memUsers) CreateAdminProfile(_ context.Context, p types.AdminProfile) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.profiles[p.UserID] = p
	return nil
}

func (r memUsers) GetAdminProfile(_ context.Context, userID int) (types.AdminProfile, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.profiles[userID]
	if !ok {
		return types.AdminProfile{}, store.ErrNotFound
	}
	return p, nil
}

type memTasks struct{ m *memDB }

func (r memTasks) Get(_ context.Context, id int) (types.Task, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t, ok := r.m.tasks[id]
	if !ok {
		return types.Task{}, store.ErrNotFound
	}
	t.AssigneeName = r.m.users[t.AssignedTo].Name
	t.AssignerName = r.m.users[t.AssignedBy].Name
	return t, nil
}

func (r memTasks) filter(match func(types.Task) bool) []types.Task {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []types.Task
	for _, t := range r.m.tasks {
		if match(t) {
			t.AssigneeName = r.m.users[t.AssignedTo].Name
			t.AssignerName = r.m.users[t.AssignedBy].Name
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out
}

func (r memTasks) List(_ context.Context, f types.TaskFilter) ([]types.Task, error) {
	return r.filter(func(t types.Task) bool {
		return (f.AssignedTo == 0 || t.AssignedTo == f.AssignedTo) &&
			(f.AssignedBy == 0 || t.AssignedBy == f.AssignedBy) &&
			(f.Status == "" || t.Status == f.Status)
	}), nil
}

func (r memTasks) DueBetween(_ context.Context, from, to time.Time) ([]types.Task, error) {
	return r.filter(func(t types.Task) bool {
		return t.Status != types.TaskStatusCompleted && !t.Deadline.Before(from) && t.Deadline.Before(to)
	}), nil
}

func (r memTasks) Create(_ context.Context, t types.Task) (types.Task, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t.ID = r.m.id()
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	r.m.tasks[t.ID] = t
	return t, nil
}

func (r memTasks) Update(_ context.Context, t types.Task) (types.Task, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.tasks[t.ID]; !ok {
		return types.Task{}, store.ErrNotFound
	}
	r.m.tasks[t.ID] = t
	return t, nil
}

func (r memTasks) Delete(_ context.Context, id int) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.tasks[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.m.tasks, id)
	return nil
}

func (r memTasks) UpdateStatusForAssignee(_ context.Context, id, assigneeID int, status string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t, ok := r.m.tasks[id]
	if !ok || t.AssignedTo != assigneeID {
		return store.ErrNotFound
	}
	t.Status = status
	r.m.tasks[id] = t
	return nil
}

func (r memTasks) ToggleFavorite(_ context.Context, id, assigneeID int) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t, ok := r.m.tasks[id]
	if !ok || t.AssignedTo != assigneeID {
		return false, store.ErrNotFound
	}
	t.IsFavorite = !t.IsFavorite
	r.m.tasks[id] = t
	return t.IsFavorite, nil
}

func (r memTasks) CountByAssignee(_ context.Context, userID int) (int, error) {
	return len(r.filter(func(t types.Task) bool { return t.AssignedTo == userID })), nil
}

func (r memTasks) Stats(_ context.Context, userID *int, now time.Time) (types.TaskStats, error) {
	var s types.TaskStats
	for _, t := range r.filter(func(t types.Task) bool { return userID == nil || t.AssignedTo == *userID }) {
		s.Total++
		switch t.Status {
		case types.TaskStatusPending:
			s.Pending++
		case types.TaskStatusInProgress:
			s.InProgress++
		case types.TaskStatusCompleted:
			s.Completed++
		}
		if t.IsOverdue(now) {
			s.Overdue++
		}
	}
	return s, nil
}

type memKeys struct{ m *memDB }

func (r memKeys) Create(_ context.Context, k types.AdminKey) (types.AdminKey, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, existing := range r.m.keys {
		if existing.KeyHash == k.KeyHash {
			return types.AdminKey{}, &store.ConflictError{Constraint: "admin_keys_key_hash_key"}
		}
	}
	k.ID = r.m.id()
	k.IsActive = true
	k.UsageCount = 0
	r.m.keys[k.ID] = k
	return k, nil
}

func (r memKeys) GetByID(_ context.Context, id int) (types.AdminKey, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	k, ok := r.m.keys[id]
	if !ok {
		return types.AdminKey{}, store.ErrNotFound
	}
	return k, nil
}

func (r memKeys) GetActiveByHash(_ context.Context, hash string) (types.AdminKey, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failKeyLookup {
		return types.AdminKey{}, errFakeStorage
	}
	for _, k := range r.m.keys {
		if k.KeyHash == hash && k.IsActive {
			return k, nil
		}
	}
	return types.AdminKey{}, store.ErrNotFound
}

func (r memKeys) ListActive(_ context.Context, now time.Time) ([]types.AdminKey, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []types.AdminKey
	for _, k := range r.m.keys {
		if k.IsActive && !k.IsExpired(now) && !k.IsExhausted() {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memKeys) ListAll(context.Context) ([]types.AdminKey, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []types.AdminKey
	for _, k := range r.m.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memKeys) ConsumeUse(_ context.Context, id int) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	k, ok := r.m.keys[id]
	if !ok || !k.IsActive || k.IsExhausted() {
		return 0, store.ErrNotFound
	}
	k.UsageCount++
	r.m.keys[id] = k
	return k.UsageCount, nil
}

func (r memKeys) Deactivate(_ context.Context, id int, actor, reason string, at time.Time) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	k, ok := r.m.keys[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if !k.IsActive {
		return false, nil
	}
	k.IsActive = false
	k.DisabledBy = actor
	k.DisabledReason = reason
	k.DisabledAt = &at
	r.m.keys[id] = k
	return true, nil
}

func (r memKeys) CountAttemptsSince(_ context.Context, ip string, since time.Time) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failAttemptCount {
		return 0, errFakeStorage
	}
	n := 0
	for _, a := range r.m.attempts {
		if a.IPAddress == ip && !a.AttemptedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r memKeys) LogAttempt(_ context.Context, a types.AdminKeyAttempt) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failLogAttempt {
		return errFakeStorage
	}
	a.ID = int64(len(r.m.attempts) + 1)
	r.m.attempts = append(r.m.attempts, a)
	return nil
}

func (r memKeys) AddHistory(_ context.Context, h types.AdminKeyHistory) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	h.ID = int64(len(r.m.history) + 1)
	r.m.history = append(r.m.history, h)
	return nil
}

func (r memKeys) RecordRegistration(_ context.Context, reg types.AdminRegistration) (types.AdminRegistration, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failRegistration {
		return types.AdminRegistration{}, errFakeStorage
	}
	reg.ID = len(r.m.regs) + 1
	r.m.regs = append(r.m.regs, reg)
	return reg, nil
}

func (r memKeys) Statistics(_ context.Context, id *int) ([]types.AdminKeyStats, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []types.AdminKeyStats
	for _, k := range r.m.keys {
		if id != nil && k.ID != *id {
			continue
		}
		s := types.AdminKeyStats{
			KeyID:      k.ID,
			KeyPrefix:  k.KeyPrefix,
			CreatedBy:  k.CreatedBy,
			IsActive:   k.IsActive,
			UsageCount: k.UsageCount,
			MaxUses:    k.MaxUses,
		}
		for _, a := range r.m.attempts {
			if a.AdminKeyID == nil || *a.AdminKeyID != k.ID {
				continue
			}
			s.TotalAttempts++
			if a.Success {
				s.SuccessfulAttempts++
			} else {
				s.FailedAttempts++
			}
		}
		for _, reg := range r.m.regs {
			if reg.AdminKeyID == k.ID {
				s.Registrations++
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out, nil
}

func (m *memDB) attemptsFor(ip string) []types.AdminKeyAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.AdminKeyAttempt
	for _, a := range m.attempts {
		if a.IPAddress == ip {
			out = append(out, a)
		}
	}
	return out
}

func (m *memDB) key(id int) types.AdminKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[id]
}

func (m *memDB) historyFor(id int, action string) []types.AdminKeyHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.AdminKeyHistory
	for _, h := range m.history {
		if h.AdminKeyID == id && h.Action == action {
			out = append(out, h)
		}
	}
	return out
}
