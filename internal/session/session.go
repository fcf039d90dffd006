// Package session persists the authenticated identity between requests.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/taskdesk/server/config"
)

// ErrNoSession is returned when a token is missing, unknown or expired.
var ErrNoSession = errors.New("no session")

// Identity is the authenticated principal carried through a request.
type Identity struct {
	UserUID     string    `json:"uid"`
	UserID      int       `json:"user_id"`
	Username    string    `json:"username"`
	Name        string    `json:"name"`
	Role        string    `json:"role"`
	Permissions []string  `json:"permissions,omitempty"`
	LoginAt     time.Time `json:"login_at"`
}

// IsAdmin reports whether the identity holds the admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == "admin"
}

// HasPermission reports whether p was granted through an admin key.
func (i Identity) HasPermission(p string) bool {
	for _, granted := range i.Permissions {
		if granted == p {
			return true
		}
	}
	return false
}

// Store creates, resolves and destroys session tokens.
type Store interface {
	Create(ctx context.Context, id Identity) (string, error)
	Get(ctx context.Context, token string) (Identity, error)
	Destroy(ctx context.Context, token string) error
}

// Open builds the store selected by cfg.Session.Backend. The returned close
// func releases any connection held by the store.
func Open(ctx context.Context, cfg config.Config) (Store, func() error, error) {
	switch cfg.Session.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return NewRedisStore(rdb, cfg.Session.Timeout), rdb.Close, nil
	case "jwt", "":
		if cfg.Session.Secret == "" {
			return nil, nil, errors.New("SESSION_SECRET is required for jwt sessions")
		}
		return NewJWTStore(cfg.Session.Secret, cfg.Session.Timeout), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session backend %q", cfg.Session.Backend)
	}
}

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFrom returns the identity stored in ctx, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
