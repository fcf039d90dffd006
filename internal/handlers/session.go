package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/taskdesk/server/config"
	"github.com/taskdesk/server/internal/logger"
	"github.com/taskdesk/server/internal/session"
)

// SessionManager ties the session store to the session cookie.
type SessionManager struct {
	store  session.Store
	cookie string
	secure bool
	ttl    time.Duration
}

func NewSessionManager(store session.Store, cfg config.SessionConfig) *SessionManager {
	name := cfg.CookieName
	if name == "" {
		name = "taskdesk_session"
	}
	return &SessionManager{
		store:  store,
		cookie: name,
		secure: cfg.CookieSecure,
		ttl:    cfg.Timeout,
	}
}

// Load resolves the session cookie and stores the identity in the request
// context. Stale cookies are cleared.
func (m *SessionManager) Load(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(m.cookie)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		id, err := m.store.Get(r.Context(), cookie.Value)
		if err != nil {
			if !errors.Is(err, session.ErrNoSession) {
				logger.From(r.Context()).Warn("session lookup failed", logger.Err(err))
			}
			m.clear(w)
			next.ServeHTTP(w, r)
			return
		}

		ctx := session.WithIdentity(r.Context(), id)
		ctx = logger.ToContext(ctx, logger.From(ctx).With(logger.UserID(id.UserUID)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start issues a session for id and sets the cookie.
func (m *SessionManager) Start(w http.ResponseWriter, r *http.Request, id session.Identity) error {
	token, err := m.store.Create(r.Context(), id)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// End destroys the current session and clears the cookie.
func (m *SessionManager) End(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(m.cookie); err == nil && cookie.Value != "" {
		if err := m.store.Destroy(r.Context(), cookie.Value); err != nil {
			logger.From(r.Context()).Warn("session destroy failed", logger.Err(err))
		}
	}
	m.clear(w)
}

func (m *SessionManager) clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// RequireLogin redirects anonymous requests to the login page.
func RequireLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := session.IdentityFrom(r.Context()); !ok {
			redirectWithFlash(w, r, "/login", "error", "Please log in to continue.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin allows only administrators through. Logged-in users are sent
// to their dashboard.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := session.IdentityFrom(r.Context())
		if !ok {
			redirectWithFlash(w, r, "/login", "error", "Please log in to continue.")
			return
		}
		if !id.IsAdmin() {
			redirectWithFlash(w, r, "/dashboard", "error", "Administrator access is required.")
			return
		}
		next.ServeHTTP(w, r)
	})
}
