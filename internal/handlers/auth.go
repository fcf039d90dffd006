package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/taskdesk/server/internal/logger"
	"github.com/taskdesk/server/internal/services"
	"github.com/taskdesk/server/internal/session"
)

var registerFields = []string{"username", "email", "name", "phone", "department", "job_title"}

// AuthHandler serves the public account pages: login, registration,
// verification and password reset.
type AuthHandler struct {
	auth     AuthService
	sessions *SessionManager
	pages    *Pages
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(auth AuthService, sessions *SessionManager, pages *Pages) *AuthHandler {
	return &AuthHandler{auth: auth, sessions: sessions, pages: pages}
}

// AuthRouter registers the account routes on r.
func AuthRouter(r chi.Router, h *AuthHandler) {
	r.Get("/", h.Home)
	r.Get("/login", h.LoginPage)
	r.Post("/login", h.Login)
	r.Post("/logout", h.Logout)
	r.Get("/register", h.RegisterPage)
	r.Post("/register", h.Register)
	r.Get("/register/admin", h.RegisterAdminPage)
	r.Post("/register/admin", h.RegisterAdmin)
	r.Get("/verify-email", h.VerifyEmail)
	r.Get("/resend-verification", h.ResendVerificationPage)
	r.Post("/resend-verification", h.ResendVerification)
	r.Get("/forgot-password", h.ForgotPasswordPage)
	r.Post("/forgot-password", h.ForgotPassword)
	r.Get("/reset-password", h.ResetPasswordPage)
	r.Post("/reset-password", h.ResetPassword)
}

func homeFor(id session.Identity) string {
	if id.IsAdmin() {
		return "/admin"
	}
	return "/dashboard"
}

func (h *AuthHandler) Home(w http.ResponseWriter, r *http.Request) {
	if id, ok := session.IdentityFrom(r.Context()); ok {
		http.Redirect(w, r, homeFor(id), http.StatusSeeOther)
		return
	}
	h.pages.render(w, r, http.StatusOK, "home", pageData{Title: "Welcome"})
}

func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	if id, ok := session.IdentityFrom(r.Context()); ok {
		http.Redirect(w, r, homeFor(id), http.StatusSeeOther)
		return
	}
	h.pages.render(w, r, http.StatusOK, "login", pageData{Title: "Log in"})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.pages.render(w, r, http.StatusBadRequest, "login", pageData{Title: "Log in", Error: "Invalid form submission."})
		return
	}

	id, err := h.auth.Login(r.Context(), services.LoginInput{
		Email:    r.PostFormValue("email"),
		Password: r.PostFormValue("password"),
		IP:       clientIP(r),
	})
	if err != nil {
		status, msg := errorResponse(r.Context(), err)
		h.pages.render(w, r, status, "login", pageData{
			Title: "Log in",
			Error: msg,
			Form:  formValues(r, "email"),
		})
		return
	}

	if err := h.sessions.Start(w, r, id); err != nil {
		logger.From(r.Context()).Error("session start failed", logger.Err(err))
		h.pages.render(w, r, http.StatusInternalServerError, "login", pageData{Title: "Log in", Error: genericErrorMessage})
		return
	}
	redirectWithFlash(w, r, homeFor(id), "success", "Welcome back, "+id.Name+".")
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.End(w, r)
	redirectWithFlash(w, r, "/login", "success", "You have been logged out.")
}

func (h *AuthHandler) RegisterPage(w http.ResponseWriter, r *http.Request) {
	h.pages.render(w, r, http.StatusOK, "register", pageData{Title: "Register"})
}

func readRegisterInput(r *http.Request) services.RegisterInput {
	return services.RegisterInput{
		Username:   r.PostFormValue("username"),
		Email:      r.PostFormValue("email"),
		Password:   r.PostFormValue("password"),
		Name:       r.PostFormValue("name"),
		Phone:      r.PostFormValue("phone"),
		Department: r.PostFormValue("department"),
		JobTitle:   r.PostFormValue("job_title"),
	}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.pages.render(w, r, http.StatusBadRequest, "register", pageData{Title: "Register", Error: "Invalid form submission."})
		return
	}

	if _, err := h.auth.Register(r.Context(), readRegisterInput(r)); err != nil {
		status, msg := errorResponse(r.Context(), err)
		h.pages.render(w, r, status, "register", pageData{
			Title: "Register",
			Error: msg,
			Form:  formValues(r, registerFields...),
		})
		return
	}
	redirectWithFlash(w, r, "/login", "success", "Registration successful. Check your email to verify your account.")
}

func (h *AuthHandler) RegisterAdminPage(w http.ResponseWriter, r *http.Request) {
	h.pages.render(w, r, http.StatusOK, "register_admin", pageData{Title: "Administrator registration"})
}

func (h *AuthHandler) RegisterAdmin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.pages.render(w, r, http.StatusBadRequest, "register_admin", pageData{Title: "Administrator registration", Error: "Invalid form submission."})
		return
	}

	_, err := h.auth.RegisterAdmin(r.Context(), services.AdminRegisterInput{
		RegisterInput: readRegisterInput(r),
		AdminKey:      r.PostFormValue("admin_key"),
		IP:            clientIP(r),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		status, msg := errorResponse(r.Context(), err)
		h.pages.render(w, r, status, "register_admin", pageData{
			Title: "Administrator registration",
			Error: msg,
			Form:  formValues(r, registerFields...),
		})
		return
	}
	redirectWithFlash(w, r, "/login", "success", "Administrator account created. Check your email to verify your account.")
}

func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.VerifyEmail(r.Context(), r.URL.Query().Get("token")); err != nil {
		_, msg := errorResponse(r.Context(), err)
		redirectWithFlash(w, r, "/resend-verification", "error", msg)
		return
	}
	redirectWithFlash(w, r, "/login", "success", "Your email address is verified. You can now log in.")
}

func (h *AuthHandler) ResendVerificationPage(w http.ResponseWriter, r *http.Request) {
	h.pages.render(w, r, http.StatusOK, "resend_verification", pageData{Title: "Resend verification"})
}

func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.ResendVerification(r.Context(), r.PostFormValue("email")); err != nil {
		status, msg := errorResponse(r.Context(), err)
		h.pages.render(w, r, status, "resend_verification", pageData{Title: "Resend verification", Error: msg})
		return
	}
	redirectWithFlash(w, r, "/login", "success", "If that account needs verification, a new email is on its way.")
}

func (h *AuthHandler) ForgotPasswordPage(w http.ResponseWriter, r *http.Request) {
	h.pages.render(w, r, http.StatusOK, "forgot_password", pageData{Title: "Forgot password"})
}

// ForgotPassword answers the same way whether or not the address exists.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	if _, err := h.auth.RequestPasswordReset(r.Context(), r.PostFormValue("email")); err != nil {
		status, msg := errorResponse(r.Context(), err)
		h.pages.render(w, r, status, "forgot_password", pageData{Title: "Forgot password", Error: msg})
		return
	}
	redirectWithFlash(w, r, "/login", "success", "If that email is registered, a password reset link has been sent.")
}

func (h *AuthHandler) ResetPasswordPage(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if err := h.auth.CheckResetToken(r.Context(), token); err != nil {
		status, msg := errorResponse(r.Context(), err)
		h.pages.render(w, r, status, "reset_password", pageData{Title: "Reset password", Error: msg})
		return
	}
	h.pages.render(w, r, http.StatusOK, "reset_password", pageData{Title: "Reset password", Data: token})
}

func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.pages.render(w, r, http.StatusBadRequest, "reset_password", pageData{Title: "Reset password", Error: "Invalid form submission."})
		return
	}
	token := r.PostFormValue("token")
	password := r.PostFormValue("password")
	if password != r.PostFormValue("confirm_password") {
		h.pages.render(w, r, http.StatusBadRequest, "reset_password", pageData{
			Title: "Reset password",
			Error: "Passwords do not match.",
			Data:  token,
		})
		return
	}

	if err := h.auth.ResetPassword(r.Context(), token, password); err != nil {
		status, msg := errorResponse(r.Context(), err)
		data := pageData{Title: "Reset password", Error: msg}
		if !errors.Is(err, services.ErrInvalidToken) {
			data.Data = token
		}
		h.pages.render(w, r, status, "reset_password", data)
		return
	}
	redirectWithFlash(w, r, "/login", "success", "Your password has been reset. You can now log in.")
}
