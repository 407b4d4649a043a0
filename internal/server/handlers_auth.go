package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/blueprintkit/backend/internal/sessions"
	"github.com/blueprintkit/backend/internal/user"
)

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type userResponse struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	Username  string   `json:"username,omitempty"`
	Roles     []string `json:"roles"`
	CreatedAt string   `json:"created_at"`
}

func toUserResponse(u *user.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		Username:  u.Username,
		Roles:     u.Roles,
		CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Detail: "email and password are required"})
		return
	}

	created, err := s.sessions.Register(r.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		s.metrics.Registrations.WithLabelValues("failure").Inc()
		s.writeError(w, err)
		return
	}

	s.metrics.Registrations.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusCreated, map[string]userResponse{"user": toUserResponse(created)})
}

// handleLogin accepts form-encoded credentials (username holds the email,
// password the secret), returns the access token in the body, and sets the
// refresh token as an HttpOnly cookie.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Detail: "invalid form body"})
		return
	}
	email := r.PostFormValue("username")
	pass := r.PostFormValue("password")

	pair, err := s.sessions.Login(r.Context(), email, pass)
	if err != nil {
		s.metrics.Logins.WithLabelValues("failure").Inc()
		s.writeError(w, err)
		return
	}

	s.metrics.Logins.WithLabelValues("success").Inc()
	s.setRefreshCookie(w, pair.Refresh)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: pair.Access,
		TokenType:   "bearer",
		ExpiresIn:   int(s.cfg.Auth.AccessTTL.Seconds()),
	})
}

// handleRefresh rotates the refresh token taken from the cookie or, for
// non-browser clients, from the JSON body. The rotated refresh token goes
// back out the same way it came in.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	fromBody := false
	tok := s.refreshTokenFromCookie(r)
	if tok == "" {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.RefreshToken != "" {
			tok = req.RefreshToken
			fromBody = true
		}
	}
	if tok == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Detail: "refresh token not provided"})
		return
	}

	pair, err := s.sessions.Refresh(r.Context(), tok)
	if err != nil {
		if errors.Is(err, sessions.ErrReuseDetected) {
			s.metrics.ReuseDetected.Inc()
			s.log.Warn("refresh token reuse detected", zap.String("client", clientKey(r)))
		}
		s.metrics.Refreshes.WithLabelValues("failure").Inc()
		s.writeError(w, err)
		return
	}

	s.metrics.Refreshes.WithLabelValues("success").Inc()
	s.setRefreshCookie(w, pair.Refresh)
	resp := tokenResponse{
		AccessToken: pair.Access,
		TokenType:   "bearer",
		ExpiresIn:   int(s.cfg.Auth.AccessTTL.Seconds()),
	}
	if fromBody {
		resp.RefreshToken = pair.Refresh
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLogout requires a bearer access token, revokes the presented
// refresh token, and clears the cookie. Idempotent: calling it twice, or
// with no refresh token at all, still succeeds.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		s.writeError(w, err)
		return
	}

	tok := s.refreshTokenFromCookie(r)
	if tok == "" {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			tok = req.RefreshToken
		}
	}
	if tok != "" {
		if err := s.sessions.Logout(r.Context(), tok); err != nil {
			s.writeError(w, err)
			return
		}
	}

	s.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	u, err := s.users.GetByID(r.Context(), identity.Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CurrentPassword == "" || req.NewPassword == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Detail: "current and new password are required"})
		return
	}

	if err := s.sessions.ChangePassword(r.Context(), identity.Subject, req.CurrentPassword, req.NewPassword); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "password changed"})
}

// authenticate resolves the request's bearer token through the guard. The
// identity is returned to the handler explicitly rather than stashed in
// the request context.
func (s *Server) authenticate(r *http.Request) (*sessions.Identity, error) {
	tok, _ := bearerToken(r.Header.Get("Authorization"))
	return s.guard.Authenticate(r.Context(), tok)
}

func (s *Server) refreshTokenFromCookie(r *http.Request) string {
	c, err := r.Cookie(s.cfg.Auth.CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (s *Server) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Auth.CookieName,
		Value:    token,
		Path:     s.cfg.Auth.CookiePath,
		MaxAge:   int(s.cfg.Auth.RefreshTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.Auth.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Auth.CookieName,
		Value:    "",
		Path:     s.cfg.Auth.CookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.Auth.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
