package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rivalscope/rivalscope/internal/auth"
)

const sessionCookieName = "session_token"

// sessionTTL matches the server-side session expiry applied by the store.
const sessionTTL = 7 * 24 * time.Hour

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "malformed login request")
		return
	}

	user, err := s.store.GetUserByUsername(req.Username)
	if err != nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		// Same response for unknown user and bad password so the endpoint
		// does not leak which usernames exist.
		s.app.Logger().Warn("rejected login attempt",
			zap.String("username", req.Username),
			zap.String("remote_addr", r.RemoteAddr))
		RespondWithError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	token, err := s.store.CreateSession(user.ID)
	if err != nil {
		s.app.Logger().Error("session creation failed",
			zap.Int64("user_id", user.ID), zap.Error(err))
		RespondWithError(w, http.StatusInternalServerError, "could not start a session")
		return
	}

	http.SetCookie(w, s.sessionCookie(r, token, sessionTTL))
	RespondWithJSON(w, http.StatusOK, user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if err := s.store.DeleteSession(cookie.Value); err != nil {
			s.app.Logger().Warn("session delete failed", zap.Error(err))
		}
	}

	// Expire the cookie on the client regardless of server-side state.
	http.SetCookie(w, s.sessionCookie(r, "", -time.Hour))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r)
	if user == nil {
		RespondWithError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	RespondWithJSON(w, http.StatusOK, user)
}

// sessionCookie builds the session cookie with the shared attributes. A
// non-positive ttl produces an expired cookie that clears the session on the
// client.
func (s *Server) sessionCookie(r *http.Request, token string, ttl time.Duration) *http.Cookie {
	cookie := &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Expires:  time.Now().Add(ttl),
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl <= 0 {
		cookie.Expires = time.Unix(0, 0)
		cookie.MaxAge = -1
	}
	return cookie
}
