package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"sharefolder/internal/auth"
	"sharefolder/internal/logging"
	"sharefolder/internal/session"
)

type loginPage struct {
	basePage
	Next     string
	Username string
	Error    string
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	loc := s.locale(w, r)
	next := safeNext(r.FormValue("next"))
	page := loginPage{
		basePage: basePage{Lang: loc, Title: s.catalog.T(loc, "login"), catalog: s.catalog},
		Next:     next,
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		if c, err := r.Cookie(auth.CookieName); err == nil {
			if _, ok := s.sessions.Validate(r.Context(), c.Value); ok {
				http.Redirect(w, r, next, http.StatusFound)
				return
			}
		}
		s.render(w, r, http.StatusOK, "login.html", page)
	case http.MethodPost:
		username := r.PostFormValue("username")
		id, err := s.sessions.Login(r.Context(), username, r.PostFormValue("password"))
		if err != nil {
			l := logging.WithContext(r.Context())
			if errors.Is(err, session.ErrAuth) {
				l.Info("login failed", zap.String("user", username))
				page.Username = username
				page.Error = s.catalog.T(loc, "loginFailed")
				s.render(w, r, http.StatusUnauthorized, "login.html", page)
				return
			}
			l.Error("login", zap.String("user", username), zap.Error(err))
			http.Error(w, "session service unavailable", http.StatusServiceUnavailable)
			return
		}
		logging.WithContext(r.Context()).Info("login", zap.String("user", username))
		auth.SetSessionCookie(w, id, s.cfg.TLS())
		http.Redirect(w, r, next, http.StatusFound)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(auth.CookieName); err == nil && c.Value != "" {
		s.sessions.Logout(c.Value)
	}
	auth.SetSessionCookie(w, "", s.cfg.TLS())
	http.Redirect(w, r, auth.LoginPath, http.StatusFound)
}

// safeNext only allows local absolute paths as a post-login target.
func safeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	if strings.HasPrefix(next, auth.LoginPath) {
		return "/"
	}
	return next
}
