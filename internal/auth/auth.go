package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"net/url"

	"golang.org/x/crypto/bcrypt"

	"sharefolder/internal/config"
	"sharefolder/internal/fsutil"
	"sharefolder/internal/session"
)

type ctxKey string

const userKey ctxKey = "sharefolder.user"

// CookieName carries the session id.
const CookieName = "sessionId"

// LoginPath is where unauthenticated requests are sent.
const LoginPath = "/_sharefolder/login"

func UserFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}

func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// HashPassword is the hex SHA-256 digest stored in user specs.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Users is the static user table. It implements session.Authenticator.
type Users struct {
	byName map[string]config.User
}

func NewUsers(users []config.User) *Users {
	m := make(map[string]config.User, len(users))
	for _, u := range users {
		m[u.Name] = u
	}
	return &Users{byName: m}
}

func (u *Users) Enabled() bool { return len(u.byName) > 0 }

// dummy keeps the work done for unknown users close to a real check.
var dummy = config.User{SHA256: HashPassword("")}

// Authenticate never tells an unknown user apart from a wrong password.
func (u *Users) Authenticate(name, password string) bool {
	user, ok := u.byName[name]
	if !ok {
		user = dummy
	}
	var match bool
	if user.Bcrypt != "" {
		match = bcrypt.CompareHashAndPassword([]byte(user.Bcrypt), []byte(password)) == nil
	} else {
		match = subtle.ConstantTimeCompare([]byte(HashPassword(password)), []byte(user.SHA256)) == 1
	}
	return ok && match
}

// Root returns the absolute directory name is scoped to.
func (u *Users) Root(base, name string) (string, error) {
	user, ok := u.byName[name]
	if !ok {
		return "", fsutil.ErrForbidden
	}
	return fsutil.JoinWithinRoot(base, user.Root)
}

// RequireSession lets a request through only with a valid session cookie.
// The user name is stored in the request context and the session timer is
// touched. Everything else is redirected to the login page.
func RequireSession(svc session.Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(CookieName)
		if err == nil && c.Value != "" {
			if user, ok := svc.Validate(r.Context(), c.Value); ok {
				svc.Touch(c.Value)
				next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
				return
			}
		}
		RedirectToLogin(w, r)
	})
}

// RedirectToLogin remembers the requested URL so login can return to it.
func RedirectToLogin(w http.ResponseWriter, r *http.Request) {
	target := LoginPath
	if r.Method == http.MethodGet && r.URL.Path != LoginPath {
		target += "?next=" + url.QueryEscape(r.URL.RequestURI())
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// SetSessionCookie installs or clears (id == "") the session cookie.
func SetSessionCookie(w http.ResponseWriter, id string, secure bool) {
	c := &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
	if id == "" {
		c.MaxAge = -1
	}
	http.SetCookie(w, c)
}
