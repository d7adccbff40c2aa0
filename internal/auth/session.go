// Package auth guards the admin panel with a password-issued session token
// and verifies signed cron triggers.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// CookieName holds the admin session token
	CookieName = "aidir_session"

	subject = "admin"
	issuer  = "aidir"
)

var (
	ErrBadPassword  = errors.New("invalid password")
	ErrNoSession    = errors.New("no session")
	ErrInvalidToken = errors.New("invalid session token")
)

// Sessions issues and checks admin session tokens
type Sessions struct {
	password []byte
	secret   []byte
	ttl      time.Duration
	secure   bool
	now      func() time.Time
}

// NewSessions creates a session manager. secure marks the cookie Secure,
// for deployments served over HTTPS.
func NewSessions(password, secret string, ttl time.Duration, secure bool) *Sessions {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Sessions{
		password: []byte(password),
		secret:   []byte(secret),
		ttl:      ttl,
		secure:   secure,
		now:      time.Now,
	}
}

// CheckPassword compares in constant time. Both sides are hashed first so
// the comparison does not leak the password length.
func (s *Sessions) CheckPassword(candidate string) bool {
	if len(s.password) == 0 {
		return false
	}
	want := sha256.Sum256(s.password)
	got := sha256.Sum256([]byte(candidate))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// Issue signs a new HS256 session token
func (s *Sessions) Issue() (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return token, exp, nil
}

// Verify checks the signature, algorithm, issuer and expiry of token
func (s *Sessions) Verify(token string) error {
	_, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithSubject(subject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}

// Login checks the password and sets the session cookie
func (s *Sessions) Login(w http.ResponseWriter, password string) error {
	if !s.CheckPassword(password) {
		return ErrBadPassword
	}
	token, exp, err := s.Issue()
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Logout clears the session cookie
func (s *Sessions) Logout(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Check verifies the session cookie of r
func (s *Sessions) Check(r *http.Request) error {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return ErrNoSession
	}
	return s.Verify(c.Value)
}

// Middleware lets authenticated requests through. API requests without a
// session get 401; page requests are redirected to the login form.
func (s *Sessions) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.Check(r); err == nil {
			next.ServeHTTP(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		http.Redirect(w, r, LoginURL(r.URL.RequestURI()), http.StatusSeeOther)
	})
}

// LoginURL is the login page that returns to next after signing in
func LoginURL(next string) string {
	return "/admin/login?next=" + url.QueryEscape(next)
}

// SafeNext returns next when it is a local admin path, else the dashboard
func SafeNext(next string) string {
	if strings.HasPrefix(next, "/admin") && !strings.HasPrefix(next, "//") && !strings.Contains(next, "\\") {
		return next
	}
	return "/admin"
}
