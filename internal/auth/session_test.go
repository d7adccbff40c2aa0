package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123"

func newTestSessions() *Sessions {
	s := NewSessions("hunter2", testSecret, time.Hour, false)
	s.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestCheckPassword(t *testing.T) {
	s := newTestSessions()
	assert.True(t, s.CheckPassword("hunter2"))
	assert.False(t, s.CheckPassword("hunter"))
	assert.False(t, s.CheckPassword(""))

	empty := NewSessions("", testSecret, time.Hour, false)
	assert.False(t, empty.CheckPassword(""))
}

func TestIssueAndVerify(t *testing.T) {
	s := newTestSessions()
	token, exp, err := s.Issue()
	require.NoError(t, err)
	assert.Equal(t, s.now().Add(time.Hour), exp)
	require.NoError(t, s.Verify(token))

	// expired an hour later
	later := s.now().Add(2 * time.Hour)
	s.now = func() time.Time { return later }
	assert.ErrorIs(t, s.Verify(token), ErrInvalidToken)
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	s := newTestSessions()

	other := NewSessions("hunter2", "another-secret-0000", time.Hour, false)
	other.now = s.now
	token, _, err := other.Issue()
	require.NoError(t, err)
	assert.ErrorIs(t, s.Verify(token), ErrInvalidToken)

	// unsigned tokens are refused by the method allow-list
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(s.now().Add(time.Hour)),
	}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Verify(none), ErrInvalidToken)

	// a token without expiry is refused
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: subject, Issuer: issuer}).
		SignedString([]byte(testSecret))
	require.NoError(t, err)
	assert.ErrorIs(t, s.Verify(noExp), ErrInvalidToken)
}

func TestLoginSetsCookie(t *testing.T) {
	s := newTestSessions()

	rec := httptest.NewRecorder()
	assert.True(t, errors.Is(s.Login(rec, "wrong"), ErrBadPassword))
	assert.Empty(t, rec.Result().Cookies())

	rec = httptest.NewRecorder()
	require.NoError(t, s.Login(rec, "hunter2"))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, CookieName, c.Name)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)

	req := httptest.NewRequest("GET", "/admin", nil)
	req.AddCookie(c)
	assert.NoError(t, s.Check(req))

	rec = httptest.NewRecorder()
	s.Logout(rec)
	assert.Equal(t, -1, rec.Result().Cookies()[0].MaxAge)
}

func TestMiddleware(t *testing.T) {
	s := newTestSessions()
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	tests := []struct {
		name     string
		path     string
		cookie   bool
		wantCode int
		wantLoc  string
	}{
		{name: "page without session", path: "/admin/records/tools?page=2", wantCode: http.StatusSeeOther,
			wantLoc: "/admin/login?next=%2Fadmin%2Frecords%2Ftools%3Fpage%3D2"},
		{name: "api without session", path: "/api/admin/jobs", wantCode: http.StatusUnauthorized},
		{name: "page with session", path: "/admin", cookie: true, wantCode: http.StatusTeapot},
		{name: "api with session", path: "/api/admin/jobs", cookie: true, wantCode: http.StatusTeapot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.cookie {
				token, _, err := s.Issue()
				require.NoError(t, err)
				req.AddCookie(&http.Cookie{Name: CookieName, Value: token})
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantLoc != "" {
				assert.Equal(t, tt.wantLoc, rec.Header().Get("Location"))
			}
		})
	}
}

func TestSafeNext(t *testing.T) {
	assert.Equal(t, "/admin/jobs", SafeNext("/admin/jobs"))
	assert.Equal(t, "/admin", SafeNext("https://evil.example"))
	assert.Equal(t, "/admin", SafeNext("//evil.example/admin"))
	assert.Equal(t, "/admin", SafeNext(""))
}
