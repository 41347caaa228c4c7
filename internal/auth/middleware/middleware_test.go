package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/mindengage-proctor/internal/rbac"
)

func TestJWTMiddlewareSetsSubjectAndRole(t *testing.T) {
	a := NewAuthService("test-secret", time.Hour)
	tok, err := a.IssueJWT("alice", "student")
	require.NoError(t, err)

	var sub, role string
	h := JWTMiddleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, role = SubjectFromContext(r.Context()), rbac.RoleFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", sub)
	assert.Equal(t, "student", role)
}

func TestJWTMiddlewareRejects(t *testing.T) {
	a := NewAuthService("test-secret", time.Hour)
	other, err := NewAuthService("other-secret", time.Hour).IssueJWT("mallory", "admin")
	require.NoError(t, err)

	expiredSvc := NewAuthService("test-secret", time.Hour)
	expiredSvc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredSvc.IssueJWT("bob", "student")
	require.NoError(t, err)

	h := JWTMiddleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	for name, header := range map[string]string{
		"missing":      "",
		"not bearer":   "Basic abc",
		"wrong secret": "Bearer " + other,
		"expired":      "Bearer " + expired,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestLoginHandler(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	a := NewAuthService("test-secret", time.Hour)
	h := LoginHandler(a, LoginConfig{AdminUser: "admin", AdminPassHash: string(hash)})

	cases := []struct {
		name string
		body string
		code int
		role string
	}{
		{"admin", `{"username":"admin","password":"s3cret"}`, http.StatusOK, "admin"},
		{"admin wrong password", `{"username":"admin","password":"admin","role":"teacher"}`, http.StatusUnauthorized, ""},
		{"dev teacher", `{"username":"tina","password":"tina","role":"teacher"}`, http.StatusOK, "teacher"},
		{"dev student", `{"username":"sam","password":"sam","role":"student"}`, http.StatusOK, "student"},
		{"unknown role", `{"username":"sam","password":"sam","role":"root"}`, http.StatusUnauthorized, ""},
		{"bad json", `{`, http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(tc.body)))
			assert.Equal(t, tc.code, rec.Code)
			if tc.role != "" {
				assert.Contains(t, rec.Body.String(), `"role":"`+tc.role+`"`)
				assert.Contains(t, rec.Body.String(), "access_token")
			}
		})
	}
}
