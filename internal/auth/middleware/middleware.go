package auth

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/mindengage-proctor/internal/rbac"
)

type AuthService struct {
	hmac []byte
	ttl  time.Duration
	now  func() time.Time
}

func NewAuthService(secret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &AuthService{hmac: []byte(secret), ttl: ttl, now: time.Now}
}

type Claims struct {
	Sub  string `json:"sub"`
	Role string `json:"role"` // "admin", "teacher" or "student"
	jwt.RegisteredClaims
}

func (a *AuthService) IssueJWT(sub, role string) (string, error) {
	now := a.now()
	claims := &Claims{
		Sub:  sub,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "mindengage-proctor",
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(a.hmac)
}

func (a *AuthService) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.hmac, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	c, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || c.Sub == "" || c.Role == "" {
		return nil, errors.New("invalid claims")
	}
	return c, nil
}

// LoginConfig holds the one bootstrap admin account.
type LoginConfig struct {
	AdminUser     string
	AdminPassHash string // bcrypt
}

// POST /auth/login  { "username": "...", "password": "...", "role": "teacher|student" }
//
// The admin logs in with the configured bcrypt hash. For dev, any other
// user logs in as teacher or student with password == username.
func LoginHandler(a *AuthService, cfg LoginConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
			Role     string `json:"role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		role := req.Role
		var valid bool
		if req.Username == cfg.AdminUser && cfg.AdminPassHash != "" {
			valid = bcrypt.CompareHashAndPassword([]byte(cfg.AdminPassHash), []byte(req.Password)) == nil
			role = "admin"
		} else {
			valid = req.Username != "" && req.Username == req.Password && (role == "teacher" || role == "student")
		}
		if !valid {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		tok, err := a.IssueJWT(req.Username, role)
		if err != nil {
			http.Error(w, "issue token", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": tok, "role": role})
	}
}

// JWTMiddleware verifies the bearer token and puts subject and role in the
// request context.
func JWTMiddleware(a *AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				http.Error(w, "missing bearer", http.StatusUnauthorized)
				return
			}
			c, err := a.Parse(strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				http.Error(w, "bad token", http.StatusUnauthorized)
				return
			}
			ctx := rbac.WithRole(WithSubject(r.Context(), c.Sub), c.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
