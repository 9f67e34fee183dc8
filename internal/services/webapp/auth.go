package webapp

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var errUnauthorized = errors.New("unauthorized")

// withAuth 在配置了 jwt_secret 时要求 /api/*（/api/health 除外）携带 HS256 Bearer token。
func (s *Server) withAuth(next http.Handler) http.Handler {
	secret := []byte(s.opts.JWTSecret)
	if len(secret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if err := checkBearer(r.Header.Get("Authorization"), secret); err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func checkBearer(header string, secret []byte) error {
	if header == "" {
		return fmt.Errorf("missing authorization header: %w", errUnauthorized)
	}
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == header {
		return fmt.Errorf("invalid authorization header: %w", errUnauthorized)
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return fmt.Errorf("invalid token: %w", errUnauthorized)
	}
	return nil
}

// IssueToken 签发 HS256 token，供 CLI 给调查员生成访问凭据。
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
