package lib

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AdminRole is the role claim value that marks an administrator token.
const AdminRole = "admin"

var ErrNoTokenSecret = errors.New("lib: admin token secret is empty")

// SignAdminToken mints an HS512 token that JWTPrivilegeChecker accepts until
// ttl passes.
func SignAdminToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrNoTokenSecret
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": AdminRole,
		"iat":  now.Unix(),
		"nbf":  now.Add(-1 * time.Minute).Unix(),
		"exp":  now.Add(ttl).Unix(),
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("lib: can't sign admin token: %w", err)
	}

	return tokenString, nil
}

// JWTPrivilegeChecker builds an Options.IsPrivileged that looks for an admin
// token in the Authorization header (as a bearer token) or in cookieName.
func JWTPrivilegeChecker(secret []byte, cookieName string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if len(secret) == 0 {
			return false
		}

		tokenString := adminTokenFrom(r, cookieName)
		if tokenString == "" {
			return false
		}

		token, err := jwt.Parse(tokenString, func(*jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}), jwt.WithExpirationRequired())
		if err != nil {
			slog.Debug("admin token rejected", "err", err)
			return false
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return false
		}

		role, _ := claims["role"].(string)
		return role == AdminRole
	}
}

func adminTokenFrom(r *http.Request, cookieName string) string {
	if auth, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(auth)
	}

	if cookieName == "" {
		return ""
	}

	ckie, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}

	return ckie.Value
}
