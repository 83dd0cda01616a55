package middleware

import (
	"context"
	"net/http"
	"strings"

	"gorm.io/gorm"

	"github.com/capsulejournal/capsuled/internal/models"
	"github.com/capsulejournal/capsuled/internal/utils"
)

type contextKey string

// UserIDContextKey carries the authenticated user's id through the request
// context.
const UserIDContextKey contextKey = "userID"

// UserID extracts the authenticated user id placed by Auth.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserIDContextKey).(string)
	return id, ok
}

// Auth authenticates requests by JWT bearer token or by api key. The core
// never sees raw passwords; it only learns the resolved user id.
type Auth struct {
	db        *gorm.DB
	jwtSecret string
}

func NewAuth(db *gorm.DB, jwtSecret string) *Auth {
	return &Auth{db: db, jwtSecret: jwtSecret}
}

// Middleware verifies the credential and stores the user id in the context.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			userID, ok := a.authenticateAPIKey(apiKey)
			if !ok {
				http.Error(w, "Invalid api key", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		// Bearer token
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := utils.ValidateToken(parts[1], a.jwtSecret)
		if err != nil {
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}
		userID, _ := claims["id"].(string)
		if userID == "" {
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticateAPIKey resolves a presented "prefix-rawkey" credential.
func (a *Auth) authenticateAPIKey(presented string) (string, bool) {
	prefix, raw, found := strings.Cut(presented, "-")
	if !found || len(prefix) != 12 || raw == "" {
		return "", false
	}

	var key models.APIKey
	if err := a.db.First(&key, "prefix = ?", prefix).Error; err != nil {
		return "", false
	}
	if !utils.VerifyAPIKey(raw, key.HashedKey, key.Salt) {
		return "", false
	}
	return key.UserID, true
}
