package middleware

import (
	"context"
	"net/http"
	"strings"
)

// 1. Context Keys (read them through IdentityFrom / UsernameFrom)
type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
)

// 2. What we need from the User Service.
// This interface decouples 'middleware' from 'user' and 'chat'.
type TokenValidator interface {
	ValidateToken(ctx context.Context, tokenString string) (userID, username string, err error)
}

// 3. The Middleware Structure
type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// TokenFrom reads the bearer token from the Authorization header, falling
// back to the token query parameter used by browser websocket clients.
func TokenFrom(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}

// 4. The actual Handler
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := TokenFrom(r)
		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		userID, username, err := am.validator.ValidateToken(r.Context(), tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), userID, username)))
	})
}

// WithIdentity stores the authenticated user on ctx.
func WithIdentity(ctx context.Context, userID, username string) context.Context {
	ctx = context.WithValue(ctx, UserKey, userID)
	return context.WithValue(ctx, UsernameKey, username)
}

func IdentityFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserKey).(string)
	return id, ok
}

func UsernameFrom(ctx context.Context) string {
	name, _ := ctx.Value(UsernameKey).(string)
	return name
}
