package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the bearer token claims. Workspaces lists the ws_id values the
// caller may manage.
type Claims struct {
	Workspaces []string `json:"ws"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

// RequireToken validates an HS256 bearer token signed with secret.
func RequireToken(logger *slog.Logger, secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims := &Claims{}
			_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return key, nil })
			if err != nil {
				if !errors.Is(err, jwt.ErrTokenExpired) {
					logger.Warn("Rejected bearer token", "requestID", requestID(r), "error", err)
				}
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// IssueToken signs a token granting access to the given workspaces.
func IssueToken(secret string, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func claimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

func canAccess(ctx context.Context, wsID string) bool {
	c := claimsFrom(ctx)
	return c != nil && wsID != "" && slices.Contains(c.Workspaces, wsID)
}
