package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/caasmo/threatguard/jwt"
)

type contextKey string

const operatorKey contextKey = "operator"

// Operator returns the token subject stored by JwtValidate.
func Operator(ctx context.Context) string {
	s, _ := ctx.Value(operatorKey).(string)
	return s
}

// JwtValidate rejects requests without a valid HS256 bearer token.
func (a *API) JwtValidate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJsonError(w, errorNoAuthHeader)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader || tokenString == "" {
			writeJsonError(w, errorInvalidTokenFormat)
			return
		}

		claims, err := jwt.Parse(tokenString, a.secret)
		if err != nil {
			switch {
			case errors.Is(err, jwt.ErrTokenExpired):
				writeJsonError(w, errorJwtTokenExpired)
			case errors.Is(err, jwt.ErrInvalidSigningMethod):
				writeJsonError(w, errorJwtInvalidSignMethod)
			default:
				writeJsonError(w, errorJwtInvalidToken)
			}
			return
		}

		ctx := context.WithValue(r.Context(), operatorKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
