package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/auditchain-core/internal/domain"
)

// TokenValidator — контракт проверки токена для HTTP-периметра
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

type ctxKey string

const (
	ctxKeyScopes   ctxKey = "operator_scopes"
	ctxKeyOperator ctxKey = "operator_id"
)

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Прокидываем данные в контекст
			ctx := context.WithValue(r.Context(), ctxKeyScopes, claims.Scopes)
			ctx = context.WithValue(ctx, ctxKeyOperator, claims.UserID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorID достает идентификатор оператора из контекста запроса
func OperatorID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyOperator).(string)
	return id
}

// Scopes достает права оператора из контекста запроса
func Scopes(ctx context.Context) map[string]bool {
	scopes, _ := ctx.Value(ctxKeyScopes).(map[string]bool)
	return scopes
}
