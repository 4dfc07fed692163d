package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/auditchain-core/internal/domain"
)

// OperatorProvider — источник учетных записей операторов консоли
type OperatorProvider interface {
	GetOperatorByUsername(ctx context.Context, username string) (*domain.Operator, error)
}

type AuthService struct {
	operators  OperatorProvider
	privateKey *rsa.PrivateKey
	tokenTTL   time.Duration
}

func NewAuthService(operators OperatorProvider, privateKey *rsa.PrivateKey, tokenTTL time.Duration) *AuthService {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &AuthService{
		operators:  operators,
		privateKey: privateKey,
		tokenTTL:   tokenTTL,
	}
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация
	op, err := s.operators.GetOperatorByUsername(ctx, username)
	if err != nil || op == nil {
		return nil, errors.New("invalid credentials")
	}

	// 2. Проверка пароля (bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, errors.New("invalid credentials")
	}

	// 3. Формирование Claims
	expiresAt := time.Now().Add(s.tokenTTL)
	claims := &domain.CustomClaims{
		UserID: op.ID,
		Scopes: op.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "auditchain-console",
			Subject:   op.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	// 4. Подпись токена ЗАКРЫТЫМ КЛЮЧОМ (RS256)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signedToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
	}, nil
}

// ConfigOperators — поставщик единственного bootstrap-оператора из конфига.
// Достаточно для дев-контура и single-operator инсталляций; набор внешних
// операторов подключается своей реализацией OperatorProvider.
type ConfigOperators struct {
	op domain.Operator
}

func NewConfigOperators(username, passwordHash string) *ConfigOperators {
	return &ConfigOperators{op: domain.Operator{
		ID:           "operator-bootstrap",
		Username:     username,
		PasswordHash: passwordHash,
		Scopes:       map[string]bool{"admin": true},
		CreatedAt:    time.Now(),
	}}
}

func (c *ConfigOperators) GetOperatorByUsername(_ context.Context, username string) (*domain.Operator, error) {
	if username != c.op.Username || c.op.Username == "" {
		return nil, nil
	}
	op := c.op
	return &op, nil
}
