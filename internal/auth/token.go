package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/taskboard/internal/model"
)

// ErrInvalidToken はIDトークンの署名・期限・形式が不正な場合のエラー。
var ErrInvalidToken = errors.New("invalid ID token")

const tokenIssuer = "taskboard"

// IDTokenClaims はIDトークンのクレーム。
// role と admin はカスタムクレームで、ロールの正となる。
type IDTokenClaims struct {
	Email string     `json:"email,omitempty"`
	Name  string     `json:"name,omitempty"`
	Role  model.Role `json:"role,omitempty"`
	Admin bool       `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Custom はカスタムクレーム部分を返す。
func (c *IDTokenClaims) Custom() model.Claims {
	return model.Claims{Role: c.Role, Admin: c.Admin}
}

// TokenIssuer はHS256署名のIDトークンを発行・検証する。
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer はTokenIssuerを生成する。
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue はアカウントの現在のクレームでIDトークンを発行する。
func (i *TokenIssuer) Issue(account *model.Account) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := IDTokenClaims{
		Email: account.Email,
		Name:  account.DisplayName,
		Role:  account.Claims.Role,
		Admin: account.Claims.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   account.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign ID token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify はIDトークンを検証してクレームを返す。
func (i *TokenIssuer) Verify(token string) (*IDTokenClaims, error) {
	claims := &IDTokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
