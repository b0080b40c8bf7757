package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer     = "deriv-bot-manager"
	tokenAudience   = "deriv-bot-manager-admin"
	defaultTokenTTL = 12 * time.Hour
)

// JWTManager signs and checks HS256 admin session tokens
type JWTManager struct {
	key []byte
	ttl time.Duration
}

type sessionClaims struct {
	AdminClaims
	jwt.RegisteredClaims
}

func NewJWTManager(secret string, ttl time.Duration) *JWTManager {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &JWTManager{key: []byte(secret), ttl: ttl}
}

// GenerateSecret returns 32 random bytes hex encoded, used when no JWT_SECRET is set
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (m *JWTManager) GenerateAccessToken(claims AdminClaims) (string, error) {
	now := time.Now()
	sc := sessionClaims{
		AdminClaims: claims,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   claims.Subject,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, sc).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

func (m *JWTManager) keyFunc(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	return m.key, nil
}

// ValidateAccessToken returns ErrTokenExpired for stale tokens and ErrInvalidToken
// for anything else that does not verify
func (m *JWTManager) ValidateAccessToken(raw string) (*AdminClaims, error) {
	var sc sessionClaims
	token, err := jwt.ParseWithClaims(raw, &sc, m.keyFunc,
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil || !token.Valid:
		return nil, ErrInvalidToken
	}
	return &sc.AdminClaims, nil
}

// GetAccessTokenDuration is the token lifetime in seconds
func (m *JWTManager) GetAccessTokenDuration() int64 {
	return int64(m.ttl / time.Second)
}
