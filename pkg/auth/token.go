package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type claim values.
const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// TokenConfig configures the token service.
type TokenConfig struct {
	// SigningKey is the HMAC key used to sign and verify JWTs.
	SigningKey []byte

	// Issuer is the iss claim stamped on every token.
	Issuer string

	// AccessTokenTTL is how long access tokens live.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens live.
	RefreshTokenTTL time.Duration
}

// TokenService issues and verifies the HS256 JWTs used for session cookies.
type TokenService struct {
	cfg TokenConfig
}

// NewTokenService creates a token service.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("signing key is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 30 * time.Minute
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	return &TokenService{cfg: cfg}, nil
}

// AccessTokenTTL returns the configured access token lifetime.
func (s *TokenService) AccessTokenTTL() time.Duration {
	return s.cfg.AccessTokenTTL
}

// IssueAccessToken creates a signed access token for the subject.
func (s *TokenService) IssueAccessToken(subject string) (string, time.Time, error) {
	return s.issue(subject, tokenTypeAccess, s.cfg.AccessTokenTTL)
}

// IssueRefreshToken creates a signed refresh token for the subject.
func (s *TokenService) IssueRefreshToken(subject string) (string, time.Time, error) {
	return s.issue(subject, tokenTypeRefresh, s.cfg.RefreshTokenTTL)
}

func (s *TokenService) issue(subject, tokenType string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"iss":  s.cfg.Issuer,
		"iat":  now.Unix(),
		"exp":  expiresAt.Unix(),
		"type": tokenType,
	})
	signed, err := token.SignedString(s.cfg.SigningKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyAccessToken validates an access token and returns its subject.
func (s *TokenService) VerifyAccessToken(tokenString string) (string, error) {
	return s.verify(tokenString, tokenTypeAccess)
}

// VerifyRefreshToken validates a refresh token and returns its subject.
func (s *TokenService) VerifyRefreshToken(tokenString string) (string, error) {
	return s.verify(tokenString, tokenTypeRefresh)
}

func (s *TokenService) verify(tokenString, wantType string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.cfg.SigningKey, nil
	},
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims type")
	}

	tokenType, _ := claims["type"].(string)
	if tokenType != wantType {
		return "", fmt.Errorf("wrong token type: got %q, want %q", tokenType, wantType)
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return "", fmt.Errorf("missing sub claim")
	}
	return subject, nil
}
