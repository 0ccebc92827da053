package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrEmptySubject = errors.New("subject is required")
)

// AuthService issues and checks the HS256 tokens WebSocket subscribers
// present when a secret is configured.
type AuthService struct {
	jwtSecret string
	jwtExpiry time.Duration
	now       func() time.Time
}

type IssuedToken struct {
	Token     string
	TokenID   uuid.UUID
	ExpiresAt time.Time
}

type TokenClaims struct {
	Subject   string
	TokenID   uuid.UUID
	ExpiresAt time.Time
}

func NewAuthService(jwtSecret string, jwtExpiry time.Duration) *AuthService {
	return &AuthService{
		jwtSecret: jwtSecret,
		jwtExpiry: jwtExpiry,
		now:       time.Now,
	}
}

// Enabled reports whether subscribers must authenticate.
func (s *AuthService) Enabled() bool {
	return s != nil && s.jwtSecret != ""
}

func (s *AuthService) IssueToken(subject string) (*IssuedToken, error) {
	if subject == "" {
		return nil, ErrEmptySubject
	}

	tokenID := uuid.New()
	issuedAt := s.now()
	expiresAt := issuedAt.Add(s.jwtExpiry)

	claims := jwt.MapClaims{
		"sub": subject,
		"jti": tokenID.String(),
		"exp": expiresAt.Unix(),
		"iat": issuedAt.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &IssuedToken{Token: signed, TokenID: tokenID, ExpiresAt: expiresAt}, nil
}

func (s *AuthService) VerifyToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())

	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, ErrInvalidToken
	}

	tokenIDStr, ok := claims["jti"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}
	tokenID, err := uuid.Parse(tokenIDStr)
	if err != nil {
		return nil, ErrInvalidToken
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, ErrInvalidToken
	}

	return &TokenClaims{
		Subject:   subject,
		TokenID:   tokenID,
		ExpiresAt: exp.Time,
	}, nil
}
