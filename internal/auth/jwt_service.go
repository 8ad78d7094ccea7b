package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	apperrors "midora/internal/errors"
)

const (
	// AccessTokenExpiry is the default lifetime of access tokens.
	AccessTokenExpiry = 30 * time.Minute
	// RefreshTokenExpiry is the default lifetime of refresh tokens.
	RefreshTokenExpiry = 7 * 24 * time.Hour
)

// TokenKind distinguishes access tokens from refresh tokens.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Claims represents JWT claims. Subject carries the user ID and ID the
// token's unique jti.
type Claims struct {
	Email string    `json:"email"`
	Kind  TokenKind `json:"typ"`
	jwt.RegisteredClaims
}

// TTL returns how long the token remains valid from now.
func (c *Claims) TTL() time.Duration {
	if c.ExpiresAt == nil {
		return 0
	}
	return time.Until(c.ExpiresAt.Time)
}

// JWTService handles JWT token generation and validation.
type JWTService struct {
	secret []byte
	method *jwt.SigningMethodHMAC
	now    func() time.Time
}

// NewJWTService creates a new JWT service with the given secret and HMAC
// algorithm name (HS256, HS384, HS512).
func NewJWTService(secret, algorithm string) (*JWTService, error) {
	method, ok := jwt.GetSigningMethod(algorithm).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
	return &JWTService{
		secret: []byte(secret),
		method: method,
		now:    time.Now,
	}, nil
}

// Issue signs a token of the given kind for subject. A ttl of zero or less
// yields a token that is already expired.
func (s *JWTService) Issue(subject, email string, ttl time.Duration, kind TokenKind) (string, *Claims, error) {
	now := s.now()
	claims := &Claims{
		Email: email,
		Kind:  kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token, err := jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign %s token: %w", kind, err)
	}
	return token, claims, nil
}

// Validate checks signature and expiry and returns the claims. It fails with
// ErrTokenExpired for a correctly signed but expired token and with
// ErrTokenMalformed for everything else.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != s.method.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, apperrors.ErrTokenMalformed
	}
	return claims, nil
}

// ValidateKind is Validate plus a check of the token kind.
func (s *JWTService) ValidateKind(tokenString string, kind TokenKind) (*Claims, error) {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Kind != kind {
		return nil, apperrors.ErrInvalidToken
	}
	return claims, nil
}

// classify keeps signature problems ahead of expiry so a forged expired
// token never reports as merely expired.
func classify(err error) error {
	var vErr *jwt.ValidationError
	if !errors.As(err, &vErr) {
		return apperrors.ErrTokenMalformed
	}
	const broken = jwt.ValidationErrorMalformed | jwt.ValidationErrorUnverifiable | jwt.ValidationErrorSignatureInvalid
	if vErr.Errors&broken != 0 {
		return apperrors.ErrTokenMalformed
	}
	if vErr.Errors&jwt.ValidationErrorExpired != 0 {
		return apperrors.ErrTokenExpired
	}
	return apperrors.ErrTokenMalformed
}
