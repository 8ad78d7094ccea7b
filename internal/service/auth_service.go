package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"midora/internal/auth"
	apperrors "midora/internal/errors"
	"midora/internal/model"
	"midora/internal/repository"
)

// TokenType is the OAuth2 token type reported to clients.
const TokenType = "bearer"

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64
}

// TokenLifetimes configures access and refresh token TTLs.
type TokenLifetimes struct {
	Access  time.Duration
	Refresh time.Duration
}

// AuthService handles authentication operations.
type AuthService interface {
	Register(ctx context.Context, email, password, fullName string) (*model.User, error)
	Login(ctx context.Context, email, password string) (*TokenPair, *model.User, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
	Logout(ctx context.Context, access *auth.Claims, refreshToken string) error
	Authenticate(ctx context.Context, accessToken string) (*auth.Claims, error)
}

type authService struct {
	userRepo   repository.UserRepository
	hasher     auth.PasswordHasher
	jwtService *auth.JWTService
	tokenStore auth.TokenStoreInterface
	lifetimes  TokenLifetimes
	logger     *slog.Logger

	dummyOnce sync.Once
	dummyHash string
}

// NewAuthService creates a new authentication service. tokenStore may be nil,
// in which case tokens are stateless: valid until expiry, never revoked.
func NewAuthService(
	userRepo repository.UserRepository,
	hasher auth.PasswordHasher,
	jwtService *auth.JWTService,
	tokenStore auth.TokenStoreInterface,
	lifetimes TokenLifetimes,
	logger *slog.Logger,
) AuthService {
	if lifetimes.Access <= 0 {
		lifetimes.Access = auth.AccessTokenExpiry
	}
	if lifetimes.Refresh <= 0 {
		lifetimes.Refresh = auth.RefreshTokenExpiry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &authService{
		userRepo:   userRepo,
		hasher:     hasher,
		jwtService: jwtService,
		tokenStore: tokenStore,
		lifetimes:  lifetimes,
		logger:     logger.With("component", "auth"),
	}
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a new user with a hashed password. Duplicate emails are
// detected by the unique index during the insert.
func (s *authService) Register(ctx context.Context, email, password, fullName string) (*model.User, error) {
	hashedPassword, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	user := &model.User{
		ID:           uuid.New(),
		Email:        NormalizeEmail(email),
		PasswordHash: hashedPassword,
		FullName:     strings.TrimSpace(fullName),
		IsActive:     true,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, apperrors.ErrDuplicateEmail) {
			return nil, apperrors.ErrDuplicateEmail
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.logger.InfoContext(ctx, "user registered", "user_id", user.ID.String())
	return user, nil
}

// Login authenticates a user and returns access and refresh tokens.
func (s *authService) Login(ctx context.Context, email, password string) (*TokenPair, *model.User, error) {
	user, err := s.userRepo.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, apperrors.ErrUserNotFound) {
			// Spend the same bcrypt time as a real comparison.
			s.hasher.Verify(password, s.dummyDigest())
			s.logger.WarnContext(ctx, "login failed", "reason", "unknown email")
			return nil, nil, apperrors.ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("find user: %w", err)
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		s.logger.WarnContext(ctx, "login failed", "reason", "password mismatch", "user_id", user.ID.String())
		return nil, nil, apperrors.ErrInvalidCredentials
	}

	if !user.IsActive {
		return nil, nil, apperrors.ErrUserInactive
	}

	pair, err := s.issuePair(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

// Refresh exchanges a refresh token for a new access token and a new
// refresh token. With a token store the presented token is consumed, so it
// cannot be used twice.
func (s *authService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.jwtService.ValidateKind(refreshToken, auth.KindRefresh)
	if err != nil {
		return nil, err
	}

	if s.tokenStore != nil {
		userID, ok, err := s.tokenStore.ConsumeRefreshToken(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("consume refresh token: %w", err)
		}
		if !ok || userID != claims.Subject {
			s.logger.WarnContext(ctx, "refresh token rejected", "reason", "revoked or reused", "user_id", claims.Subject)
			return nil, apperrors.ErrInvalidToken
		}
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, apperrors.ErrTokenMalformed
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrUserNotFound) {
			return nil, apperrors.ErrInvalidToken
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	if !user.IsActive {
		return nil, apperrors.ErrUserInactive
	}

	return s.issuePair(ctx, user)
}

// Logout revokes the access token and, when given, the refresh token.
// Without a token store there is nothing to revoke.
func (s *authService) Logout(ctx context.Context, access *auth.Claims, refreshToken string) error {
	if s.tokenStore == nil || access == nil {
		return nil
	}

	if err := s.tokenStore.BlacklistAccessToken(ctx, access.ID, access.TTL()); err != nil {
		return fmt.Errorf("blacklist access token: %w", err)
	}

	if refreshToken == "" {
		return nil
	}
	claims, err := s.jwtService.ValidateKind(refreshToken, auth.KindRefresh)
	if errors.Is(err, apperrors.ErrTokenExpired) {
		return nil
	}
	if err != nil {
		return err
	}
	if claims.Subject != access.Subject {
		return apperrors.ErrInvalidToken
	}
	if err := s.tokenStore.DeleteRefreshToken(ctx, claims.ID); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

// Authenticate validates an access token for a protected request.
func (s *authService) Authenticate(ctx context.Context, accessToken string) (*auth.Claims, error) {
	claims, err := s.jwtService.ValidateKind(accessToken, auth.KindAccess)
	if err != nil {
		return nil, err
	}
	if s.tokenStore != nil {
		revoked, err := s.tokenStore.IsAccessTokenBlacklisted(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("check access token: %w", err)
		}
		if revoked {
			return nil, apperrors.ErrInvalidToken
		}
	}
	return claims, nil
}

func (s *authService) issuePair(ctx context.Context, user *model.User) (*TokenPair, error) {
	subject := user.ID.String()

	accessToken, _, err := s.jwtService.Issue(subject, user.Email, s.lifetimes.Access, auth.KindAccess)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	refreshToken, refreshClaims, err := s.jwtService.Issue(subject, user.Email, s.lifetimes.Refresh, auth.KindRefresh)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	if s.tokenStore != nil {
		if err := s.tokenStore.StoreRefreshToken(ctx, refreshClaims.ID, subject, s.lifetimes.Refresh); err != nil {
			return nil, fmt.Errorf("store refresh token: %w", err)
		}
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    TokenType,
		ExpiresIn:    int64(s.lifetimes.Access / time.Second),
	}, nil
}

func (s *authService) dummyDigest() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash("midora-dummy-password")
	})
	return s.dummyHash
}
