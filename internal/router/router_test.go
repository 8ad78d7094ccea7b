package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"midora/internal/auth"
	"midora/internal/cache"
	"midora/internal/config"
	apperrors "midora/internal/errors"
	"midora/internal/handler"
	"midora/internal/model"
	"midora/internal/service"
)

// memUserRepository is an in-memory UserRepository with a unique email index.
type memUserRepository struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]model.User
	byEmail map[string]uuid.UUID
}

func newMemUserRepository() *memUserRepository {
	return &memUserRepository{byID: map[uuid.UUID]model.User{}, byEmail: map[string]uuid.UUID{}}
}

func (r *memUserRepository) Create(_ context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[user.Email]; ok {
		return apperrors.ErrDuplicateEmail
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	r.byID[user.ID] = *user
	r.byEmail[user.Email] = user.ID
	return nil
}

func (r *memUserRepository) FindByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, apperrors.ErrUserNotFound
	}
	return &u, nil
}

func (r *memUserRepository) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	id, ok := r.byEmail[email]
	r.mu.Unlock()
	if !ok {
		return nil, apperrors.ErrUserNotFound
	}
	return r.FindByID(ctx, id)
}

func (r *memUserRepository) UpdateProfile(ctx context.Context, id uuid.UUID, update model.ProfileUpdate) (*model.User, error) {
	r.mu.Lock()
	u, ok := r.byID[id]
	if ok {
		if update.FullName != nil {
			u.FullName = *update.FullName
		}
		if update.Bio != nil {
			u.Bio = *update.Bio
		}
		if update.AvatarURL != nil {
			u.AvatarURL = *update.AvatarURL
		}
		if update.Phone != nil {
			u.Phone = *update.Phone
		}
		u.UpdatedAt = time.Now()
		r.byID[id] = u
	}
	r.mu.Unlock()
	if !ok {
		return nil, apperrors.ErrUserNotFound
	}
	return r.FindByID(ctx, id)
}

type testServer struct {
	e      *echo.Echo
	jwt    *auth.JWTService
	redis  *miniredis.Miniredis
	dbMock sqlmock.Sqlmock
	repo   *memUserRepository
}

func newTestServer(t *testing.T, withRedis bool) *testServer {
	t.Helper()

	cfg := &config.Config{CORSOrigins: []string{"https://app.example.com"}}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	jwtService, err := auth.NewJWTService("test-secret", "HS256")
	require.NoError(t, err)

	var (
		mr         *miniredis.Miniredis
		cacheCl    *cache.Client
		tokenStore auth.TokenStoreInterface
	)
	if withRedis {
		mr = miniredis.RunT(t)
		cacheCl, err = cache.New("redis://" + mr.Addr())
		require.NoError(t, err)
		t.Cleanup(func() { _ = cacheCl.Close() })
		tokenStore = auth.NewTokenStore(cacheCl)
	}

	sqlDB, dbMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := newMemUserRepository()
	authService := service.NewAuthService(
		repo,
		auth.NewBcryptHasher(bcrypt.MinCost),
		jwtService,
		tokenStore,
		service.TokenLifetimes{Access: 15 * time.Minute, Refresh: time.Hour},
		logger,
	)
	userService := service.NewUserService(repo, cacheCl)

	e := echo.New()
	Register(e, cfg, logger, authService, Handlers{
		Auth:   handler.NewAuthHandler(authService, userService),
		User:   handler.NewUserHandler(userService),
		Health: handler.NewHealthHandler(sqlDB, cacheCl),
	})

	return &testServer{e: e, jwt: jwtService, redis: mr, dbMock: dbMock, repo: repo}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func (s *testServer) login(t *testing.T, email, password string) (string, string) {
	t.Helper()
	code, body := s.do(t, http.MethodPost, APIPrefix+"/auth/login", "", map[string]string{"email": email, "password": password})
	require.Equal(t, http.StatusOK, code, body)
	return body["access_token"].(string), body["refresh_token"].(string)
}

func TestRouter_RegisterLoginExample(t *testing.T) {
	s := newTestServer(t, true)
	creds := map[string]string{"email": "a@b.com", "password": "x"}

	code, body := s.do(t, http.MethodPost, APIPrefix+"/auth/register", "", creds)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "a@b.com", body["email"])
	assert.NotContains(t, body, "password_hash")
	assert.NotContains(t, body, "password")
	userID := body["id"].(string)

	code, body = s.do(t, http.MethodPost, APIPrefix+"/auth/register", "", creds)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "DUPLICATE_EMAIL", body["code"])

	code, body = s.do(t, http.MethodPost, APIPrefix+"/auth/login", "", map[string]string{"email": "a@b.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "INVALID_CREDENTIALS", body["code"])

	code, body = s.do(t, http.MethodPost, APIPrefix+"/auth/login", "", creds)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["refresh_token"])
	assert.Equal(t, "bearer", body["token_type"])

	claims, err := s.jwt.Validate(body["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, userID, claims.Subject)
}

func TestRouter_LoginUnknownEmail(t *testing.T) {
	s := newTestServer(t, false)

	code, body := s.do(t, http.MethodPost, APIPrefix+"/auth/login", "", map[string]string{"email": "ghost@b.com", "password": "x"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "INVALID_CREDENTIALS", body["code"])
}

func TestRouter_LoginRejectsPasswordPastBcryptLimit(t *testing.T) {
	s := newTestServer(t, false)
	password := strings.Repeat("a", 72)

	code, _ := s.do(t, http.MethodPost, APIPrefix+"/auth/register", "", map[string]string{"email": "a@b.com", "password": password})
	require.Equal(t, http.StatusOK, code)

	code, body := s.do(t, http.MethodPost, APIPrefix+"/auth/login", "", map[string]string{"email": "a@b.com", "password": password + "-suffix"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
	assert.NotContains(t, body, "access_token")

	s.login(t, "a@b.com", password)
}

func TestRouter_RegisterEmailIsCaseInsensitive(t *testing.T) {
	s := newTestServer(t, false)

	code, _ := s.do(t, http.MethodPost, APIPrefix+"/auth/register", "", map[string]string{"email": "Ada@Example.com", "password": "x"})
	require.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodPost, APIPrefix+"/auth/register", "", map[string]string{"email": "ada@example.com", "password": "y"})
	assert.Equal(t, http.StatusConflict, code)

	s.login(t, "ADA@example.com", "x")
}

func TestRouter_ConcurrentDuplicateRegistration(t *testing.T) {
	s := newTestServer(t, false)

	const n = 8
	codes := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, _ := s.do(t, http.MethodPost, APIPrefix+"/auth/register", "", map[string]string{"email": "race@b.com", "password": "x"})
			codes <- code
		}()
	}
	wg.Wait()
	close(codes)

	counts := map[int]int{}
	for c := range codes {
		counts[c]++
	}
	assert.Equal(t, 1, counts[http.StatusOK])
	assert.Equal(t, n-1, counts[http.StatusConflict])
}

func TestRouter_ValidationErrors(t *testing.T) {
	s := newTestServer(t, false)

	tests := []struct {
		name  string
		path  string
		body  interface{}
		field string
	}{
		{"register bad email", "/auth/register", map[string]string{"email": "nope", "password": "x"}, "email"},
		{"register missing password", "/auth/register", map[string]string{"email": "a@b.com"}, "password"},
		{"login missing email", "/auth/login", map[string]string{"password": "x"}, "email"},
		{"refresh missing token", "/auth/refresh", map[string]string{}, "refresh_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := s.do(t, http.MethodPost, APIPrefix+tt.path, "", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, "VALIDATION_ERROR", body["code"])
			fields, ok := body["fields"].(map[string]interface{})
			require.True(t, ok, body)
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestRouter_InvalidJSON(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodPost, APIPrefix+"/auth/register", bytes.NewBufferString("{"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_BODY")
}

func TestRouter_RefreshRotation(t *testing.T) {
	s := newTestServer(t, true)
	s.do(t, http.MethodPost, APIPrefix+"/auth/register", "", map[string]string{"email": "a@b.com", "password": "x"})
	_, refresh := s.login(t, "a@b.com", "x")

	code, body := s.do(t, http.MethodPost, APIPrefix+"/auth/refresh", "", map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, code, body)
	newAccess := body["access_token"].(string)
	newRefresh := body["refresh_token"].(string)
	assert.NotEmpty(t, newAccess)
	assert.NotEqual(t, refresh, newRefresh)

	// the old refresh token was consumed
	code, body = s.do(t, http.MethodPost, APIPrefix+"/auth/refresh", "", map[string]string{"refresh_token": refresh})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "INVALID_TOKEN", body["code"])

	code, _ = s.do(t, http.MethodPost, APIPrefix+"/auth/refresh", "", map[string]string{"refresh_token": newRefresh})
	assert.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodGet, APIPrefix+"/user/profile", newAccess, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestRouter_RefreshRejectsAccessAndExpiredTokens(t *testing.T) {
	s := newTestServer(t, true)
	s.do(t, http.MethodPost, APIPrefix+"/auth/register", "", map[string]string{"email": "a@b.com", "password": "x"})
	access, _ := s.login(t, "a@b.com", "x")

	code, body := s.do(t, http.MethodPost, APIPrefix+"/auth/refresh", "", map[string]string{"refresh_token": access})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "INVALID_TOKEN", body["code"])

	expired, _, err := s.jwt.Issue(uuid.NewString(), "a@b.com", 0, auth.KindRefresh)
	require.NoError(t, err)
	code, body = s.do(t, http.MethodPost, APIPrefix+"/auth/refresh", "", map[string]string{"refresh_token": expired})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "TOKEN_EXPIRED", body["code"])
}

func TestRouter_Profile(t *testing.T) {
	s := newTestServer(t, true)
	s.do(t, http.MethodPost, APIPrefix+"/auth/register", "", map[string]string{"email": "a@b.com", "password": "x", "full_name": "Ada"})
	access, _ := s.login(t, "a@b.com", "x")

	code, body := s.do(t, http.MethodGet, APIPrefix+"/user/profile", access, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Ada", body["full_name"])

	code, body = s.do(t, http.MethodPut, APIPrefix+"/user/profile", access, map[string]string{
		"full_name":  "Ada Lovelace",
		"bio":        "analyst",
		"avatar_url": "https://cdn.example.com/ada.png",
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "Ada Lovelace", body["full_name"])
	assert.Equal(t, "analyst", body["bio"])

	code, body = s.do(t, http.MethodGet, APIPrefix+"/user/profile", access, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Ada Lovelace", body["full_name"])
	assert.Equal(t, "a@b.com", body["email"])

	code, body = s.do(t, http.MethodPut, APIPrefix+"/user/profile", access, map[string]string{"avatar_url": "not a url"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])

	code, body = s.do(t, http.MethodGet, APIPrefix+"/auth/me", access, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Ada Lovelace", body["full_name"])
}

func TestRouter_ProtectedRoutesRequireAccessToken(t *testing.T) {
	s := newTestServer(t, true)
	s.do(t, http.MethodPost, APIPrefix+"/auth/register", "", map[string]string{"email": "a@b.com", "password": "x"})
	_, refresh := s.login(t, "a@b.com", "x")

	expired, _, err := s.jwt.Issue(uuid.NewString(), "a@b.com", 0, auth.KindAccess)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		code  string
	}{
		{"missing", "", "UNAUTHORIZED"},
		{"garbage", "garbage", "INVALID_TOKEN"},
		{"refresh token", refresh, "INVALID_TOKEN"},
		{"expired", expired, "TOKEN_EXPIRED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := s.do(t, http.MethodGet, APIPrefix+"/user/profile", tt.token, nil)
			assert.Equal(t, http.StatusUnauthorized, code)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestRouter_Logout(t *testing.T) {
	s := newTestServer(t, true)
	s.do(t, http.MethodPost, APIPrefix+"/auth/register", "", map[string]string{"email": "a@b.com", "password": "x"})
	access, refresh := s.login(t, "a@b.com", "x")

	code, body := s.do(t, http.MethodPost, APIPrefix+"/auth/logout", access, map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, code, body)

	code, body = s.do(t, http.MethodGet, APIPrefix+"/user/profile", access, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "INVALID_TOKEN", body["code"])

	code, _ = s.do(t, http.MethodPost, APIPrefix+"/auth/refresh", "", map[string]string{"refresh_token": refresh})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRouter_StatelessTokens(t *testing.T) {
	s := newTestServer(t, false)
	s.do(t, http.MethodPost, APIPrefix+"/auth/register", "", map[string]string{"email": "a@b.com", "password": "x"})
	access, refresh := s.login(t, "a@b.com", "x")

	code, _ := s.do(t, http.MethodPost, APIPrefix+"/auth/refresh", "", map[string]string{"refresh_token": refresh})
	assert.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodPost, APIPrefix+"/auth/logout", access, nil)
	assert.Equal(t, http.StatusOK, code)

	// nothing to revoke against without a token store
	code, _ = s.do(t, http.MethodGet, APIPrefix+"/user/profile", access, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t, true)

	s.dbMock.ExpectPing()
	code, body := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	s.redis.Close()
	s.dbMock.ExpectPing()
	code, body = s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", body["status"])

	s.dbMock.ExpectPing().WillReturnError(assert.AnError)
	code, body = s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestRouter_RootAndCORS(t *testing.T) {
	s := newTestServer(t, false)

	code, body := s.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["message"], "Welcome")

	req := httptest.NewRequest(http.MethodOptions, APIPrefix+"/auth/login", nil)
	req.Header.Set(echo.HeaderOrigin, "https://app.example.com")
	req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodPost)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}
