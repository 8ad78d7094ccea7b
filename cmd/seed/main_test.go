package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "midora/internal/errors"
	"midora/internal/model"
	"midora/internal/service"
)

type fakeAuthService struct {
	service.AuthService
	registered map[string]bool
	failOn     string
}

func (f *fakeAuthService) Register(_ context.Context, email, _, _ string) (*model.User, error) {
	if email == f.failOn {
		return nil, errors.New("db down")
	}
	email = service.NormalizeEmail(email)
	if f.registered[email] {
		return nil, apperrors.ErrDuplicateEmail
	}
	f.registered[email] = true
	return &model.User{Email: email}, nil
}

func TestDecodeUsers(t *testing.T) {
	users, err := decodeUsers(strings.NewReader(`[{"email":"a@b.com","password":"x","full_name":"Ada"}]`))
	require.NoError(t, err)
	assert.Equal(t, []SeedUser{{Email: "a@b.com", Password: "x", FullName: "Ada"}}, users)

	_, err = decodeUsers(strings.NewReader(`{`))
	assert.Error(t, err)
}

func TestSeedUsers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := &fakeAuthService{registered: map[string]bool{"old@b.com": true}}

	created, existing, err := seedUsers(context.Background(), svc, []SeedUser{
		{Email: "a@b.com", Password: "x"},
		{Email: "OLD@b.com", Password: "x"},
		{Email: "", Password: "x"},
		{Email: "a@b.com", Password: "y"},
	}, logger)

	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, 2, existing)
}

func TestSeedUsers_StopsOnStoreError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := &fakeAuthService{registered: map[string]bool{}, failOn: "b@b.com"}

	created, _, err := seedUsers(context.Background(), svc, []SeedUser{
		{Email: "a@b.com", Password: "x"},
		{Email: "b@b.com", Password: "x"},
	}, logger)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "b@b.com")
	assert.Equal(t, 1, created)
}
