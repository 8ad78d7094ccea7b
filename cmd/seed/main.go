package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"midora/internal/auth"
	"midora/internal/config"
	"midora/internal/db"
	apperrors "midora/internal/errors"
	"midora/internal/logging"
	"midora/internal/model"
	"midora/internal/repository"
	"midora/internal/service"
)

// SeedUser is one entry of the seed file.
type SeedUser struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

func main() {
	source := flag.String("file", "seed/users.json", "path or http(s) URL of a JSON array of users")
	flag.Parse()

	cfg := config.Load()
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.Debug)
	logger.Info("starting seed script", "source", *source)

	gormDB, err := db.Open(cfg.DatabaseURL, db.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := gormDB.AutoMigrate(&model.User{}); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	users, err := loadUsers(*source)
	if err != nil {
		logger.Error("failed to load users", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded users", "count", len(users))

	jwtService, err := auth.NewJWTService(cfg.JWTSecret, cfg.JWTAlgorithm)
	if err != nil {
		logger.Error("jwt init", "error", err)
		os.Exit(1)
	}
	authService := service.NewAuthService(
		repository.NewUserRepository(gormDB),
		auth.NewBcryptHasher(cfg.BcryptCost),
		jwtService,
		nil,
		service.TokenLifetimes{Access: cfg.AccessTokenExpiry, Refresh: cfg.RefreshTokenExpiry},
		logger,
	)

	created, existing, err := seedUsers(context.Background(), authService, users, logger)
	if err != nil {
		logger.Error("failed to seed users", "error", err)
		os.Exit(1)
	}

	logger.Info("seed completed", "created", created, "already_registered", existing, "total", created+existing)
}

// loadUsers reads the seed list from a local file or an http(s) URL.
func loadUsers(source string) ([]SeedUser, error) {
	var r io.ReadCloser
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		resp, err := http.Get(source)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch seed file: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("seed source returned status code: %d", resp.StatusCode)
		}
		r = resp.Body
	} else {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("failed to open seed file: %w", err)
		}
		r = f
	}
	defer r.Close()

	return decodeUsers(r)
}

func decodeUsers(r io.Reader) ([]SeedUser, error) {
	var users []SeedUser
	if err := json.NewDecoder(r).Decode(&users); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return users, nil
}

// seedUsers registers every user. Emails that are already taken are counted,
// not treated as failures, so the script can be re-run.
func seedUsers(ctx context.Context, svc service.AuthService, users []SeedUser, logger *slog.Logger) (created int, existing int, err error) {
	for _, u := range users {
		if u.Email == "" || u.Password == "" {
			logger.Warn("skipping user without email or password", "email", u.Email)
			continue
		}
		_, err := svc.Register(ctx, u.Email, u.Password, u.FullName)
		switch {
		case err == nil:
			created++
		case errors.Is(err, apperrors.ErrDuplicateEmail):
			existing++
		default:
			return created, existing, fmt.Errorf("error registering %s: %w", u.Email, err)
		}
	}
	return created, existing, nil
}
