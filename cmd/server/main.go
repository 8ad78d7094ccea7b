package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"midora/docs"

	"github.com/labstack/echo/v4"

	"midora/internal/auth"
	"midora/internal/cache"
	"midora/internal/config"
	"midora/internal/db"
	"midora/internal/handler"
	"midora/internal/logging"
	"midora/internal/model"
	"midora/internal/repository"
	"midora/internal/router"
	"midora/internal/service"
)

// @title Midora.ai API
// @version 1.0
// @description Account registration, login and JWT token refresh for Midora.ai.
// @host localhost:8080
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.
func main() {
	cfg := config.Load()

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.Debug)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	gormDB, err := db.Open(cfg.DatabaseURL, db.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		logger.Error("database init", "error", err)
		os.Exit(1)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		logger.Error("database handle", "error", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	if cfg.ResetDB {
		logger.Warn("RESET_DB=true detected, dropping users table")
		if err := gormDB.Migrator().DropTable(&model.User{}); err != nil {
			logger.Warn("drop table failed (may not exist)", "error", err)
		}
	}

	if err := gormDB.AutoMigrate(&model.User{}); err != nil {
		logger.Error("auto-migrate", "error", err)
		os.Exit(1)
	}

	// Redis is optional. Without it refresh still issues a new pair, but old
	// refresh tokens cannot be revoked and logout does not revoke anything.
	var (
		cacheClient *cache.Client
		tokenStore  auth.TokenStoreInterface
	)
	if cfg.RedisURL != "" {
		cacheClient, err = cache.New(cfg.RedisURL)
		if err != nil {
			logger.Error("redis init", "error", err)
			os.Exit(1)
		}
		defer cacheClient.Close()
		tokenStore = auth.NewTokenStore(cacheClient)
	} else {
		logger.Warn("REDIS_URL not set, token revocation disabled")
	}

	userRepo := repository.NewUserRepository(gormDB)

	jwtService, err := auth.NewJWTService(cfg.JWTSecret, cfg.JWTAlgorithm)
	if err != nil {
		logger.Error("jwt init", "error", err)
		os.Exit(1)
	}

	authService := service.NewAuthService(
		userRepo,
		auth.NewBcryptHasher(cfg.BcryptCost),
		jwtService,
		tokenStore,
		service.TokenLifetimes{Access: cfg.AccessTokenExpiry, Refresh: cfg.RefreshTokenExpiry},
		logger,
	)
	userService := service.NewUserService(userRepo, cacheClient)

	e := echo.New()
	e.HideBanner = true
	e.Debug = cfg.Debug

	router.Register(e, cfg, logger, authService, router.Handlers{
		Auth:   handler.NewAuthHandler(authService, userService),
		User:   handler.NewUserHandler(userService),
		Health: handler.NewHealthHandler(sqlDB, cacheClient),
	})

	logger.Info("swagger documentation available", "url", configureSwagger(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		addr := ":" + cfg.ServerPort
		logger.Info("server starting", "addr", addr, "environment", cfg.Environment)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server start", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	logger.Info("server stopped")
}

// configureSwagger points the served document at SWAGGER_HOST (or the
// local port) and returns the UI URL.
func configureSwagger(cfg *config.Config) string {
	scheme, host := "http", cfg.SwaggerHost
	switch {
	case strings.HasPrefix(host, "https://"):
		scheme, host = "https", strings.TrimPrefix(host, "https://")
	case strings.HasPrefix(host, "http://"):
		host = strings.TrimPrefix(host, "http://")
	}
	host = strings.TrimSuffix(host, "/")
	if host == "" {
		host = "localhost:" + cfg.ServerPort
	}

	docs.SwaggerInfo.Host = host
	docs.SwaggerInfo.Schemes = []string{scheme}
	return scheme + "://" + host + "/swagger/index.html"
}
