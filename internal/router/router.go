package router

import (
	stderrors "errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	echoSwagger "github.com/swaggo/echo-swagger"

	"midora/internal/config"
	"midora/internal/errors"
	"midora/internal/handler"
	"midora/internal/logging"
	"midora/internal/service"
)

// APIPrefix is the versioned base path of the JSON API.
const APIPrefix = "/api/v1"

// Handlers bundles the HTTP handlers the router mounts.
type Handlers struct {
	Auth   *handler.AuthHandler
	User   *handler.UserHandler
	Health *handler.HealthHandler
}

// Register wires routes and middleware.
func Register(
	e *echo.Echo,
	cfg *config.Config,
	logger *slog.Logger,
	authService service.AuthService,
	h Handlers,
) {
	e.Use(middleware.RequestID())
	e.Use(logging.RequestLogger(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.CORSWithConfig(corsConfig(cfg.CORSOrigins)))

	e.Validator = NewValidator()

	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, handler.MessageResponse{Message: "Welcome to Midora.ai API"})
	})
	e.GET("/healthz", h.Health.Health)
	e.GET("/swagger/*", echoSwagger.WrapHandler)

	requireAuth := RequireAuth(authService)

	api := e.Group(APIPrefix)

	// Public routes
	api.POST("/auth/register", h.Auth.Register)
	api.POST("/auth/login", h.Auth.Login)
	api.POST("/auth/refresh", h.Auth.Refresh)

	// Secured routes (require a valid, unrevoked access token)
	api.POST("/auth/logout", h.Auth.Logout, requireAuth)
	api.GET("/auth/me", h.Auth.Me, requireAuth)
	api.GET("/user/profile", h.User.GetProfile, requireAuth)
	api.PUT("/user/profile", h.User.UpdateProfile, requireAuth)
}

// RequireAuth validates the bearer access token and stores its claims under
// handler.ClaimsContextKey.
func RequireAuth(authService service.AuthService) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		ContextKey:  handler.ClaimsContextKey,
		TokenLookup: "header:" + echo.HeaderAuthorization + ":Bearer ",
		ParseTokenFunc: func(c echo.Context, token string) (interface{}, error) {
			return authService.Authenticate(c.Request().Context(), token)
		},
		ErrorHandler: func(c echo.Context, err error) error {
			switch {
			case stderrors.Is(err, errors.ErrTokenExpired),
				stderrors.Is(err, errors.ErrTokenMalformed),
				stderrors.Is(err, errors.ErrInvalidToken):
				httpErr := errors.MapErrorToHTTP(err)
				return echo.NewHTTPError(httpErr.StatusCode, httpErr.ToErrorResponse())
			default:
				return echo.NewHTTPError(http.StatusUnauthorized, errors.ErrorResponse{
					Error: "missing or malformed authorization header",
					Code:  "UNAUTHORIZED",
				})
			}
		},
	})
}

func corsConfig(origins []string) middleware.CORSConfig {
	wildcard := false
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
	}
	return middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowCredentials: !wildcard,
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
		},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
	}
}

// CustomValidator wraps validator for Echo.
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator returns a validator that reports fields by their json names.
func NewValidator() *CustomValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &CustomValidator{validator: v}
}

// Validate implements echo.Validator interface.
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}
