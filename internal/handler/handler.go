package handler

import (
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"midora/internal/auth"
	"midora/internal/errors"
)

// ClaimsContextKey is where the auth middleware stores the access token claims.
const ClaimsContextKey = "user"

// MessageResponse is a plain acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}

// bindAndValidate decodes the body into req and runs struct validation.
func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, errors.ErrorResponse{
			Error: "invalid request body",
			Code:  "INVALID_BODY",
		})
	}

	if err := c.Validate(req); err != nil {
		resp := errors.ErrorResponse{
			Error: errors.ErrValidation.Error(),
			Code:  "VALIDATION_ERROR",
		}
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) {
			resp.Fields = make(map[string]string, len(verrs))
			for _, fe := range verrs {
				resp.Fields[jsonField(fe)] = fe.Tag()
			}
		}
		return echo.NewHTTPError(http.StatusBadRequest, resp)
	}
	return nil
}

// jsonField turns "RegisterRequest.full_name" into "full_name"; the
// validator reports json names once RegisterTagNameFunc is installed.
func jsonField(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

// errorResponse maps a service error to an echo error. 5xx keep the cause
// as the internal error so the request logger can record it.
func errorResponse(err error) *echo.HTTPError {
	httpErr := errors.MapErrorToHTTP(err)
	he := echo.NewHTTPError(httpErr.StatusCode, httpErr.ToErrorResponse())
	if httpErr.StatusCode >= http.StatusInternalServerError {
		he.SetInternal(err)
	}
	return he
}

func claimsFromContext(c echo.Context) (*auth.Claims, error) {
	claims, ok := c.Get(ClaimsContextKey).(*auth.Claims)
	if !ok || claims == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, errors.ErrorResponse{
			Error: errors.ErrInvalidToken.Error(),
			Code:  "INVALID_TOKEN",
		})
	}
	return claims, nil
}
