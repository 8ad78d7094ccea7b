package handler

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"midora/internal/errors"
	"midora/internal/model"
	"midora/internal/service"
)

// UserHandler serves the authenticated user's profile.
type UserHandler struct {
	svc service.UserService
}

// NewUserHandler creates a handler layer.
func NewUserHandler(svc service.UserService) *UserHandler {
	return &UserHandler{svc: svc}
}

// UpdateProfileRequest is a partial profile update. Omitted fields are left
// unchanged; an empty string clears the field.
type UpdateProfileRequest struct {
	FullName  *string `json:"full_name" validate:"omitempty,max=255"`
	Bio       *string `json:"bio" validate:"omitempty,max=1024"`
	AvatarURL *string `json:"avatar_url" validate:"omitempty,url,max=512"`
	Phone     *string `json:"phone" validate:"omitempty,max=32"`
}

func (r UpdateProfileRequest) toUpdate() model.ProfileUpdate {
	trim := func(s *string) *string {
		if s == nil {
			return nil
		}
		v := strings.TrimSpace(*s)
		return &v
	}
	return model.ProfileUpdate{
		FullName:  trim(r.FullName),
		Bio:       trim(r.Bio),
		AvatarURL: trim(r.AvatarURL),
		Phone:     trim(r.Phone),
	}
}

// GetProfile godoc
// @Summary Get user profile
// @Tags users
// @Produce json
// @Security BearerAuth
// @Success 200 {object} model.UserResponse
// @Failure 401 {object} errors.ErrorResponse
// @Failure 404 {object} errors.ErrorResponse
// @Router /user/profile [get]
func (h *UserHandler) GetProfile(c echo.Context) error {
	user, err := currentUser(c, h.svc)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, user.ToResponse())
}

// UpdateProfile godoc
// @Summary Update user profile
// @Tags users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body UpdateProfileRequest true "Profile fields"
// @Success 200 {object} model.UserResponse
// @Failure 400 {object} errors.ErrorResponse
// @Failure 401 {object} errors.ErrorResponse
// @Failure 404 {object} errors.ErrorResponse
// @Router /user/profile [put]
func (h *UserHandler) UpdateProfile(c echo.Context) error {
	id, err := subjectID(c)
	if err != nil {
		return err
	}

	var req UpdateProfileRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	user, err := h.svc.UpdateProfile(c.Request().Context(), id, req.toUpdate())
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, user.ToResponse())
}

func subjectID(c echo.Context) (uuid.UUID, error) {
	claims, err := claimsFromContext(c)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, errorResponse(errors.ErrTokenMalformed)
	}
	return id, nil
}

func currentUser(c echo.Context, svc service.UserService) (*model.User, error) {
	id, err := subjectID(c)
	if err != nil {
		return nil, err
	}
	user, err := svc.GetProfile(c.Request().Context(), id)
	if err != nil {
		return nil, errorResponse(err)
	}
	return user, nil
}
