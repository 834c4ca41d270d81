package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/concrnt/socialnode/types"
)

// StatusOf maps the error taxonomy onto HTTP statuses.
func StatusOf(err error) int {
	if _, ok := types.AsValidationError(err); ok {
		return http.StatusBadRequest
	}
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// RespondError writes err as {"error": ..., "fields": ...}.
func RespondError(c echo.Context, err error) error {
	status := StatusOf(err)
	if verr, ok := types.AsValidationError(err); ok {
		return c.JSON(status, echo.Map{"error": "invalid envelope", "fields": verr.Fields})
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Msg("internal error")
		return c.JSON(status, echo.Map{"error": "internal server error"})
	}
	return c.JSON(status, echo.Map{"error": err.Error()})
}
