package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/concrnt/socialnode/types"
)

// Binder is echo's default binder, except that bodies without a JSON content
// type are still decoded as JSON and decode failures become validation errors.
type Binder struct {
	echo.DefaultBinder
}

func (b *Binder) Bind(i interface{}, c echo.Context) error {
	if err := b.BindPathParams(c, i); err != nil {
		return err
	}
	req := c.Request()
	if req.Method == http.MethodGet || req.Method == http.MethodDelete || req.Method == http.MethodHead {
		return b.BindQueryParams(c, i)
	}
	if req.ContentLength == 0 {
		return nil
	}

	ctype := req.Header.Get(echo.HeaderContentType)
	if ctype != "" && !strings.Contains(ctype, "json") {
		return b.BindBody(c, i)
	}
	if err := json.NewDecoder(req.Body).Decode(i); err != nil {
		return types.NewValidationError("body", err.Error())
	}
	return nil
}
