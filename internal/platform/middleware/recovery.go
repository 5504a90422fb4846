package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/platform/auth"
)

// PanicError carries a panic raised on another goroutine back to Recovery.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func capturePanic(r interface{}) *PanicError {
	var stack [4096]byte
	n := runtime.Stack(stack[:], false)
	return &PanicError{Value: r, Stack: stack[:n]}
}

// Recovery turns a panic in a handler, or a PanicError returned by
// RequestTimeout, into a logged 500.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = recovered(logger, c, capturePanic(r))
				}
			}()
			err = next(c)
			var pe *PanicError
			if errors.As(err, &pe) {
				err = recovered(logger, c, pe)
			}
			return err
		}
	}
}

func recovered(logger zerolog.Logger, c echo.Context, pe *PanicError) error {
	logger.Error().
		Str("request_id", fmt.Sprintf("%v", c.Get("request_id"))).
		Str("actor", auth.ActorIDFromContext(c.Request().Context())).
		Str("method", c.Request().Method).
		Str("path", c.Path()).
		Str("panic", fmt.Sprintf("%v", pe.Value)).
		Str("stack", string(pe.Stack)).
		Msg("panic recovered")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
