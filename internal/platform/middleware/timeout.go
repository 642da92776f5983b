package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/records/internal/platform/apperr"
)

// RequestTimeout bounds each request with a context deadline. A handler still
// running when the deadline passes has its transaction rolled back by the
// context cancellation and the caller receives ResourceUnavailable. Paths
// under any of skip are left unbounded.
func RequestTimeout(timeout time.Duration, skip ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			for _, prefix := range skip {
				if strings.HasPrefix(path, prefix) {
					return next(c)
				}
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() { done <- next(c) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return apperr.Unavailable(ctx.Err(), "request exceeded %s", timeout)
				}
				return ctx.Err()
			}
		}
	}
}
