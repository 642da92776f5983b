package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/ehr/records/internal/platform/audit"
)

// Provenance records the method, endpoint and client address of the request
// on its context so every audit entry the request produces carries them.
func Provenance() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			p := audit.Provenance{
				Method:   req.Method,
				Endpoint: req.URL.Path,
				IP:       c.RealIP(),
			}
			c.SetRequest(req.WithContext(audit.WithProvenance(req.Context(), p)))
			return next(c)
		}
	}
}
