package auth

import (
	"github.com/labstack/echo/v4"

	"github.com/ehr/records/internal/platform/apperr"
)

// Capability is a named check over an actor.
type Capability struct {
	Name  string
	Allow func(Actor) bool
}

var (
	CapViewAudit       = Capability{Name: "view audit trail", Allow: isAdmin}
	CapManageStaff     = Capability{Name: "manage staff", Allow: isAdmin}
	CapHardDelete      = Capability{Name: "hard delete records", Allow: isAdmin}
	CapRegisterPatient = Capability{Name: "register patients", Allow: canRegister}
	CapDeactivate      = Capability{Name: "deactivate records", Allow: canDeactivate}
	CapReadClinical    = Capability{Name: "read clinical records", Allow: isKnown}
)

func isAdmin(a Actor) bool { return a.Role.IsAdmin() }

func isKnown(a Actor) bool { return a.Role.Valid() }

func canRegister(a Actor) bool {
	return a.Role.IsAdmin() || a.Role.IsFrontDesk() || a.Role.IsClinical()
}

func canDeactivate(a Actor) bool {
	return a.Role.IsAdmin() || a.Role.IsFrontDesk()
}

// RequireCapability returns middleware that rejects actors lacking cap with
// an authorization-denied error.
func RequireCapability(cap Capability) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor, err := MustActor(c.Request().Context())
			if err != nil {
				return err
			}
			if !cap.Allow(actor) {
				return apperr.Denied("role " + actor.Role.String() + " may not " + cap.Name)
			}
			return next(c)
		}
	}
}
