package patient

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/records/internal/platform/apperr"
	"github.com/ehr/records/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/patients", auth.RequireCapability(auth.CapReadClinical))
	read.GET("/:id", h.GetPatient)

	write := api.Group("/patients", auth.RequireCapability(auth.CapRegisterPatient))
	write.POST("", h.RegisterPatient)
	write.PUT("/:id", h.UpdatePatient)
	write.DELETE("/:id", h.DeletePatient)
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid patient id %q", c.Param("id"))
	}
	return id, nil
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	chart, err := h.svc.Register(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, chart)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	chart, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, chart)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	p, err := h.svc.Update(c.Request().Context(), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// DeletePatient soft-deletes unless ?hard=true.
func (h *Handler) DeletePatient(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	hard := false
	if v := c.QueryParam("hard"); v != "" {
		if hard, err = strconv.ParseBool(v); err != nil {
			return apperr.Validation("invalid hard flag %q", v)
		}
	}
	if err := h.svc.Delete(c.Request().Context(), id, hard); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
