package visit

import (
	"encoding/json"
	"io"
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
	g := api.Group("/visits", auth.RequireCapability(auth.CapReadClinical))
	g.POST("", h.CreateVisit)
	g.GET("/:id", h.GetVisit)
	g.GET("/:id/actions", h.GetActions)
	g.PUT("/:id", h.UpdateVisit)
	g.POST("/:id/close", h.CloseVisit)
	g.POST("/:id/reopen", h.ReopenVisit)
	g.POST("/:id/records/:kind", h.AddRecord)
	g.DELETE("/:id", h.DeleteVisit)
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid visit id %q", c.Param("id"))
	}
	return id, nil
}

type visitResponse struct {
	*Visit
	Records []*ChildRecord `json:"records"`
}

func (h *Handler) CreateVisit(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	v, err := h.svc.Register(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) GetVisit(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	v, records, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if records == nil {
		records = []*ChildRecord{}
	}
	return c.JSON(http.StatusOK, visitResponse{Visit: v, Records: records})
}

func (h *Handler) GetActions(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	decisions, err := h.svc.Actions(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"visit_id": id, "actions": decisions})
}

func (h *Handler) UpdateVisit(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	v, err := h.svc.Update(c.Request().Context(), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) CloseVisit(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Close(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) ReopenVisit(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Reopen(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

// AddRecord stores the raw request body as the record payload.
func (h *Handler) AddRecord(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return apperr.Validation("read request body: %v", err)
	}
	rec, err := h.svc.AddRecord(c.Request().Context(), id, RecordKind(c.Param("kind")), json.RawMessage(body))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) DeleteVisit(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
