package audit

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/records/internal/platform/apperr"
	"github.com/ehr/records/internal/platform/auth"
	"github.com/ehr/records/pkg/pagination"
)

// Handler exposes the query engine over HTTP.
type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/audit", auth.RequireCapability(auth.CapViewAudit))
	g.GET("/logs", h.ListLogs)
	g.GET("/logs/:id", h.GetLog)
	g.GET("/actors/:id/logs", h.ActorLogs)
	g.GET("/patients/:id/logs", h.PatientLogs)
	g.GET("/hospital/logs", h.HospitalLogs)
	g.GET("/statistics", h.Statistics)
	g.GET("/export/csv", h.ExportCSV)
	g.GET("/export/json", h.ExportJSON)
}

// request parses the caller, filter and page shared by every audit route.
// The filter is already narrowed to the caller's scope.
func (h *Handler) request(c echo.Context) (auth.Actor, Filter, pagination.Params, error) {
	ctx := c.Request().Context()
	actor, err := auth.MustActor(ctx)
	if err != nil {
		return auth.Actor{}, Filter{}, pagination.Params{}, err
	}
	f, err := ParseFilter(c.QueryParams())
	if err != nil {
		return auth.Actor{}, Filter{}, pagination.Params{}, err
	}
	p, err := pagination.FromContext(c)
	if err != nil {
		return auth.Actor{}, Filter{}, pagination.Params{}, apperr.Validation("%v", err)
	}
	f, err = h.engine.Scope(ctx, actor, f)
	if err != nil {
		return auth.Actor{}, Filter{}, pagination.Params{}, err
	}
	return actor, f, p, nil
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid id %q", c.Param("id"))
	}
	return id, nil
}

func (h *Handler) ListLogs(c echo.Context) error {
	_, f, p, err := h.request(c)
	if err != nil {
		return err
	}
	page, err := h.engine.List(c.Request().Context(), f, p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

// entryDetail is an entry together with its reconstructed change set.
type entryDetail struct {
	*Entry
	Changes *Change `json:"changes"`
}

func (h *Handler) GetLog(c echo.Context) error {
	ctx := c.Request().Context()
	actor, err := auth.MustActor(ctx)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	entry, err := h.engine.Get(ctx, actor, id)
	if err != nil {
		return err
	}
	detail := entryDetail{Entry: entry}
	if ch, err := Diff(entry.OldValues, entry.NewValues); err == nil {
		detail.Changes = ch
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) ActorLogs(c echo.Context) error {
	_, f, p, err := h.request(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	page, err := h.engine.ByActor(c.Request().Context(), id, f, p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (h *Handler) PatientLogs(c echo.Context) error {
	_, f, p, err := h.request(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	page, err := h.engine.ByPatient(c.Request().Context(), id, f, p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (h *Handler) HospitalLogs(c echo.Context) error {
	actor, f, p, err := h.request(c)
	if err != nil {
		return err
	}
	page, err := h.engine.ForActorHospital(c.Request().Context(), actor, f, p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (h *Handler) Statistics(c echo.Context) error {
	_, f, _, err := h.request(c)
	if err != nil {
		return err
	}
	stats, err := h.engine.Statistics(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) ExportCSV(c echo.Context) error {
	return h.export(c, "text/csv", "csv", WriteCSV)
}

func (h *Handler) ExportJSON(c echo.Context) error {
	return h.export(c, echo.MIMEApplicationJSON, "json", WriteJSON)
}

func (h *Handler) export(c echo.Context, contentType, ext string, write func(w io.Writer, entries []*Entry) error) error {
	_, f, _, err := h.request(c)
	if err != nil {
		return err
	}
	entries, err := h.engine.Export(c.Request().Context(), f)
	if err != nil {
		return err
	}

	c.Response().Header().Set(echo.HeaderContentType, contentType)
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=\"audit_export_%s.%s\"", time.Now().UTC().Format("20060102_150405"), ext))
	c.Response().WriteHeader(http.StatusOK)
	return write(c.Response(), entries)
}
