package pagination

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ParamError reports a pagination query parameter that is not an integer.
type ParamError struct {
	Name  string
	Value string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s must be an integer, got %q", e.Name, e.Value)
}

// Params holds 1-indexed pagination parameters extracted from a request.
type Params struct {
	Page     int
	PageSize int
}

// New normalizes page and pageSize. Out-of-range values fall back to the
// first page and the default size.
func New(page, pageSize int) Params {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return Params{Page: page, PageSize: pageSize}
}

// FromContext extracts page and page_size from the echo context. Values
// that are present but not integers are rejected.
func FromContext(c echo.Context) (Params, error) {
	page, err := intParam(c, "page")
	if err != nil {
		return Params{}, err
	}
	size, err := intParam(c, "page_size")
	if err != nil {
		return Params{}, err
	}
	return New(page, size), nil
}

func intParam(c echo.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ParamError{Name: name, Value: raw}
	}
	return n, nil
}

// Offset returns the number of rows skipped before the current page.
func (p Params) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Meta is the pagination block returned next to the rows of a page.
type Meta struct {
	Page         int  `json:"page"`
	PageSize     int  `json:"page_size"`
	TotalRecords int  `json:"total_records"`
	TotalPages   int  `json:"total_pages"`
	HasNext      bool `json:"has_next"`
	HasPrev      bool `json:"has_prev"`
}

// NewMeta computes the envelope for total matching rows.
func (p Params) NewMeta(total int) Meta {
	pages := 0
	if total > 0 {
		pages = (total + p.PageSize - 1) / p.PageSize
	}
	return Meta{
		Page:         p.Page,
		PageSize:     p.PageSize,
		TotalRecords: total,
		TotalPages:   pages,
		HasNext:      p.Page < pages,
		HasPrev:      p.Page > 1,
	}
}

// Response wraps a paginated API response.
type Response struct {
	Data       interface{} `json:"data"`
	Pagination Meta        `json:"pagination"`
}

func NewResponse(data interface{}, meta Meta) *Response {
	return &Response{Data: data, Pagination: meta}
}
