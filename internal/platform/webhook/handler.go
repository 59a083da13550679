package webhook

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrq/hrq/pkg/pagination"
)

// Handler is the admin API over a Manager.
type Handler struct {
	m *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{m: m}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.PATCH("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/ping", h.Ping)
	g.GET("/:id/deliveries", h.Deliveries)
	g.POST("/deliveries/:id/retry", h.Retry)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNothingToRetry):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "webhook operation failed")
	}
}

// created is the only response carrying the secret.
type created struct {
	*Endpoint
	Secret string `json:"secret"`
}

func (h *Handler) Create(c echo.Context) error {
	var r Registration
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	ep, err := h.m.Register(c.Request().Context(), r)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, created{Endpoint: ep, Secret: ep.Secret})
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	eps, total, err := h.m.Endpoints(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.FromRequest(c, eps, total, pg))
}

func (h *Handler) Get(c echo.Context) error {
	ep, err := h.m.Endpoint(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) Update(c echo.Context) error {
	var ch Changes
	if err := c.Bind(&ch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	ep, err := h.m.Update(c.Request().Context(), c.Param("id"), ch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.m.Remove(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Ping(c echo.Context) error {
	d, err := h.m.Ping(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Deliveries(c echo.Context) error {
	pg := pagination.FromContext(c)
	ds, total, err := h.m.Deliveries(c.Request().Context(), c.Param("id"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.FromRequest(c, ds, total, pg))
}

func (h *Handler) Retry(c echo.Context) error {
	d, err := h.m.Retry(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}
