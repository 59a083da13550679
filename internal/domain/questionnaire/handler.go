package questionnaire

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hrq/hrq/internal/domain/riskscore"
	"github.com/hrq/hrq/internal/platform/auth"
	"github.com/hrq/hrq/pkg/pagination"
)

// ClinicianReportRoute is the only route whose responses may carry answers.
const ClinicianReportRoute = "/api/v1/clinician/questionnaire-responses/:id/report"

type Handler struct {
	svc    *Service
	family string
}

func NewHandler(svc *Service, family string) *Handler {
	return &Handler{svc: svc, family: family}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	patient := api.Group("/health-questionnaires", auth.RequireRole(auth.RolePatient))
	patient.GET("/templates", h.ListTemplates)
	patient.GET("/templates/active", h.GetActiveTemplate)
	patient.POST("/templates/:id/visibility", h.ComputeVisibility)
	patient.PUT("/templates/:id/draft", h.SaveDraft)
	patient.GET("/templates/:id/draft", h.GetDraft)
	patient.POST("/templates/:id/submit", h.Submit)
	patient.GET("/responses", h.ListResponses)
	patient.GET("/responses/:id", h.GetResponse)
	patient.GET("/responses/:id/export", h.Export)

	clinician := api.Group("/clinician", auth.RequireRole(auth.RolePhysician))
	clinician.GET("/questionnaire-responses/:id/report", h.ClinicianReport)
}

type answersRequest struct {
	Answers riskscore.Answers `json:"answers"`
}

// ListTemplates lists published versions of the handler's family, or of the
// family named by the query.
func (h *Handler) ListTemplates(c echo.Context) error {
	family := c.QueryParam("family")
	if family == "" {
		family = h.family
	}
	items, err := h.svc.ListTemplates(c.Request().Context(), family)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"templates": items})
}

func (h *Handler) GetActiveTemplate(c echo.Context) error {
	var version *int
	if v := c.QueryParam("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
		}
		version = &n
	}
	tmpl, err := h.svc.GetActiveSchema(c.Request().Context(), h.family, version)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tmpl)
}

func (h *Handler) ComputeVisibility(c echo.Context) error {
	id, req, err := bindAnswers(c)
	if err != nil {
		return err
	}
	sections, err := h.svc.Visibility(c.Request().Context(), id, req.Answers)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"sections": sections})
}

func (h *Handler) SaveDraft(c echo.Context) error {
	id, req, err := bindAnswers(c)
	if err != nil {
		return err
	}
	meta, err := h.svc.SaveDraft(c.Request().Context(), actorFrom(c), id, req.Answers)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, meta)
}

func (h *Handler) GetDraft(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	meta, err := h.svc.GetDraft(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, meta)
}

func (h *Handler) Submit(c echo.Context) error {
	id, req, err := bindAnswers(c)
	if err != nil {
		return err
	}
	meta, err := h.svc.SubmitQuestionnaire(c.Request().Context(), actorFrom(c), id, req.Answers)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, meta)
}

func (h *Handler) ListResponses(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListResponses(c.Request().Context(), actorFrom(c), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.FromRequest(c, items, total, pg))
}

func (h *Handler) GetResponse(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	meta, err := h.svc.GetResponse(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, meta)
}

func (h *Handler) Export(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	payload, err := h.svc.Export(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, payload)
}

func (h *Handler) ClinicianReport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	view, err := h.svc.ClinicianReport(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func bindAnswers(c echo.Context) (uuid.UUID, answersRequest, error) {
	var req answersRequest
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return id, req, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := c.Bind(&req); err != nil {
		return id, req, echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Answers == nil {
		return id, req, echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]string{
			"error": "answers is required",
			"field": "answers",
		})
	}
	return id, req, nil
}

func actorFrom(c echo.Context) Actor {
	return Actor{
		ID:        auth.UserIDFromContext(c.Request().Context()),
		IPAddress: c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	}
}

var failureMessages = map[string]string{
	"save_draft": "could not save draft",
	"submit":     "could not submit questionnaire",
}

// httpError maps service errors to HTTP errors. Internal failures are
// reported with a generic message and the correlation id only.
func httpError(err error) error {
	var vErr *ValidationError
	var pErr *PersistenceError
	switch {
	case errors.As(err, &vErr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]string{
			"error": vErr.Reason,
			"field": vErr.Field,
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &pErr):
		return echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
			"error":          failureMessages[pErr.Op],
			"correlation_id": pErr.CorrelationID.String(),
		}).SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
