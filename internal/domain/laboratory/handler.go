package laboratory

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/lab/internal/platform/auth"
	"github.com/ehr/lab/internal/platform/db"
	"github.com/ehr/lab/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, lab_tech, pathologist, physician
	readGroup := api.Group("", auth.RequireRole("admin", "lab_tech", "pathologist", "physician"))
	readGroup.GET("/results/:id", h.GetResultUnit)
	readGroup.GET("/worklist", h.GetWorklist)
	readGroup.GET("/worklist/stats", h.GetWorklistStats)

	// Entry endpoints – admin, lab_tech, pathologist
	writeGroup := api.Group("", auth.RequireRole("admin", "lab_tech", "pathologist"))
	writeGroup.PUT("/results/:id", h.EnterResult)
	writeGroup.POST("/results/batch", h.BatchEnterResults)

	// Sign-off endpoints – admin, pathologist
	verifyGroup := api.Group("", auth.RequireRole("admin", "pathologist"))
	verifyGroup.POST("/results/verify", h.VerifyMultiple)
	verifyGroup.POST("/results/:id/verify", h.VerifyResult)
	verifyGroup.POST("/results/:id/reject", h.RejectResult)
}

// rolePrecedence picks the acting role when a token carries several.
var rolePrecedence = []string{"admin", "pathologist", "lab_tech", "physician"}

func actorFromContext(c echo.Context) Actor {
	ctx := c.Request().Context()
	p := auth.PrincipalFromContext(ctx)
	a := Actor{
		UserID:               p.UserID,
		TenantID:             db.TenantFromContext(ctx),
		IsImpersonation:      p.ImpersonatedBy != "",
		ImpersonatingAdminID: p.ImpersonatedBy,
	}
	for _, want := range rolePrecedence {
		if p.HasRole(want) {
			a.Role = want
			break
		}
	}
	return a
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// errorResponse maps service errors onto HTTP statuses.
func errorResponse(c echo.Context, err error) error {
	var re *ResultError
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &re) && errors.Is(err, ErrValidation):
		body := map[string]any{"error": re.Message}
		if len(re.Allowed) > 0 {
			body["allowed"] = re.Allowed
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity, body)
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrStateConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		c.Logger().Error(err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) GetResultUnit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	view, err := h.svc.GetResultUnit(c.Request().Context(), id, actorFromContext(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) EnterResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var p ResultPayload
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	u, err := h.svc.EnterResult(c.Request().Context(), id, actorFromContext(c), p)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) VerifyResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	u, err := h.svc.VerifyResult(c.Request().Context(), id, actorFromContext(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, u)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RejectResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "reason is required")
	}
	u, err := h.svc.RejectResult(c.Request().Context(), id, actorFromContext(c), req.Reason)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, u)
}

type verifyMultipleRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

func (h *Handler) VerifyMultiple(c echo.Context) error {
	var req verifyMultipleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.IDs) == 0 {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "ids are required")
	}
	res, err := h.svc.VerifyMultiple(c.Request().Context(), req.IDs, actorFromContext(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type batchRequest struct {
	Updates []BatchUpdate `json:"updates"`
	Strict  bool          `json:"strict"`
}

func (h *Handler) BatchEnterResults(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if s := c.QueryParam("strict"); s != "" {
		strict, err := strconv.ParseBool(s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid strict flag")
		}
		req.Strict = strict
	}
	res, err := h.svc.BatchEnterResults(c.Request().Context(), actorFromContext(c), req.Updates, req.Strict)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetWorklist(c echo.Context) error {
	f := WorklistFilter{
		Search: c.QueryParam("search"),
		Date:   c.QueryParam("date"),
		Page:   pagination.FromContext(c),
	}
	for _, raw := range c.QueryParams()["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, ResultStatus(s))
			}
		}
	}
	if d := c.QueryParam("department_id"); d != "" {
		id, err := uuid.Parse(d)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid department_id")
		}
		f.DepartmentID = &id
	}

	orders, total, err := h.svc.GetWorklist(c.Request().Context(), actorFromContext(c), f)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orders, total, f.Page))
}

func (h *Handler) GetWorklistStats(c echo.Context) error {
	stats, err := h.svc.GetWorklistStats(c.Request().Context(), actorFromContext(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}
