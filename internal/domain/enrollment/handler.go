package enrollment

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/tracking/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	write := api.Group("", auth.RequireRole(auth.RoleTrackingWriter))
	write.POST("/enrollments/events", h.PublishEvents)
}

type publishRequest struct {
	EnrollmentIDs []string `json:"enrollment_ids"`
}

type publishResponse struct {
	Published int             `json:"published"`
	Failed    int             `json:"failed"`
	Results   []PublishResult `json:"results"`
}

func (h *Handler) PublishEvents(c echo.Context) error {
	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	results, err := h.svc.Publish(c.Request().Context(), req.EnrollmentIDs)
	switch {
	case errors.Is(err, ErrNoEnrollments):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrTooMany):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := publishResponse{Results: results}
	for _, r := range results {
		if r.Published {
			resp.Published++
		} else {
			resp.Failed++
		}
	}
	return c.JSON(http.StatusOK, resp)
}
