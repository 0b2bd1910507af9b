package tracking

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/tracking/internal/platform/auth"
	"github.com/ehr/tracking/pkg/pagination"
)

// maxBatchEvents bounds a synchronous batch submitted over HTTP.
const maxBatchEvents = 200

type Handler struct {
	svc  *Service
	repo TrackingRepository
}

func NewHandler(svc *Service, repo TrackingRepository) *Handler {
	return &Handler{svc: svc, repo: repo}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleTrackingReader, auth.RoleTrackingWriter))
	read.GET("/tracking/enrollments/:enrollmentId/records", h.ListRecords)

	write := api.Group("", auth.RequireRole(auth.RoleTrackingWriter))
	write.POST("/tracking/batches", h.SubmitBatch)
}

type batchRequest struct {
	Events []Event `json:"events"`
}

type batchResponse struct {
	BatchID string `json:"batch_id"`
	Events  int    `json:"events"`
	Status  string `json:"status"`
}

// SubmitBatch processes a batch synchronously. Processing failures are only
// logged, so the response never reports them.
func (h *Handler) SubmitBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Events) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "events are required")
	}
	if len(req.Events) > maxBatchEvents {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "too many events in batch")
	}
	res := h.svc.ProcessBatch(c.Request().Context(), req.Events)
	return c.JSON(http.StatusAccepted, batchResponse{
		BatchID: res.BatchID.String(),
		Events:  res.Events,
		Status:  "accepted",
	})
}

func (h *Handler) ListRecords(c echo.Context) error {
	enrollmentID := c.Param("enrollmentId")
	if enrollmentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "enrollment id is required")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.repo.ListByEnrollment(c.Request().Context(), enrollmentID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
