package monitoring

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/monitoring/internal/platform/auth"
	"github.com/ehr/monitoring/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// ingestion by bedside devices and nursing staff
	ingest := api.Group("", auth.RequireRole("admin", "nurse", "device"))
	ingest.POST("/patients/:id/vitals", h.RecordReading, auth.RequireScope("vitals", "write"))

	// AI assessments pushed by the symptom-analysis service
	ai := api.Group("", auth.RequireRole("admin", "physician", "ai-service"))
	ai.POST("/patients/:id/ai-assessments", h.RecordAssessment)

	// clinical reads and alert handling
	clinical := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	clinical.GET("/patients/:id/vitals/current", h.GetCurrentVitals)
	clinical.GET("/patients/:id/vitals/history", h.GetHistory)
	clinical.GET("/patients/:id/health-score", h.GetHealthScore)
	clinical.GET("/alerts", h.ListAlerts)
	clinical.GET("/alerts/:id", h.GetAlert)
	clinical.POST("/alerts/:id/acknowledge", h.AcknowledgeAlert)
	clinical.POST("/alerts/:id/resolve", h.ResolveAlert)

	// risk estimates are physician-only
	physician := api.Group("", auth.RequireRole("admin", "physician"))
	physician.GET("/patients/:id/predictive-risk", h.GetPredictiveRisk)
}

// httpError maps monitoring error kinds to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidStateTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUpstream):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case IsRetryable(err):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage temporarily unavailable, retry the request")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func patientIDParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	return id, nil
}

// -- Vital readings --

// readingRequest uses pointers so a missing measurement is rejected rather
// than read as zero.
type readingRequest struct {
	RecordedAt       *time.Time `json:"recorded_at"`
	HeartRate        *float64   `json:"heart_rate"`
	BPSystolic       *float64   `json:"bp_systolic"`
	BPDiastolic      *float64   `json:"bp_diastolic"`
	TemperatureC     *float64   `json:"temperature_c"`
	OxygenSaturation *float64   `json:"oxygen_saturation"`
	RespiratoryRate  *float64   `json:"respiratory_rate"`
	DeviceID         *string    `json:"device_id"`
	Location         *string    `json:"location"`
}

func (r readingRequest) toReading(patientID uuid.UUID) (VitalReading, error) {
	fields := []struct {
		name string
		v    *float64
	}{
		{"heart_rate", r.HeartRate},
		{"bp_systolic", r.BPSystolic},
		{"bp_diastolic", r.BPDiastolic},
		{"temperature_c", r.TemperatureC},
		{"oxygen_saturation", r.OxygenSaturation},
		{"respiratory_rate", r.RespiratoryRate},
	}
	for _, f := range fields {
		if f.v == nil {
			return VitalReading{}, validationErrorf("%s is required", f.name)
		}
	}
	v := VitalReading{
		PatientID:        patientID,
		HeartRate:        *r.HeartRate,
		BPSystolic:       *r.BPSystolic,
		BPDiastolic:      *r.BPDiastolic,
		TemperatureC:     *r.TemperatureC,
		OxygenSaturation: *r.OxygenSaturation,
		RespiratoryRate:  *r.RespiratoryRate,
		DeviceID:         r.DeviceID,
		Location:         r.Location,
	}
	if r.RecordedAt != nil {
		v.RecordedAt = r.RecordedAt.UTC()
	}
	return v, nil
}

func (h *Handler) RecordReading(c echo.Context) error {
	patientID, err := patientIDParam(c)
	if err != nil {
		return err
	}
	var req readingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	reading, err := req.toReading(patientID)
	if err != nil {
		return httpError(err)
	}
	result, err := h.svc.RecordReading(c.Request().Context(), reading)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) GetCurrentVitals(c echo.Context) error {
	patientID, err := patientIDParam(c)
	if err != nil {
		return err
	}
	cur, err := h.svc.GetCurrentVitals(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cur)
}

func (h *Handler) GetHistory(c echo.Context) error {
	patientID, err := patientIDParam(c)
	if err != nil {
		return err
	}
	var window time.Duration
	if w := c.QueryParam("window"); w != "" {
		window, err = time.ParseDuration(w)
		if err != nil || window <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "window must be a positive duration such as 24h")
		}
	}
	hist, err := h.svc.GetHistory(c.Request().Context(), patientID, window)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, hist)
}

func (h *Handler) GetHealthScore(c echo.Context) error {
	patientID, err := patientIDParam(c)
	if err != nil {
		return err
	}
	raw := c.QueryParam("compliance")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "compliance is required")
	}
	compliance, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "compliance must be a number")
	}
	snap, err := h.svc.GetHealthScore(c.Request().Context(), patientID, compliance)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) GetPredictiveRisk(c echo.Context) error {
	patientID, err := patientIDParam(c)
	if err != nil {
		return err
	}
	est, err := h.svc.GetPredictiveRisk(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, est)
}

// -- AI assessments --

func (h *Handler) RecordAssessment(c echo.Context) error {
	patientID, err := patientIDParam(c)
	if err != nil {
		return err
	}
	var a AIAssessment
	if err := c.Bind(&a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a.PatientID = patientID
	if err := h.svc.RecordAssessment(c.Request().Context(), &a); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

// -- Alerts --

func (h *Handler) ListAlerts(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f AlertFilter
	if pid := c.QueryParam("patient_id"); pid != "" {
		id, err := uuid.Parse(pid)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &id
	}
	f.Status = AlertStatus(c.QueryParam("status"))
	f.Severity = Severity(c.QueryParam("severity"))

	items, total, err := h.svc.ListAlerts(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetAlert(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.GetAlert(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type transitionRequest struct {
	By    string `json:"by"`
	Notes string `json:"notes"`
}

// actor prefers the authenticated user over the request body.
func actor(c echo.Context, req transitionRequest) string {
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		return uid
	}
	return req.By
}

func (h *Handler) AcknowledgeAlert(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.AcknowledgeAlert(c.Request().Context(), id, actor(c, req))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ResolveAlert(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.ResolveAlert(c.Request().Context(), id, actor(c, req), req.Notes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}
