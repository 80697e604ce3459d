package monitoring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/monitoring/internal/platform/db"
	"github.com/ehr/monitoring/internal/platform/lock"
	"github.com/ehr/monitoring/internal/platform/metrics"
	"github.com/ehr/monitoring/internal/platform/websocket"
)

// Config tunes the service. Zero durations fall back to DefaultConfig values.
type Config struct {
	Alerts               AlertPolicy
	HistoryDefaultWindow time.Duration
	HistoryMaxWindow     time.Duration
	ScoreWindow          time.Duration
	LockTimeout          time.Duration
	Prediction           PredictionConstants
}

func DefaultConfig() Config {
	return Config{
		Alerts:               DefaultAlertPolicy(),
		HistoryDefaultWindow: 24 * time.Hour,
		HistoryMaxWindow:     90 * 24 * time.Hour,
		ScoreWindow:          7 * 24 * time.Hour,
		LockTimeout:          5 * time.Second,
		Prediction:           DefaultPredictionConstants(),
	}
}

// Deps are the collaborators a Service needs. Tx and Locker default to a
// pass-through transactor and an in-process locker.
type Deps struct {
	Readings    ReadingRepository
	Alerts      AlertRepository
	Assessments AssessmentRepository
	Directory   PatientDirectory
	Tx          Transactor
	Locker      lock.Locker
	Metrics     *metrics.Metrics
	Publisher   websocket.EventPublisher
	Logger      zerolog.Logger
}

type Service struct {
	readings    ReadingRepository
	alerts      AlertRepository
	assessments AssessmentRepository
	directory   PatientDirectory
	tx          Transactor
	locker      lock.Locker
	manager     *AlertManager
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	cfg         Config
	now         func() time.Time
}

func NewService(d Deps, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.HistoryDefaultWindow <= 0 {
		cfg.HistoryDefaultWindow = def.HistoryDefaultWindow
	}
	if cfg.HistoryMaxWindow <= 0 {
		cfg.HistoryMaxWindow = def.HistoryMaxWindow
	}
	if cfg.ScoreWindow <= 0 {
		cfg.ScoreWindow = def.ScoreWindow
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if d.Tx == nil {
		d.Tx = noTx{}
	}
	if d.Locker == nil {
		d.Locker = lock.NewLocalLocker()
	}

	mgr := NewAlertManager(d.Alerts, cfg.Alerts, d.Logger)
	mgr.metrics = d.Metrics
	mgr.publisher = d.Publisher

	return &Service{
		readings:    d.Readings,
		alerts:      d.Alerts,
		assessments: d.Assessments,
		directory:   d.Directory,
		tx:          d.Tx,
		locker:      d.Locker,
		manager:     mgr,
		metrics:     d.Metrics,
		logger:      d.Logger,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// AlertManager exposes the manager so a sweeper can share it.
func (s *Service) AlertManager() *AlertManager { return s.manager }

// -- Ingestion --

// RecordReading classifies a reading, stores it and reconciles the patient's
// alerts in one transaction. Concurrent readings for the same patient are
// serialized so deduplication sees every alert created before it.
func (s *Service) RecordReading(ctx context.Context, r VitalReading) (*ClassificationResult, error) {
	if r.PatientID == uuid.Nil {
		return nil, validationErrorf("patient_id is required")
	}
	if err := validateRanges(&r); err != nil {
		return nil, err
	}
	cls, err := Classify(r)
	if err != nil {
		return nil, err
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = s.now()
	}
	r.IsAbnormal = cls.IsAbnormal
	r.AlertLevel = cls.AlertLevel

	if _, err := s.lookupPatient(ctx, r.PatientID); err != nil {
		return nil, err
	}

	unlock, err := s.lockPatient(ctx, r.PatientID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Str("patient_id", r.PatientID.String()).Msg("failed to release patient lock")
		}
	}()

	var rec *ReconcileResult
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.readings.Create(ctx, &r); err != nil {
			return storageErr("create reading", err)
		}
		var err error
		rec, err = s.manager.Reconcile(ctx, &r, cls)
		return err
	})
	if err != nil {
		return nil, storageErr("record reading", err)
	}

	s.metrics.ReadingRecorded(string(r.AlertLevel))
	s.metrics.AlertsSuppressed(rec.Suppressed)
	for _, a := range rec.Created {
		s.metrics.AlertCreated(string(a.Severity))
		s.manager.publish(ctx, websocket.EventAlertCreated, a)
	}
	for _, a := range rec.Resolved {
		s.metrics.AlertAutoResolved()
		s.manager.publish(ctx, websocket.EventAlertResolved, a)
	}

	s.logger.Debug().
		Str("patient_id", r.PatientID.String()).
		Str("reading_id", r.ID.String()).
		Str("alert_level", string(r.AlertLevel)).
		Int("alerts_created", len(rec.Created)).
		Int("alerts_suppressed", rec.Suppressed).
		Int("alerts_resolved", len(rec.Resolved)).
		Msg("reading recorded")

	created := rec.Created
	if created == nil {
		created = []*Alert{}
	}
	return &ClassificationResult{
		ReadingID:        r.ID,
		IsAbnormal:       cls.IsAbnormal,
		AlertLevel:       cls.AlertLevel,
		Descriptors:      cls.Descriptors,
		AlertsCreated:    created,
		AlertsSuppressed: rec.Suppressed,
		AlertsResolved:   rec.Resolved,
	}, nil
}

// validateRanges rejects measurements no device can produce. It runs in
// addition to the finiteness checks done by Classify.
func validateRanges(r *VitalReading) error {
	if err := ValidateReading(r); err != nil {
		return err
	}
	switch {
	case r.HeartRate < 0:
		return validationErrorf("heart_rate must not be negative")
	case r.BPSystolic < 0 || r.BPDiastolic < 0:
		return validationErrorf("blood pressure must not be negative")
	case r.TemperatureC < 0:
		return validationErrorf("temperature_c must not be negative")
	case r.OxygenSaturation < 0 || r.OxygenSaturation > 100:
		return validationErrorf("oxygen_saturation must be within [0,100]")
	case r.RespiratoryRate < 0:
		return validationErrorf("respiratory_rate must not be negative")
	}
	return nil
}

// patientLockKey names the per-patient lock. The tenant is part of the key
// so tenants sharing a lock backend never serialize on each other.
func patientLockKey(ctx context.Context, patientID uuid.UUID) string {
	return "patient:" + db.TenantFromContext(ctx) + ":" + patientID.String()
}

func (s *Service) lockPatient(ctx context.Context, patientID uuid.UUID) (lock.Unlock, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	defer cancel()

	start := time.Now()
	unlock, err := s.locker.Lock(lockCtx, patientLockKey(ctx, patientID))
	s.metrics.LockWait(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%w: acquire patient lock: %v", ErrTransientStorage, err)
	}
	return unlock, nil
}

func (s *Service) lookupPatient(ctx context.Context, id uuid.UUID) (*PatientRef, error) {
	if s.directory == nil {
		return &PatientRef{ID: id, Active: true}, nil
	}
	p, err := s.directory.Lookup(ctx, id)
	if err != nil {
		err = storageErr("lookup patient", err)
		if errors.Is(err, ErrNotFound) {
			return nil, notFoundf("patient %s", id)
		}
		return nil, err
	}
	return p, nil
}

// snapshot runs independent reads concurrently. A tenant-scoped connection
// or open transaction can only serve one query at a time, so reads made
// through one run sequentially.
func (s *Service) snapshot(ctx context.Context, fns ...func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if db.ConnFromContext(ctx) != nil || db.TxFromContext(ctx) != nil {
		g.SetLimit(1)
	}
	for _, fn := range fns {
		g.Go(func() error { return fn(gctx) })
	}
	return g.Wait()
}

// -- Queries --

// GetCurrentVitals returns the latest reading and every unresolved alert.
func (s *Service) GetCurrentVitals(ctx context.Context, patientID uuid.UUID) (*CurrentVitals, error) {
	var out CurrentVitals
	err := s.snapshot(ctx,
		func(ctx context.Context) error {
			r, err := s.readings.Latest(ctx, patientID)
			if err != nil {
				err = storageErr("latest reading", err)
				if errors.Is(err, ErrNotFound) {
					return notFoundf("no readings for patient %s", patientID)
				}
				return err
			}
			out.Reading = r
			return nil
		},
		func(ctx context.Context) error {
			alerts, err := s.alerts.ListUnresolvedByPatient(ctx, patientID)
			if err != nil {
				return storageErr("list active alerts", err)
			}
			out.ActiveAlerts = alerts
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	if out.ActiveAlerts == nil {
		out.ActiveAlerts = []*Alert{}
	}
	return &out, nil
}

// GetHistory returns readings from the trailing window, oldest first, with a
// trend summary. A zero window uses the configured default.
func (s *Service) GetHistory(ctx context.Context, patientID uuid.UUID, window time.Duration) (*History, error) {
	if window < 0 {
		return nil, validationErrorf("window must be positive")
	}
	if window == 0 {
		window = s.cfg.HistoryDefaultWindow
	}
	if window > s.cfg.HistoryMaxWindow {
		return nil, validationErrorf("window must not exceed %s", s.cfg.HistoryMaxWindow)
	}

	to := s.now()
	from := to.Add(-window)
	readings, err := s.readings.ListByPatient(ctx, patientID, from, to)
	if err != nil {
		return nil, storageErr("list readings", err)
	}
	readings = sortedReadings(readings)
	return &History{
		PatientID: patientID,
		From:      from,
		To:        to,
		Readings:  readings,
		Trends:    ComputeTrends(readings),
	}, nil
}

// GetHealthScore computes the composite score over the configured window.
func (s *Service) GetHealthScore(ctx context.Context, patientID uuid.UUID, compliance float64) (*HealthScoreSnapshot, error) {
	now := s.now()
	readings, assessments, err := s.history(ctx, patientID, now.Add(-s.cfg.ScoreWindow), now)
	if err != nil {
		return nil, err
	}
	snap, err := ComputeHealthScore(HealthScoreInput{
		Readings:        readings,
		Assessments:     assessments,
		ComplianceScore: compliance,
		Now:             now,
	})
	if err != nil {
		return nil, err
	}
	snap.PatientID = patientID.String()
	return &snap, nil
}

// GetPredictiveRisk evaluates the heuristic risk estimators for a patient.
func (s *Service) GetPredictiveRisk(ctx context.Context, patientID uuid.UUID) (*PredictiveRiskEstimate, error) {
	patient, err := s.lookupPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	readings, assessments, err := s.history(ctx, patientID, now.Add(-s.cfg.ScoreWindow), now)
	if err != nil {
		return nil, err
	}
	est := EstimateRisk(PredictiveInput{
		Age:         patient.AgeAt(now),
		Readings:    readings,
		Assessments: assessments,
		Constants:   s.cfg.Prediction,
		Now:         now,
	})
	est.PatientID = patientID.String()
	return &est, nil
}

func (s *Service) history(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*VitalReading, []*AIAssessment, error) {
	var (
		readings    []*VitalReading
		assessments []*AIAssessment
	)
	err := s.snapshot(ctx,
		func(ctx context.Context) error {
			var err error
			readings, err = s.readings.ListByPatient(ctx, patientID, from, to)
			return storageErr("list readings", err)
		},
		func(ctx context.Context) error {
			var err error
			assessments, err = s.assessments.ListByPatient(ctx, patientID, from)
			return storageErr("list assessments", err)
		},
	)
	if err != nil {
		return nil, nil, err
	}
	return sortedReadings(readings), assessments, nil
}

// -- AI assessments --

// RecordAssessment stores an assessment produced by the symptom-analysis
// collaborator. Assessments are immutable once stored.
func (s *Service) RecordAssessment(ctx context.Context, a *AIAssessment) error {
	if a.PatientID == uuid.Nil {
		return validationErrorf("patient_id is required")
	}
	a.Symptoms = strings.TrimSpace(a.Symptoms)
	if a.Symptoms == "" {
		return validationErrorf("symptoms is required")
	}
	a.RiskLevel = RiskLevel(strings.ToLower(string(a.RiskLevel)))
	if err := validateAssessmentValues(a); err != nil {
		return err
	}
	if a.AssessedAt.IsZero() {
		a.AssessedAt = s.now()
	}
	if _, err := s.lookupPatient(ctx, a.PatientID); err != nil {
		return err
	}
	if err := s.assessments.Create(ctx, a); err != nil {
		return storageErr("create assessment", err)
	}
	return nil
}

// -- Alerts --

func (s *Service) GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error) {
	return s.manager.get(ctx, id)
}

var validAlertStatuses = map[AlertStatus]bool{
	AlertOpen: true, AlertAcknowledged: true, AlertEscalated: true, AlertResolved: true,
}

func (s *Service) ListAlerts(ctx context.Context, filter AlertFilter, limit, offset int) ([]*Alert, int, error) {
	if filter.Status != "" && !validAlertStatuses[filter.Status] {
		return nil, 0, validationErrorf("invalid status: %s", filter.Status)
	}
	if filter.Severity != "" && filter.Severity != SeverityWarning && filter.Severity != SeverityCritical {
		return nil, 0, validationErrorf("invalid severity: %s", filter.Severity)
	}
	items, total, err := s.alerts.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, storageErr("list alerts", err)
	}
	return items, total, nil
}

func (s *Service) AcknowledgeAlert(ctx context.Context, id uuid.UUID, by string) (*Alert, error) {
	return s.manager.Acknowledge(ctx, id, strings.TrimSpace(by))
}

func (s *Service) ResolveAlert(ctx context.Context, id uuid.UUID, by, notes string) (*Alert, error) {
	return s.manager.Resolve(ctx, id, strings.TrimSpace(by), strings.TrimSpace(notes))
}

// RunEscalationSweep escalates every alert due at now and reports how many
// were escalated.
func (s *Service) RunEscalationSweep(ctx context.Context, now time.Time) (int, error) {
	return s.manager.EscalateDue(ctx, now)
}
