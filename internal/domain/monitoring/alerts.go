package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/monitoring/internal/platform/db"
	"github.com/ehr/monitoring/internal/platform/metrics"
	"github.com/ehr/monitoring/internal/platform/websocket"
)

// SystemActor is recorded as the resolver of auto-resolved alerts.
const SystemActor = "system"

// AlertPolicy holds the timing and auto-resolution rules for alerts.
type AlertPolicy struct {
	DedupWindow         time.Duration
	WarningSLA          time.Duration
	CriticalSLA         time.Duration
	MaxEscalationLevel  int
	AutoResolveWarning  bool
	AutoResolveCritical bool
	SweepBatchSize      int
}

func DefaultAlertPolicy() AlertPolicy {
	return AlertPolicy{
		DedupWindow:         15 * time.Minute,
		WarningSLA:          15 * time.Minute,
		CriticalSLA:         5 * time.Minute,
		MaxEscalationLevel:  3,
		AutoResolveWarning:  true,
		AutoResolveCritical: false,
		SweepBatchSize:      100,
	}
}

// SLA is how long an alert of the given severity may wait before escalating.
func (p AlertPolicy) SLA(sev Severity) time.Duration {
	if sev == SeverityCritical {
		return p.CriticalSLA
	}
	return p.WarningSLA
}

func (p AlertPolicy) canAutoResolve(sev Severity) bool {
	if sev == SeverityCritical {
		return p.AutoResolveCritical
	}
	return p.AutoResolveWarning
}

// nextEscalation returns when an alert now at level should next escalate, or
// nil once the maximum level is reached.
func (p AlertPolicy) nextEscalation(sev Severity, level int, now time.Time) *time.Time {
	if level >= p.MaxEscalationLevel {
		return nil
	}
	t := now.Add(p.SLA(sev))
	return &t
}

// ReconcileResult describes what a reading did to a patient's alerts.
type ReconcileResult struct {
	Created    []*Alert
	Suppressed int
	Resolved   []*Alert
}

// AlertManager owns alert creation, deduplication and lifecycle transitions.
// Reconcile must run inside the caller's per-patient critical section.
type AlertManager struct {
	alerts    AlertRepository
	policy    AlertPolicy
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	publisher websocket.EventPublisher
	now       func() time.Time
}

func NewAlertManager(alerts AlertRepository, policy AlertPolicy, logger zerolog.Logger) *AlertManager {
	return &AlertManager{
		alerts: alerts,
		policy: policy,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *AlertManager) Policy() AlertPolicy { return m.policy }

// Reconcile applies one classified reading to the patient's alerts. Each
// descriptor opens a new alert unless an unresolved alert with the same type,
// signal and severity was created within the dedup window. Auto-resolvable
// alerts are resolved only once their signal is back in its normal range.
func (m *AlertManager) Reconcile(ctx context.Context, reading *VitalReading, cls Classification) (*ReconcileResult, error) {
	descriptors := cls.Descriptors
	now := m.now()
	existing, err := m.alerts.ListUnresolvedByPatient(ctx, reading.PatientID)
	if err != nil {
		return nil, storageErr("list unresolved alerts", err)
	}

	var payload json.RawMessage
	if len(descriptors) > 0 {
		payload, err = json.Marshal(reading)
		if err != nil {
			return nil, fmt.Errorf("encode trigger reading: %w", err)
		}
	}

	res := &ReconcileResult{}
	flagged := make(map[Signal]bool, len(cls.Breached))
	for _, sig := range cls.Breached {
		flagged[sig] = true
	}
	cutoff := now.Add(-m.policy.DedupWindow)

	for _, d := range descriptors {
		flagged[d.Signal] = true
		if dup := findDuplicate(existing, AlertTypeVitalSigns, d, cutoff); dup != nil {
			res.Suppressed++
			m.logger.Debug().
				Str("patient_id", reading.PatientID.String()).
				Str("alert_id", dup.ID.String()).
				Str("signal", string(d.Signal)).
				Str("severity", string(d.Severity)).
				Msg("duplicate alert suppressed")
			continue
		}

		a := &Alert{
			PatientID:        reading.PatientID,
			Type:             AlertTypeVitalSigns,
			Signal:           d.Signal,
			Severity:         d.Severity,
			Title:            d.Title,
			Description:      d.Description,
			TriggerReading:   payload,
			Status:           AlertOpen,
			NextEscalationAt: m.policy.nextEscalation(d.Severity, 0, now),
			CanAutoResolve:   m.policy.canAutoResolve(d.Severity),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := m.alerts.Create(ctx, a); err != nil {
			return nil, storageErr("create alert", err)
		}
		res.Created = append(res.Created, a)
		m.logger.Info().
			Str("patient_id", a.PatientID.String()).
			Str("alert_id", a.ID.String()).
			Str("signal", string(a.Signal)).
			Str("severity", string(a.Severity)).
			Msg("alert created")
	}

	for _, a := range existing {
		if !a.CanAutoResolve || flagged[a.Signal] {
			continue
		}
		from := a.Status
		resolved := *a
		resolved.Status = AlertResolved
		resolved.ResolvedBy = strPtr(SystemActor)
		resolved.ResolvedAt = &now
		resolved.ResolutionNotes = strPtr(fmt.Sprintf("auto-resolved: %s returned to normal range", a.Signal))
		resolved.NextEscalationAt = nil
		resolved.UpdatedAt = now

		ok, err := m.alerts.Transition(ctx, &resolved, from)
		if err != nil {
			return nil, storageErr("auto-resolve alert", err)
		}
		if !ok {
			continue
		}
		res.Resolved = append(res.Resolved, &resolved)
		m.logger.Info().
			Str("patient_id", a.PatientID.String()).
			Str("alert_id", a.ID.String()).
			Str("signal", string(a.Signal)).
			Msg("alert auto-resolved")
	}

	return res, nil
}

func findDuplicate(existing []*Alert, alertType string, d AlertDescriptor, cutoff time.Time) *Alert {
	for _, a := range existing {
		if a.IsResolved() || a.Type != alertType || a.Signal != d.Signal || a.Severity != d.Severity {
			continue
		}
		if !a.CreatedAt.Before(cutoff) {
			return a
		}
	}
	return nil
}

// Acknowledge moves an open alert to acknowledged and restarts its SLA clock.
func (m *AlertManager) Acknowledge(ctx context.Context, id uuid.UUID, by string) (*Alert, error) {
	if by == "" {
		return nil, validationErrorf("acknowledged_by is required")
	}
	a, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != AlertOpen {
		return nil, invalidTransition(a, "acknowledge")
	}

	now := m.now()
	next := *a
	next.Status = AlertAcknowledged
	next.AcknowledgedBy = strPtr(by)
	next.AcknowledgedAt = &now
	next.NextEscalationAt = m.policy.nextEscalation(a.Severity, a.EscalationLevel, now)
	next.UpdatedAt = now

	if err := m.transition(ctx, &next, a.Status, "acknowledge"); err != nil {
		return nil, err
	}
	m.metrics.AlertTransition(string(AlertAcknowledged))
	m.logger.Info().
		Str("patient_id", next.PatientID.String()).
		Str("alert_id", next.ID.String()).
		Str("by", by).
		Msg("alert acknowledged")
	m.publish(ctx, websocket.EventAlertAcknowledged, &next)
	return &next, nil
}

// Resolve closes an alert from any non-terminal state.
func (m *AlertManager) Resolve(ctx context.Context, id uuid.UUID, by, notes string) (*Alert, error) {
	if by == "" {
		return nil, validationErrorf("resolved_by is required")
	}
	a, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.IsResolved() {
		return nil, invalidTransition(a, "resolve")
	}

	now := m.now()
	next := *a
	next.Status = AlertResolved
	next.ResolvedBy = strPtr(by)
	next.ResolvedAt = &now
	if notes != "" {
		next.ResolutionNotes = strPtr(notes)
	}
	next.NextEscalationAt = nil
	next.UpdatedAt = now

	if err := m.transition(ctx, &next, a.Status, "resolve"); err != nil {
		return nil, err
	}
	m.metrics.AlertTransition(string(AlertResolved))
	m.logger.Info().
		Str("patient_id", next.PatientID.String()).
		Str("alert_id", next.ID.String()).
		Str("by", by).
		Msg("alert resolved")
	m.publish(ctx, websocket.EventAlertResolved, &next)
	return &next, nil
}

func (m *AlertManager) get(ctx context.Context, id uuid.UUID) (*Alert, error) {
	a, err := m.alerts.GetByID(ctx, id)
	if err != nil {
		err = storageErr("get alert", err)
		if errors.Is(err, ErrNotFound) {
			return nil, notFoundf("alert %s", id)
		}
		return nil, err
	}
	return a, nil
}

// transition persists next if the stored status is still from. Losing the
// race to a concurrent change reports the state the winner left behind.
func (m *AlertManager) transition(ctx context.Context, next *Alert, from AlertStatus, action string) error {
	ok, err := m.alerts.Transition(ctx, next, from)
	if err != nil {
		return storageErr(action+" alert", err)
	}
	if ok {
		return nil
	}
	current, err := m.get(ctx, next.ID)
	if err != nil {
		return err
	}
	return invalidTransition(current, action)
}

// EscalateDue escalates every unresolved alert whose SLA has elapsed. Each
// escalation is a compare-and-set on the previous level, so overlapping or
// repeated sweeps never escalate an alert twice for the same deadline.
func (m *AlertManager) EscalateDue(ctx context.Context, now time.Time) (int, error) {
	limit := m.policy.SweepBatchSize
	if limit <= 0 {
		limit = 100
	}
	due, err := m.alerts.ListDueForEscalation(ctx, now, m.policy.MaxEscalationLevel, limit)
	if err != nil {
		return 0, storageErr("list alerts due for escalation", err)
	}

	var (
		escalated int
		errs      []error
	)
	for _, a := range due {
		if a.IsResolved() || a.EscalationLevel >= m.policy.MaxEscalationLevel {
			continue
		}
		if a.NextEscalationAt == nil || a.NextEscalationAt.After(now) {
			continue
		}

		level := a.EscalationLevel + 1
		next := m.policy.nextEscalation(a.Severity, level, now)
		ok, err := m.alerts.Escalate(ctx, a.ID, a.EscalationLevel, next, now)
		if err != nil {
			m.logger.Error().Err(err).Str("alert_id", a.ID.String()).Msg("failed to escalate alert")
			errs = append(errs, storageErr("escalate alert", err))
			continue
		}
		if !ok {
			continue
		}

		escalated++
		a.EscalationLevel = level
		a.Status = AlertEscalated
		a.NextEscalationAt = next
		a.UpdatedAt = now
		m.metrics.AlertEscalated(level)
		m.logger.Warn().
			Str("patient_id", a.PatientID.String()).
			Str("alert_id", a.ID.String()).
			Str("severity", string(a.Severity)).
			Int("level", level).
			Msg("alert escalated")
		m.publish(ctx, websocket.EventAlertEscalated, a)
	}
	return escalated, errors.Join(errs...)
}

// publish is best effort. Delivery failures never affect alert state.
func (m *AlertManager) publish(ctx context.Context, eventType string, a *Alert) {
	if m.publisher == nil {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		m.logger.Error().Err(err).Str("alert_id", a.ID.String()).Msg("failed to encode alert event")
		return
	}
	ev := websocket.Event{
		Type:      eventType,
		Topic:     websocket.PatientTopic(a.PatientID.String()),
		TenantID:  db.TenantFromContext(ctx),
		PatientID: a.PatientID.String(),
		AlertID:   a.ID.String(),
		Severity:  string(a.Severity),
		Timestamp: m.now(),
		Data:      data,
	}
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.logger.Warn().Err(err).Str("alert_id", a.ID.String()).Msg("failed to publish alert event")
	}
}

func strPtr(s string) *string { return &s }
