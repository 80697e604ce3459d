package monitoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/monitoring/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// =========== Vital Reading Repository ===========

type readingRepoPG struct{ pool *pgxpool.Pool }

func NewReadingRepoPG(pool *pgxpool.Pool) ReadingRepository {
	return &readingRepoPG{pool: pool}
}

func (r *readingRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const readingCols = `id, patient_id, recorded_at, heart_rate, bp_systolic, bp_diastolic,
	temperature_c, oxygen_saturation, respiratory_rate, device_id, location,
	is_abnormal, alert_level, created_at`

func (r *readingRepoPG) scanReading(row pgx.Row) (*VitalReading, error) {
	var v VitalReading
	err := row.Scan(&v.ID, &v.PatientID, &v.RecordedAt, &v.HeartRate, &v.BPSystolic, &v.BPDiastolic,
		&v.TemperatureC, &v.OxygenSaturation, &v.RespiratoryRate, &v.DeviceID, &v.Location,
		&v.IsAbnormal, &v.AlertLevel, &v.CreatedAt)
	return &v, err
}

func (r *readingRepoPG) Create(ctx context.Context, v *VitalReading) error {
	v.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO vital_reading (id, patient_id, recorded_at, heart_rate, bp_systolic, bp_diastolic,
			temperature_c, oxygen_saturation, respiratory_rate, device_id, location,
			is_abnormal, alert_level)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at`,
		v.ID, v.PatientID, v.RecordedAt, v.HeartRate, v.BPSystolic, v.BPDiastolic,
		v.TemperatureC, v.OxygenSaturation, v.RespiratoryRate, v.DeviceID, v.Location,
		v.IsAbnormal, v.AlertLevel).Scan(&v.CreatedAt)
}

func (r *readingRepoPG) Latest(ctx context.Context, patientID uuid.UUID) (*VitalReading, error) {
	return r.scanReading(r.conn(ctx).QueryRow(ctx, `SELECT `+readingCols+` FROM vital_reading
		WHERE patient_id = $1 ORDER BY recorded_at DESC, created_at DESC LIMIT 1`, patientID))
}

func (r *readingRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*VitalReading, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+readingCols+` FROM vital_reading
		WHERE patient_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
		ORDER BY recorded_at ASC, created_at ASC`, patientID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*VitalReading
	for rows.Next() {
		v, err := r.scanReading(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

// =========== Alert Repository ===========

type alertRepoPG struct{ pool *pgxpool.Pool }

func NewAlertRepoPG(pool *pgxpool.Pool) AlertRepository {
	return &alertRepoPG{pool: pool}
}

func (r *alertRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const alertCols = `id, patient_id, alert_type, signal, severity, title, description, trigger_reading,
	status, escalation_level, next_escalation_at, can_auto_resolve,
	acknowledged_by, acknowledged_at, resolved_by, resolved_at, resolution_notes,
	created_at, updated_at`

func (r *alertRepoPG) scanAlert(row pgx.Row) (*Alert, error) {
	var a Alert
	err := row.Scan(&a.ID, &a.PatientID, &a.Type, &a.Signal, &a.Severity, &a.Title, &a.Description,
		&a.TriggerReading, &a.Status, &a.EscalationLevel, &a.NextEscalationAt, &a.CanAutoResolve,
		&a.AcknowledgedBy, &a.AcknowledgedAt, &a.ResolvedBy, &a.ResolvedAt, &a.ResolutionNotes,
		&a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

// Create stores the alert with the timestamps the manager stamped on it, so
// dedup and escalation deadlines are measured on a single clock.
func (r *alertRepoPG) Create(ctx context.Context, a *Alert) error {
	a.ID = uuid.New()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO vital_alert (id, patient_id, alert_type, signal, severity, title, description,
			trigger_reading, status, escalation_level, next_escalation_at, can_auto_resolve,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		a.ID, a.PatientID, a.Type, a.Signal, a.Severity, a.Title, a.Description,
		a.TriggerReading, a.Status, a.EscalationLevel, a.NextEscalationAt, a.CanAutoResolve,
		a.CreatedAt, a.UpdatedAt)
	return err
}

func (r *alertRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Alert, error) {
	return r.scanAlert(r.conn(ctx).QueryRow(ctx, `SELECT `+alertCols+` FROM vital_alert WHERE id = $1`, id))
}

func (r *alertRepoPG) Transition(ctx context.Context, a *Alert, from AlertStatus) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE vital_alert SET status=$3, next_escalation_at=$4,
			acknowledged_by=$5, acknowledged_at=$6, resolved_by=$7, resolved_at=$8,
			resolution_notes=$9, updated_at=$10
		WHERE id = $1 AND status = $2`,
		a.ID, from, a.Status, a.NextEscalationAt,
		a.AcknowledgedBy, a.AcknowledgedAt, a.ResolvedBy, a.ResolvedAt, a.ResolutionNotes, a.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *alertRepoPG) Escalate(ctx context.Context, id uuid.UUID, fromLevel int, next *time.Time, now time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE vital_alert SET escalation_level = escalation_level + 1, status = 'escalated',
			next_escalation_at = $3, updated_at = $4
		WHERE id = $1 AND escalation_level = $2 AND status <> 'resolved'`,
		id, fromLevel, next, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *alertRepoPG) ListUnresolvedByPatient(ctx context.Context, patientID uuid.UUID) ([]*Alert, error) {
	return r.list(ctx, `SELECT `+alertCols+` FROM vital_alert
		WHERE patient_id = $1 AND status <> 'resolved' ORDER BY created_at DESC`, patientID)
}

func (r *alertRepoPG) ListDueForEscalation(ctx context.Context, now time.Time, maxLevel, limit int) ([]*Alert, error) {
	return r.list(ctx, `SELECT `+alertCols+` FROM vital_alert
		WHERE status <> 'resolved' AND next_escalation_at IS NOT NULL
			AND next_escalation_at <= $1 AND escalation_level < $2
		ORDER BY next_escalation_at ASC LIMIT $3`, now, maxLevel, limit)
}

func (r *alertRepoPG) List(ctx context.Context, f AlertFilter, limit, offset int) ([]*Alert, int, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Severity != "" {
		args = append(args, f.Severity)
		where = append(where, fmt.Sprintf("severity = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM vital_alert`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	q := fmt.Sprintf(`SELECT %s FROM vital_alert%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		alertCols, clause, len(args)-1, len(args))
	items, err := r.list(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *alertRepoPG) list(ctx context.Context, q string, args ...interface{}) ([]*Alert, error) {
	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Alert
	for rows.Next() {
		a, err := r.scanAlert(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// =========== AI Assessment Repository ===========

type assessmentRepoPG struct{ pool *pgxpool.Pool }

func NewAssessmentRepoPG(pool *pgxpool.Pool) AssessmentRepository {
	return &assessmentRepoPG{pool: pool}
}

func (r *assessmentRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const assessmentCols = `id, patient_id, symptoms, diagnosis, confidence_score, risk_level,
	verified, assessed_at, created_at`

func (r *assessmentRepoPG) scanAssessment(row pgx.Row) (*AIAssessment, error) {
	var a AIAssessment
	err := row.Scan(&a.ID, &a.PatientID, &a.Symptoms, &a.Diagnosis, &a.ConfidenceScore, &a.RiskLevel,
		&a.Verified, &a.AssessedAt, &a.CreatedAt)
	return &a, err
}

func (r *assessmentRepoPG) Create(ctx context.Context, a *AIAssessment) error {
	a.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ai_assessment (id, patient_id, symptoms, diagnosis, confidence_score, risk_level,
			verified, assessed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		a.ID, a.PatientID, a.Symptoms, a.Diagnosis, a.ConfidenceScore, a.RiskLevel,
		a.Verified, a.AssessedAt).Scan(&a.CreatedAt)
}

func (r *assessmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, since time.Time) ([]*AIAssessment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+assessmentCols+` FROM ai_assessment
		WHERE patient_id = $1 AND assessed_at >= $2 ORDER BY assessed_at ASC`, patientID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*AIAssessment
	for rows.Next() {
		a, err := r.scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
