package monitoring

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity is the alert tier of a single signal or of a whole reading.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// maxSeverity returns the more severe of a and b.
func maxSeverity(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Signal names a monitored vital sign.
type Signal string

const (
	SignalHeartRate        Signal = "heart_rate"
	SignalBloodPressure    Signal = "blood_pressure"
	SignalSystolic         Signal = "bp_systolic"
	SignalDiastolic        Signal = "bp_diastolic"
	SignalTemperature      Signal = "temperature"
	SignalOxygenSaturation Signal = "oxygen_saturation"
	SignalRespiratoryRate  Signal = "respiratory_rate"
)

// VitalReading maps to the vital_reading table. Rows are append-only.
type VitalReading struct {
	ID               uuid.UUID `db:"id" json:"id"`
	PatientID        uuid.UUID `db:"patient_id" json:"patient_id"`
	RecordedAt       time.Time `db:"recorded_at" json:"recorded_at"`
	HeartRate        float64   `db:"heart_rate" json:"heart_rate"`
	BPSystolic       float64   `db:"bp_systolic" json:"bp_systolic"`
	BPDiastolic      float64   `db:"bp_diastolic" json:"bp_diastolic"`
	TemperatureC     float64   `db:"temperature_c" json:"temperature_c"`
	OxygenSaturation float64   `db:"oxygen_saturation" json:"oxygen_saturation"`
	RespiratoryRate  float64   `db:"respiratory_rate" json:"respiratory_rate"`
	DeviceID         *string   `db:"device_id" json:"device_id,omitempty"`
	Location         *string   `db:"location" json:"location,omitempty"`
	IsAbnormal       bool      `db:"is_abnormal" json:"is_abnormal"`
	AlertLevel       Severity  `db:"alert_level" json:"alert_level"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertEscalated    AlertStatus = "escalated"
	AlertResolved     AlertStatus = "resolved"
)

// AlertTypeVitalSigns is the only alert type produced today.
const AlertTypeVitalSigns = "vital_signs"

// Alert maps to the vital_alert table.
type Alert struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	PatientID        uuid.UUID       `db:"patient_id" json:"patient_id"`
	Type             string          `db:"alert_type" json:"type"`
	Signal           Signal          `db:"signal" json:"signal"`
	Severity         Severity        `db:"severity" json:"severity"`
	Title            string          `db:"title" json:"title"`
	Description      string          `db:"description" json:"description"`
	TriggerReading   json.RawMessage `db:"trigger_reading" json:"trigger_reading,omitempty"`
	Status           AlertStatus     `db:"status" json:"status"`
	EscalationLevel  int             `db:"escalation_level" json:"escalation_level"`
	NextEscalationAt *time.Time      `db:"next_escalation_at" json:"next_escalation_at,omitempty"`
	CanAutoResolve   bool            `db:"can_auto_resolve" json:"can_auto_resolve"`
	AcknowledgedBy   *string         `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *time.Time      `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	ResolvedBy       *string         `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time      `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolutionNotes  *string         `db:"resolution_notes" json:"resolution_notes,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// IsResolved reports whether the alert has reached its terminal state.
func (a *Alert) IsResolved() bool {
	return a.Status == AlertResolved
}

// RiskLevel is the risk tier attached to an AI assessment.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// IsHigh reports whether the level counts as high risk for scoring.
func (r RiskLevel) IsHigh() bool {
	return r == RiskHigh || r == RiskCritical
}

var validRiskLevels = map[RiskLevel]bool{
	RiskLow: true, RiskMedium: true, RiskHigh: true, RiskCritical: true,
}

// AIAssessment maps to the ai_assessment table. Assessments are produced by
// the external symptom-analysis service and never modified here.
type AIAssessment struct {
	ID              uuid.UUID `db:"id" json:"id"`
	PatientID       uuid.UUID `db:"patient_id" json:"patient_id"`
	Symptoms        string    `db:"symptoms" json:"symptoms"`
	Diagnosis       string    `db:"diagnosis" json:"diagnosis"`
	ConfidenceScore float64   `db:"confidence_score" json:"confidence_score"`
	RiskLevel       RiskLevel `db:"risk_level" json:"risk_level"`
	Verified        bool      `db:"verified" json:"verified"`
	AssessedAt      time.Time `db:"assessed_at" json:"assessed_at"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// PatientRef is what the external patient directory tells us about a patient.
type PatientRef struct {
	ID        uuid.UUID  `json:"id"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Active    bool       `json:"active"`
}

// AgeAt returns the patient's age in whole years at t, or 0 when the birth
// date is unknown.
func (p *PatientRef) AgeAt(t time.Time) int {
	if p == nil || p.BirthDate == nil {
		return 0
	}
	b := p.BirthDate.UTC()
	t = t.UTC()
	age := t.Year() - b.Year()
	if t.Month() < b.Month() || (t.Month() == b.Month() && t.Day() < b.Day()) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}

// ClassificationResult is returned to the caller of RecordReading.
type ClassificationResult struct {
	ReadingID        uuid.UUID         `json:"reading_id"`
	IsAbnormal       bool              `json:"is_abnormal"`
	AlertLevel       Severity          `json:"alert_level"`
	Descriptors      []AlertDescriptor `json:"descriptors"`
	AlertsCreated    []*Alert          `json:"alerts_created"`
	AlertsSuppressed int               `json:"alerts_suppressed"`
	AlertsResolved   []*Alert          `json:"alerts_resolved,omitempty"`
}

// CurrentVitals is the latest reading plus every unresolved alert.
type CurrentVitals struct {
	Reading      *VitalReading `json:"reading"`
	ActiveAlerts []*Alert      `json:"active_alerts"`
}

// History is an ordered window of readings with its trend summary.
type History struct {
	PatientID uuid.UUID       `json:"patient_id"`
	From      time.Time       `json:"from"`
	To        time.Time       `json:"to"`
	Readings  []*VitalReading `json:"readings"`
	Trends    TrendSummary    `json:"trends"`
}
