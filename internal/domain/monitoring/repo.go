package monitoring

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ReadingRepository interface {
	Create(ctx context.Context, r *VitalReading) error
	Latest(ctx context.Context, patientID uuid.UUID) (*VitalReading, error)
	// ListByPatient returns readings recorded in [from, to], oldest first.
	ListByPatient(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*VitalReading, error)
}

type AlertRepository interface {
	Create(ctx context.Context, a *Alert) error
	GetByID(ctx context.Context, id uuid.UUID) (*Alert, error)
	// Transition persists a lifecycle change only if the stored status still
	// equals from. It reports whether a row was updated.
	Transition(ctx context.Context, a *Alert, from AlertStatus) (bool, error)
	// Escalate moves an unresolved alert from fromLevel to fromLevel+1. It
	// reports false when the stored level no longer matches.
	Escalate(ctx context.Context, id uuid.UUID, fromLevel int, next *time.Time, now time.Time) (bool, error)
	ListUnresolvedByPatient(ctx context.Context, patientID uuid.UUID) ([]*Alert, error)
	ListDueForEscalation(ctx context.Context, now time.Time, maxLevel, limit int) ([]*Alert, error)
	List(ctx context.Context, filter AlertFilter, limit, offset int) ([]*Alert, int, error)
}

// AlertFilter narrows alert listings. Zero values match everything.
type AlertFilter struct {
	PatientID *uuid.UUID
	Status    AlertStatus
	Severity  Severity
}

type AssessmentRepository interface {
	Create(ctx context.Context, a *AIAssessment) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, since time.Time) ([]*AIAssessment, error)
}

// PatientDirectory resolves patient references owned by the surrounding
// records system. Lookup returns ErrNotFound for unknown patients.
type PatientDirectory interface {
	Lookup(ctx context.Context, id uuid.UUID) (*PatientRef, error)
}

// Transactor runs fn so that every repository call made with the supplied
// context commits or rolls back together.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noTx struct{}

func (noTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
