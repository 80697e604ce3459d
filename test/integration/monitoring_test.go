package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/monitoring/internal/domain/monitoring"
	"github.com/ehr/monitoring/internal/platform/db"
	"github.com/ehr/monitoring/migrations"
)

var elderlyBirthDate = time.Date(1950, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMigrations_Idempotent(t *testing.T) {
	tenantID := newTenant(t, "mig")
	ctx := context.Background()

	n, err := db.NewMigrator(globalDB.Pool, migrations.FS).Up(ctx, db.SchemaFor(tenantID))
	if err != nil {
		t.Fatalf("second Up: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no migrations on the second run, got %d", n)
	}

	statuses, err := db.NewMigrator(globalDB.Pool, migrations.FS).Status(ctx, db.SchemaFor(tenantID))
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("migration %s not applied", s.Name)
		}
	}
}

func TestRecordReading_PersistsReadingAndAlert(t *testing.T) {
	tenantID := newTenant(t, "rec")
	patientID := createTestPatient(t, tenantID, elderlyBirthDate, true)
	svc := newService()

	mustTenant(t, tenantID, func(ctx context.Context) error {
		r := normalReading(patientID, time.Now().UTC())
		r.HeartRate = 130
		res, err := svc.RecordReading(ctx, r)
		if err != nil {
			return err
		}
		if res.AlertLevel != monitoring.SeverityCritical {
			t.Errorf("expected critical, got %s", res.AlertLevel)
		}
		if len(res.AlertsCreated) != 1 {
			t.Fatalf("expected 1 alert, got %d", len(res.AlertsCreated))
		}

		got, err := svc.GetAlert(ctx, res.AlertsCreated[0].ID)
		if err != nil {
			return err
		}
		if got.Status != monitoring.AlertOpen || got.Signal != monitoring.SignalHeartRate {
			t.Errorf("unexpected stored alert: %s/%s", got.Status, got.Signal)
		}
		if got.NextEscalationAt == nil {
			t.Error("expected an escalation deadline on a new alert")
		}

		current, err := svc.GetCurrentVitals(ctx, patientID)
		if err != nil {
			return err
		}
		if current.Reading == nil || current.Reading.ID != res.ReadingID {
			t.Errorf("expected latest reading %s, got %+v", res.ReadingID, current.Reading)
		}
		return nil
	})
}

func TestRecordReading_UnknownPatient(t *testing.T) {
	tenantID := newTenant(t, "unk")
	svc := newService()

	mustTenant(t, tenantID, func(ctx context.Context) error {
		_, err := svc.RecordReading(ctx, normalReading(uuid.New(), time.Now().UTC()))
		if !errors.Is(err, monitoring.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		return nil
	})
}

func TestRecordReading_DeduplicatesWithinWindow(t *testing.T) {
	tenantID := newTenant(t, "dup")
	patientID := createTestPatient(t, tenantID, elderlyBirthDate, true)
	svc := newService()

	mustTenant(t, tenantID, func(ctx context.Context) error {
		now := time.Now().UTC()
		for i := 0; i < 3; i++ {
			r := normalReading(patientID, now.Add(time.Duration(i)*time.Second))
			r.HeartRate = 130
			res, err := svc.RecordReading(ctx, r)
			if err != nil {
				return err
			}
			if i == 0 && len(res.AlertsCreated) != 1 {
				t.Errorf("first reading: expected 1 alert, got %d", len(res.AlertsCreated))
			}
			if i > 0 && (len(res.AlertsCreated) != 0 || res.AlertsSuppressed != 1) {
				t.Errorf("reading %d: expected suppression, got created=%d suppressed=%d",
					i, len(res.AlertsCreated), res.AlertsSuppressed)
			}
		}

		_, total, err := svc.ListAlerts(ctx, monitoring.AlertFilter{PatientID: &patientID}, 50, 0)
		if err != nil {
			return err
		}
		if total != 1 {
			t.Errorf("expected 1 stored alert, got %d", total)
		}
		return nil
	})
}

func TestAlertLifecycle_CompareAndSwap(t *testing.T) {
	tenantID := newTenant(t, "cas")
	patientID := createTestPatient(t, tenantID, elderlyBirthDate, true)
	svc := newService()

	mustTenant(t, tenantID, func(ctx context.Context) error {
		r := normalReading(patientID, time.Now().UTC())
		r.OxygenSaturation = 85
		res, err := svc.RecordReading(ctx, r)
		if err != nil {
			return err
		}
		id := res.AlertsCreated[0].ID

		acked, err := svc.AcknowledgeAlert(ctx, id, "nurse-1")
		if err != nil {
			return err
		}
		if acked.Status != monitoring.AlertAcknowledged || acked.AcknowledgedBy == nil || *acked.AcknowledgedBy != "nurse-1" {
			t.Errorf("unexpected acknowledged alert: %+v", acked)
		}
		if _, err := svc.AcknowledgeAlert(ctx, id, "nurse-2"); !errors.Is(err, monitoring.ErrInvalidStateTransition) {
			t.Errorf("second acknowledge: expected ErrInvalidStateTransition, got %v", err)
		}

		resolved, err := svc.ResolveAlert(ctx, id, "dr-1", "patient repositioned")
		if err != nil {
			return err
		}
		if resolved.Status != monitoring.AlertResolved || resolved.ResolvedAt == nil || resolved.NextEscalationAt != nil {
			t.Errorf("unexpected resolved alert: %+v", resolved)
		}
		if _, err := svc.ResolveAlert(ctx, id, "dr-1", ""); !errors.Is(err, monitoring.ErrInvalidStateTransition) {
			t.Errorf("second resolve: expected ErrInvalidStateTransition, got %v", err)
		}
		if _, err := svc.AcknowledgeAlert(ctx, uuid.New(), "nurse-1"); !errors.Is(err, monitoring.ErrNotFound) {
			t.Errorf("unknown alert: expected ErrNotFound, got %v", err)
		}
		return nil
	})
}

func TestEscalationSweep_EscalatesOnce(t *testing.T) {
	tenantID := newTenant(t, "esc")
	patientID := createTestPatient(t, tenantID, elderlyBirthDate, true)
	svc := newService()

	mustTenant(t, tenantID, func(ctx context.Context) error {
		now := time.Now().UTC()
		r := normalReading(patientID, now)
		r.HeartRate = 130
		res, err := svc.RecordReading(ctx, r)
		if err != nil {
			return err
		}

		due := now.Add(6 * time.Minute)
		n, err := svc.RunEscalationSweep(ctx, due)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("expected 1 escalation, got %d", n)
		}
		if n, _ := svc.RunEscalationSweep(ctx, due); n != 0 {
			t.Errorf("expected the repeated sweep to escalate nothing, got %d", n)
		}

		got, err := svc.GetAlert(ctx, res.AlertsCreated[0].ID)
		if err != nil {
			return err
		}
		if got.Status != monitoring.AlertEscalated || got.EscalationLevel != 1 {
			t.Errorf("expected escalated at level 1, got %s/%d", got.Status, got.EscalationLevel)
		}
		return nil
	})
}

func TestGetHistory_OldestFirst(t *testing.T) {
	tenantID := newTenant(t, "hist")
	patientID := createTestPatient(t, tenantID, elderlyBirthDate, true)
	svc := newService()

	mustTenant(t, tenantID, func(ctx context.Context) error {
		now := time.Now().UTC()
		offsets := []time.Duration{-30 * time.Minute, -2 * time.Hour, -time.Hour, -48 * time.Hour}
		for _, off := range offsets {
			if _, err := svc.RecordReading(ctx, normalReading(patientID, now.Add(off))); err != nil {
				return err
			}
		}

		h, err := svc.GetHistory(ctx, patientID, 24*time.Hour)
		if err != nil {
			return err
		}
		if len(h.Readings) != 3 {
			t.Fatalf("expected 3 readings in the window, got %d", len(h.Readings))
		}
		for i := 1; i < len(h.Readings); i++ {
			if h.Readings[i].RecordedAt.Before(h.Readings[i-1].RecordedAt) {
				t.Errorf("readings out of order at %d", i)
			}
		}
		return nil
	})
}

func TestTenantIsolation(t *testing.T) {
	tenantA := newTenant(t, "iso_a")
	tenantB := newTenant(t, "iso_b")
	patientID := createTestPatient(t, tenantA, elderlyBirthDate, true)
	svc := newService()

	var alertID uuid.UUID
	mustTenant(t, tenantA, func(ctx context.Context) error {
		r := normalReading(patientID, time.Now().UTC())
		r.TemperatureC = 40
		res, err := svc.RecordReading(ctx, r)
		if err != nil {
			return err
		}
		alertID = res.AlertsCreated[0].ID
		return nil
	})

	mustTenant(t, tenantB, func(ctx context.Context) error {
		if _, err := svc.GetAlert(ctx, alertID); !errors.Is(err, monitoring.ErrNotFound) {
			t.Errorf("tenant B read tenant A's alert: %v", err)
		}
		_, total, err := svc.ListAlerts(ctx, monitoring.AlertFilter{}, 50, 0)
		if err != nil {
			return err
		}
		if total != 0 {
			t.Errorf("expected no alerts in tenant B, got %d", total)
		}
		return nil
	})
}

func TestVitalReading_Immutable(t *testing.T) {
	tenantID := newTenant(t, "imm")
	patientID := createTestPatient(t, tenantID, elderlyBirthDate, true)
	svc := newService()

	mustTenant(t, tenantID, func(ctx context.Context) error {
		res, err := svc.RecordReading(ctx, normalReading(patientID, time.Now().UTC()))
		if err != nil {
			return err
		}
		conn := db.ConnFromContext(ctx)
		if _, err := conn.Exec(ctx, `UPDATE vital_reading SET heart_rate = 10 WHERE id = $1`, res.ReadingID); err == nil {
			t.Error("expected UPDATE on vital_reading to fail")
		}
		if _, err := conn.Exec(ctx, `DELETE FROM vital_reading WHERE id = $1`, res.ReadingID); err == nil {
			t.Error("expected DELETE on vital_reading to fail")
		}
		return nil
	})
}

func TestEscalationSweeper_SweepsEveryTenant(t *testing.T) {
	tenantA := newTenant(t, "sweep_a")
	tenantB := newTenant(t, "sweep_b")
	patientA := createTestPatient(t, tenantA, elderlyBirthDate, true)
	patientB := createTestPatient(t, tenantB, elderlyBirthDate, true)

	cfg := monitoring.DefaultConfig()
	cfg.Alerts.CriticalSLA = 10 * time.Millisecond
	svc := newServiceWithConfig(cfg)

	alerts := map[string]uuid.UUID{}
	for tenantID, patientID := range map[string]uuid.UUID{tenantA: patientA, tenantB: patientB} {
		mustTenant(t, tenantID, func(ctx context.Context) error {
			r := normalReading(patientID, time.Now().UTC())
			r.HeartRate = 130
			res, err := svc.RecordReading(ctx, r)
			if err != nil {
				return err
			}
			alerts[tenantID] = res.AlertsCreated[0].ID
			return nil
		})
	}

	tenants, err := db.ListTenants(context.Background(), globalDB.Pool)
	if err != nil {
		t.Fatalf("ListTenants: %v", err)
	}
	listed := map[string]bool{}
	for _, id := range tenants {
		listed[id] = true
	}
	if !listed[tenantA] || !listed[tenantB] {
		t.Fatalf("expected %s and %s among tenants, got %v", tenantA, tenantB, tenants)
	}

	time.Sleep(50 * time.Millisecond)
	sweeper := monitoring.NewEscalationSweeper(svc.AlertManager(), time.Minute, zerolog.Nop()).
		WithTenants(
			func(ctx context.Context) ([]string, error) { return []string{tenantA, tenantB}, nil },
			func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
				return withTenantConn(ctx, tenantID, fn)
			})
	if n := sweeper.RunOnce(context.Background()); n != 2 {
		t.Errorf("expected one escalation per tenant, got %d", n)
	}

	for tenantID, alertID := range alerts {
		mustTenant(t, tenantID, func(ctx context.Context) error {
			got, err := svc.GetAlert(ctx, alertID)
			if err != nil {
				return err
			}
			if got.Status != monitoring.AlertEscalated || got.EscalationLevel != 1 {
				t.Errorf("tenant %s: expected escalated at level 1, got %s/%d", tenantID, got.Status, got.EscalationLevel)
			}
			return nil
		})
	}
}

func TestAlertRepo_StoresManagerTimestamps(t *testing.T) {
	tenantID := newTenant(t, "clock")
	patientID := createTestPatient(t, tenantID, elderlyBirthDate, true)
	repo := monitoring.NewAlertRepoPG(globalDB.Pool)

	// a clock well away from the database's NOW()
	stamped := time.Now().UTC().Add(-3 * time.Hour).Truncate(time.Microsecond)

	mustTenant(t, tenantID, func(ctx context.Context) error {
		a := &monitoring.Alert{
			PatientID:      patientID,
			Type:           monitoring.AlertTypeVitalSigns,
			Signal:         monitoring.SignalHeartRate,
			Severity:       monitoring.SeverityWarning,
			Title:          "Heart rate out of range",
			Status:         monitoring.AlertOpen,
			CanAutoResolve: true,
			CreatedAt:      stamped,
			UpdatedAt:      stamped,
		}
		if err := repo.Create(ctx, a); err != nil {
			return err
		}

		got, err := repo.GetByID(ctx, a.ID)
		if err != nil {
			return err
		}
		if !got.CreatedAt.Equal(stamped) || !got.UpdatedAt.Equal(stamped) {
			t.Errorf("expected timestamps %v, got created %v updated %v", stamped, got.CreatedAt, got.UpdatedAt)
		}
		return nil
	})
}
