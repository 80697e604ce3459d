package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/monitoring/internal/platform/websocket"
)

func criticalHeartRate(r *VitalReading) { r.HeartRate = 130 }

func TestEscalateDue_OncePerDeadline(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	t0 := env.now
	alert := env.record(t, criticalHeartRate).AlertsCreated[0]

	if n, err := env.svc.RunEscalationSweep(ctx, t0.Add(4*time.Minute)); err != nil || n != 0 {
		t.Fatalf("before the SLA: expected 0 escalations, got %d (%v)", n, err)
	}

	due := t0.Add(5 * time.Minute)
	if n, err := env.svc.RunEscalationSweep(ctx, due); err != nil || n != 1 {
		t.Fatalf("at the SLA: expected 1 escalation, got %d (%v)", n, err)
	}
	if n, _ := env.svc.RunEscalationSweep(ctx, due); n != 0 {
		t.Errorf("repeated sweep must not escalate again, got %d", n)
	}

	got, err := env.svc.GetAlert(ctx, alert.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if got.Status != AlertEscalated || got.EscalationLevel != 1 {
		t.Errorf("expected escalated at level 1, got %s/%d", got.Status, got.EscalationLevel)
	}
	if got.NextEscalationAt == nil || !got.NextEscalationAt.Equal(due.Add(5*time.Minute)) {
		t.Errorf("expected next deadline one SLA after escalation, got %v", got.NextEscalationAt)
	}
	if n := len(env.events.ofType(websocket.EventAlertEscalated)); n != 1 {
		t.Errorf("expected 1 escalated event, got %d", n)
	}
}

func TestEscalateDue_StopsAtMaxLevel(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	t0 := env.now
	alert := env.record(t, criticalHeartRate).AlertsCreated[0]

	for i := 1; i <= 3; i++ {
		at := t0.Add(time.Duration(i) * 5 * time.Minute)
		if n, err := env.svc.RunEscalationSweep(ctx, at); err != nil || n != 1 {
			t.Fatalf("sweep %d: expected 1 escalation, got %d (%v)", i, n, err)
		}
	}

	got, _ := env.svc.GetAlert(ctx, alert.ID)
	if got.EscalationLevel != 3 {
		t.Fatalf("expected level 3, got %d", got.EscalationLevel)
	}
	if got.NextEscalationAt != nil {
		t.Errorf("expected no further deadline at the maximum level, got %v", got.NextEscalationAt)
	}
	if n, _ := env.svc.RunEscalationSweep(ctx, t0.Add(24*time.Hour)); n != 0 {
		t.Errorf("expected no escalation past the maximum level, got %d", n)
	}
}

func TestEscalateDue_WarningUsesLongerSLA(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	t0 := env.now
	env.record(t, tachycardia)

	if n, _ := env.svc.RunEscalationSweep(ctx, t0.Add(10*time.Minute)); n != 0 {
		t.Errorf("warning escalated before its SLA")
	}
	if n, _ := env.svc.RunEscalationSweep(ctx, t0.Add(15*time.Minute)); n != 1 {
		t.Errorf("warning not escalated at its SLA")
	}
}

func TestEscalateDue_AcknowledgeRestartsClock(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	t0 := env.now
	alert := env.record(t, criticalHeartRate).AlertsCreated[0]

	env.advance(3 * time.Minute)
	if _, err := env.svc.AcknowledgeAlert(ctx, alert.ID, "nurse-1"); err != nil {
		t.Fatalf("AcknowledgeAlert: %v", err)
	}

	if n, _ := env.svc.RunEscalationSweep(ctx, t0.Add(5*time.Minute)); n != 0 {
		t.Errorf("acknowledged alert escalated on its original deadline")
	}
	if n, _ := env.svc.RunEscalationSweep(ctx, t0.Add(8*time.Minute)); n != 1 {
		t.Errorf("acknowledged alert not escalated on its restarted deadline")
	}

	if _, err := env.svc.AcknowledgeAlert(ctx, alert.ID, "nurse-1"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("acknowledging an escalated alert: expected ErrInvalidStateTransition, got %v", err)
	}
	if _, err := env.svc.ResolveAlert(ctx, alert.ID, "dr-1", ""); err != nil {
		t.Errorf("resolving an escalated alert: %v", err)
	}
}

func TestEscalateDue_SkipsResolved(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	t0 := env.now
	alert := env.record(t, criticalHeartRate).AlertsCreated[0]

	if _, err := env.svc.ResolveAlert(ctx, alert.ID, "dr-1", "false alarm"); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}
	if n, _ := env.svc.RunEscalationSweep(ctx, t0.Add(time.Hour)); n != 0 {
		t.Errorf("resolved alert escalated")
	}
}

func TestEscalateDue_ConcurrentSweeps(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	t0 := env.now
	env.record(t, func(r *VitalReading) {
		r.HeartRate = 130
		r.TemperatureC = 40
	})

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := env.svc.RunEscalationSweep(ctx, t0.Add(5*time.Minute))
			if err != nil {
				t.Errorf("sweep: %v", err)
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 2 {
		t.Errorf("expected each alert escalated exactly once, got %d escalations", total)
	}
}

func TestEscalationSweeper_RunOnce(t *testing.T) {
	env := newTestEnv()
	t0 := env.now
	env.record(t, criticalHeartRate)

	sweeper := NewEscalationSweeper(env.svc.AlertManager(), 0, zerolog.Nop())
	if sweeper.Interval != time.Minute {
		t.Errorf("expected default interval of 1m, got %s", sweeper.Interval)
	}
	sweeper.now = func() time.Time { return t0.Add(6 * time.Minute) }

	if n := sweeper.RunOnce(context.Background()); n != 1 {
		t.Errorf("expected 1 escalation, got %d", n)
	}
	if n := sweeper.RunOnce(context.Background()); n != 0 {
		t.Errorf("expected 0 escalations on the second pass, got %d", n)
	}
}

func TestEscalationSweeper_StartStopsOnCancel(t *testing.T) {
	env := newTestEnv()
	sweeper := NewEscalationSweeper(env.svc.AlertManager(), 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}
}

func TestEscalationSweeper_VisitsEveryTenant(t *testing.T) {
	env := newTestEnv()
	t0 := env.now
	env.record(t, criticalHeartRate)

	type tenantKey struct{}
	var visited []string
	sweeper := NewEscalationSweeper(env.svc.AlertManager(), time.Minute, zerolog.Nop()).
		WithTenants(
			func(ctx context.Context) ([]string, error) {
				return []string{"default", "ward7", "acme"}, nil
			},
			func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
				visited = append(visited, tenantID)
				if tenantID == "ward7" {
					return errors.New("schema unavailable")
				}
				return fn(context.WithValue(ctx, tenantKey{}, tenantID))
			})
	sweeper.now = func() time.Time { return t0.Add(5 * time.Minute) }

	if n := sweeper.RunOnce(context.Background()); n != 1 {
		t.Errorf("expected 1 escalation across tenants, got %d", n)
	}
	if len(visited) != 3 || visited[2] != "acme" {
		t.Errorf("expected every tenant visited despite a failure, got %v", visited)
	}
}

func TestEscalationSweeper_TenantListFailure(t *testing.T) {
	env := newTestEnv()
	t0 := env.now
	env.record(t, criticalHeartRate)

	called := false
	sweeper := NewEscalationSweeper(env.svc.AlertManager(), time.Minute, zerolog.Nop()).
		WithTenants(
			func(ctx context.Context) ([]string, error) {
				return nil, errors.New("database unavailable")
			},
			func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
				called = true
				return fn(ctx)
			})
	sweeper.now = func() time.Time { return t0.Add(5 * time.Minute) }

	if n := sweeper.RunOnce(context.Background()); n != 0 {
		t.Errorf("expected 0 escalations when tenants cannot be listed, got %d", n)
	}
	if called {
		t.Error("scope must not run without a tenant list")
	}
}
