package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// EscalationSweeper periodically escalates alerts whose SLA has elapsed. It
// runs independently of ingestion; a failed or skipped tick only delays
// escalation until the next one.
type EscalationSweeper struct {
	manager *AlertManager
	logger  zerolog.Logger
	now     func() time.Time
	tenants func(ctx context.Context) ([]string, error)
	scope   TenantScope

	// Interval controls how often the sweep runs.
	Interval time.Duration
}

func NewEscalationSweeper(manager *AlertManager, interval time.Duration, logger zerolog.Logger) *EscalationSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &EscalationSweeper{
		manager:  manager,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		Interval: interval,
	}
}

// TenantScope runs fn against one tenant's tables.
type TenantScope func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error

// WithTenants makes every sweep visit each tenant returned by list, running
// inside scope. Without it a sweep runs once against whatever ctx points at.
func (s *EscalationSweeper) WithTenants(list func(ctx context.Context) ([]string, error), scope TenantScope) *EscalationSweeper {
	s.tenants = list
	s.scope = scope
	return s
}

// Start sweeps once immediately and then on every tick. It blocks until ctx
// is cancelled.
func (s *EscalationSweeper) Start(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep, logging rather than returning failures.
// A failing tenant does not stop the others from being swept.
func (s *EscalationSweeper) RunOnce(ctx context.Context) int {
	start := time.Now()
	now := s.now()

	if s.tenants == nil {
		n, err := s.manager.EscalateDue(ctx, now)
		s.manager.metrics.SweepCompleted(time.Since(start), err)
		s.logResult(n, err, "")
		return n
	}

	tenants, err := s.tenants(ctx)
	if err != nil {
		s.manager.metrics.SweepCompleted(time.Since(start), err)
		s.logger.Error().Err(err).Msg("escalation sweep could not list tenants")
		return 0
	}

	var (
		total int
		errs  []error
	)
	for _, tenantID := range tenants {
		var n int
		err := s.scope(ctx, tenantID, func(ctx context.Context) error {
			var err error
			n, err = s.manager.EscalateDue(ctx, now)
			return err
		})
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
		}
		s.logResult(n, err, tenantID)
	}
	s.manager.metrics.SweepCompleted(time.Since(start), errors.Join(errs...))
	return total
}

func (s *EscalationSweeper) logResult(n int, err error, tenantID string) {
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", tenantID).Int("escalated", n).Msg("escalation sweep failed")
		return
	}
	if n > 0 {
		s.logger.Info().Str("tenant_id", tenantID).Int("escalated", n).Msg("escalation sweep completed")
	}
}
