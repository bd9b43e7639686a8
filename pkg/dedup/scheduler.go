package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/errs"
)

// TenantSource lists the tenants that have identity data.
type TenantSource interface {
	ListTenants(ctx context.Context) ([]string, error)
}

// Scheduler triggers a batch run per tenant on a fixed interval. It is a
// startup dependency: Start launches the loop, Stop drains it.
type Scheduler struct {
	deduper  *Deduplicator
	tenants  TenantSource
	interval time.Duration
	dryRun   bool
	logger   ectologger.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewScheduler creates a dedup scheduler
func NewScheduler(deduper *Deduplicator, tenants TenantSource, interval time.Duration, dryRun bool, logger ectologger.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		deduper:  deduper,
		tenants:  tenants,
		interval: interval,
		dryRun:   dryRun,
		logger:   logger,
	}
}

func (s *Scheduler) GetName() string {
	return "dedup-scheduler"
}

func (s *Scheduler) DependsOn() []string {
	return []string{"database", "graph"}
}

// Start launches the scheduling loop and returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx)
	return nil
}

// Stop cancels the loop and waits for any in-flight run to checkpoint.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	if s.done == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Scheduler) runAll(ctx context.Context) {
	tenants, err := s.tenants.ListTenants(ctx)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("failed to list tenants for dedup pass")
		return
	}

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}

		_, err := s.deduper.Run(ctx, tenantID, s.dryRun)
		if err != nil {
			// Another instance holding the lease is expected in a multi-node
			// deployment.
			if errs.IsConflict(err) {
				s.logger.WithContext(ctx).WithFields(map[string]any{
					"tenant_id": tenantID,
				}).Info("dedup lease held elsewhere, skipping tenant")
				continue
			}
			s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"tenant_id": tenantID,
			}).Error("batch dedup run failed")
		}
	}
}
