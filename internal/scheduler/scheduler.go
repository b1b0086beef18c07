package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the periodic index reconciliation pass.
type Scheduler struct {
	cron          *cron.Cron
	ctx           context.Context
	cancel        context.CancelFunc
	reconcileFunc func(ctx context.Context) error
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetReconcileFunction sets the pass executed on every tick.
func (s *Scheduler) SetReconcileFunction(f func(ctx context.Context) error) {
	s.reconcileFunc = f
}

// Start schedules the reconciliation pass. spec accepts any cron expression
// the cron/v3 parser understands, including "@every 5m".
func (s *Scheduler) Start(spec string) error {
	if s.reconcileFunc == nil {
		log.Println("⚠️ Reconcile function not set, scheduler will not run")
		return nil
	}

	_, err := s.cron.AddFunc(spec, func() {
		if err := s.reconcileFunc(s.ctx); err != nil {
			log.Printf("❌ Background reconciliation failed: %v", err)
		}
	})

	if err != nil {
		return err
	}

	s.cron.Start()
	log.Printf("📅 Scheduler started - index reconciliation runs on %q", spec)
	return nil
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	if s.cancel != nil {
		s.cancel()
	}
	log.Println("📅 Scheduler stopped")
}

// IsRunning reports whether any reconciliation job is scheduled.
func (s *Scheduler) IsRunning() bool {
	return s.cron != nil && len(s.cron.Entries()) > 0
}
