// Package scheduler drives the periodic billing machinery: closing due
// billing periods, auto-finalizing drafts, firing wallet top-up rules,
// cutting progressive invoices off threshold crossings, dispatching the
// outbox and sweeping stale idempotency claims.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/events"
	idempotencydomain "github.com/smallbiznis/meterflow/internal/idempotency/domain"
	invoiceservice "github.com/smallbiznis/meterflow/internal/invoice/service"
	"github.com/smallbiznis/meterflow/internal/telemetry"
	walletservice "github.com/smallbiznis/meterflow/internal/wallet/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Invoices    *invoiceservice.Service
	Wallets     *walletservice.Service
	Outbox      *events.Outbox
	Idempotency idempotencydomain.Service
	Metrics     *telemetry.Metrics `optional:"true"`
	Config      Config             `optional:"true"`
}

type Scheduler struct {
	db  *gorm.DB
	log *zap.Logger
	cfg Config

	genID       *snowflake.Node
	clock       clock.Clock
	invoices    *invoiceservice.Service
	wallets     *walletservice.Service
	outbox      *events.Outbox
	idempotency idempotencydomain.Service
	metrics     *telemetry.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil ||
		p.Invoices == nil || p.Wallets == nil || p.Outbox == nil || p.Idempotency == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler"),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		invoices:    p.Invoices,
		wallets:     p.Wallets,
		outbox:      p.Outbox,
		idempotency: p.Idempotency,
		metrics:     p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	runID := s.genID.Generate().String()
	log := s.log.With(zap.String("job", name), zap.String("run_id", runID))
	log.Debug("job started")

	err := fn(ctx)
	s.metrics.ObserveJob(name, s.clock.Now().Sub(start), err)
	if err == nil {
		log.Debug("job finished")
		return nil
	}

	// A deadline is a soft failure: the next tick picks up where this one
	// left off.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	log.Warn("job failed", zap.Error(err))
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one pass over every enabled job. Order matters:
// progressive invoices must see threshold events before the dispatcher
// marks them delivered.
func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		Name    string
		Timeout time.Duration
		Run     func(context.Context) error
	}{
		{"close_periods", 30 * time.Second, s.ClosePeriodsJob},
		{"finalize_invoices", 30 * time.Second, s.FinalizeInvoicesJob},
		{"wallet_rules", 30 * time.Second, s.WalletRulesJob},
		{"progressive_invoices", 30 * time.Second, s.ProgressiveInvoicesJob},
		{"outbox_dispatch", 30 * time.Second, s.OutboxDispatchJob},
		{"recovery_sweep", 30 * time.Second, s.RecoverySweepJob},
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Timeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		if lag := time.Since(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
