package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	plandomain "github.com/smallbiznis/meterflow/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterflow/internal/subscription/domain"
)

// workSubscription is the flattened claim row: the subscription plus the
// plan interval and organization timezone its period math needs.
type workSubscription struct {
	ID           snowflake.ID
	OrgID        snowflake.ID
	CustomerID   snowflake.ID
	PlanID       snowflake.ID
	BillingTime  subscriptiondomain.BillingTime
	StartedAt    time.Time
	PlanInterval plandomain.PlanInterval
	Timezone     string
}

const selectWorkSubscriptions = `SELECT s.id, s.org_id, s.customer_id, s.plan_id,
       s.billing_time, s.started_at,
       p."interval" AS plan_interval, o.timezone
 FROM subscriptions s
 JOIN plans p ON p.id = s.plan_id
 JOIN organizations o ON o.id = s.org_id`

// claimSubscriptionsForWork pages through subscriptions with closed-out
// billing activity, keyset-ordered by id. Canceled subscriptions still close
// their trailing period; terminated ones get their final prorated close.
func (s *Scheduler) claimSubscriptionsForWork(ctx context.Context, after snowflake.ID, limit int) ([]workSubscription, error) {
	query := selectWorkSubscriptions + `
 WHERE s.status IN (?, ?, ?) AND s.id > ?
 ORDER BY s.id
 LIMIT ?`
	// SKIP LOCKED keeps concurrent scheduler replicas off each other's
	// batches; sqlite has no row locks, a single process is assumed there.
	if !strings.EqualFold(s.db.Dialector.Name(), "sqlite") {
		query += ` FOR UPDATE OF s SKIP LOCKED`
	}

	var subs []workSubscription
	err := s.db.WithContext(ctx).Raw(query,
		subscriptiondomain.StatusActive,
		subscriptiondomain.StatusCanceled,
		subscriptiondomain.StatusTerminated,
		after,
		limit,
	).Scan(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

type draftInvoiceRow struct {
	ID    snowflake.ID
	OrgID snowflake.ID
}

// claimDraftInvoicesDue returns subscription drafts whose period ended
// before the cutoff, oldest first.
func (s *Scheduler) claimDraftInvoicesDue(ctx context.Context, dueBefore time.Time, limit int) ([]draftInvoiceRow, error) {
	query := `SELECT id, org_id
 FROM invoices
 WHERE status = ? AND invoice_type = ? AND period_end <= ?
 ORDER BY period_end, id
 LIMIT ?`
	if !strings.EqualFold(s.db.Dialector.Name(), "sqlite") {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	var rows []draftInvoiceRow
	err := s.db.WithContext(ctx).Raw(query,
		invoicedomain.StatusDraft,
		invoicedomain.TypeSubscription,
		dueBefore,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
