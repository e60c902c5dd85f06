package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	eventdomain "github.com/smallbiznis/meterflow/internal/event/domain"
	eventservice "github.com/smallbiznis/meterflow/internal/event/service"
	organizationdomain "github.com/smallbiznis/meterflow/internal/organization/domain"
	plandomain "github.com/smallbiznis/meterflow/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterflow/internal/subscription/domain"
	"github.com/smallbiznis/meterflow/internal/telemetry"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Events  *eventservice.Service
	Metrics *telemetry.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	events  *eventservice.Service
	metrics *telemetry.Metrics
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("aggregation.service"),
		genID:   p.GenID,
		events:  p.Events,
		metrics: p.Metrics,
	}
}

// Key identifies one running aggregate.
type Key struct {
	SubscriptionID snowflake.ID
	ChargeID       snowflake.ID
	FilterID       snowflake.ID
	GroupKey       string
	Period         subscriptiondomain.Period
}

// ApplyEvent folds a freshly ingested event into every matching charge's
// running aggregate, inside the ingestion transaction. In-order events are
// an O(1) fold behind the watermark; late events invalidate the entry and
// recompute it from the event store for the affected period.
func (s *Service) ApplyEvent(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	event *eventdomain.Event,
) error {
	var org organizationdomain.Organization
	if err := tx.WithContext(ctx).Where("id = ?", sub.OrgID).First(&org).Error; err != nil {
		return err
	}
	var plan plandomain.Plan
	if err := tx.WithContext(ctx).Where("id = ?", sub.PlanID).First(&plan).Error; err != nil {
		return err
	}

	var metric plandomain.BillableMetric
	err := tx.WithContext(ctx).
		Where("org_id = ? AND code = ? AND deleted_at IS NULL", sub.OrgID, event.Code).
		First(&metric).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			// Event codes without a metric are stored but never billed.
			return nil
		}
		return err
	}

	var charges []plandomain.Charge
	err = tx.WithContext(ctx).
		Where("plan_id = ? AND billable_metric_id = ? AND deleted_at IS NULL", sub.PlanID, metric.ID).
		Order("position, id").
		Find(&charges).Error
	if err != nil {
		return err
	}

	period := sub.PeriodAt(plan.Interval, event.Timestamp, org.Location())
	for i := range charges {
		charge := &charges[i]
		filterID, matched, err := s.matchFilter(ctx, tx, charge, event)
		if err != nil {
			return err
		}
		if !matched {
			continue
		}
		groupKey, err := buildGroupKey(charge, event)
		if err != nil {
			return err
		}

		key := Key{
			SubscriptionID: sub.ID,
			ChargeID:       charge.ID,
			FilterID:       filterID,
			GroupKey:       groupKey,
			Period:         period,
		}
		entry, err := s.lockEntry(ctx, tx, sub.OrgID, key, metric)
		if err != nil {
			return err
		}

		if event.Timestamp.Before(entry.Watermark) {
			if err := s.recompute(ctx, tx, entry); err != nil {
				return err
			}
			continue
		}
		if err := s.fold(ctx, tx, entry, event.Timestamp, event.Properties); err != nil {
			return err
		}
		entry.UpdatedAt = time.Now().UTC()
		if err := tx.WithContext(ctx).Save(entry).Error; err != nil {
			return err
		}
	}
	return nil
}

// AggregateFor returns the cached aggregate for the key, or a zero entry
// when no event has arrived yet. `until` bounds the time-weighted kinds.
func (s *Service) AggregateFor(
	ctx context.Context,
	tx *gorm.DB,
	key Key,
	until time.Time,
) (*aggregationdomain.CachedAggregation, error) {
	if tx == nil {
		tx = s.db
	}
	var entry aggregationdomain.CachedAggregation
	err := tx.WithContext(ctx).
		Where("subscription_id = ? AND charge_id = ? AND filter_id = ? AND group_key = ? AND period_start = ?",
			key.SubscriptionID, key.ChargeID, key.FilterID, key.GroupKey, key.Period.Start).
		First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return &aggregationdomain.CachedAggregation{
				SubscriptionID: key.SubscriptionID,
				ChargeID:       key.ChargeID,
				FilterID:       key.FilterID,
				GroupKey:       key.GroupKey,
				PeriodStart:    key.Period.Start,
				PeriodEnd:      key.Period.End,
			}, nil
		}
		return nil, err
	}
	if entry.Kind == plandomain.AggregationWeightedSum {
		entry.Units = entry.WeightedUnits(until)
	}
	return &entry, nil
}

// EntriesForPeriod lists every aggregate of a subscription overlapping the
// period, one per (charge, filter, group) partition.
func (s *Service) EntriesForPeriod(
	ctx context.Context,
	tx *gorm.DB,
	subscriptionID snowflake.ID,
	period subscriptiondomain.Period,
) ([]aggregationdomain.CachedAggregation, error) {
	if tx == nil {
		tx = s.db
	}
	var entries []aggregationdomain.CachedAggregation
	err := tx.WithContext(ctx).
		Where("subscription_id = ? AND period_start = ?", subscriptionID, period.Start).
		Order("charge_id, filter_id, group_key").
		Find(&entries).Error
	return entries, err
}

// lockEntry loads the aggregate row under a row lock, creating it first if
// the key has never been seen. Per-key updates serialize here so concurrent
// folds cannot lose each other's writes.
func (s *Service) lockEntry(
	ctx context.Context,
	tx *gorm.DB,
	orgID snowflake.ID,
	key Key,
	metric plandomain.BillableMetric,
) (*aggregationdomain.CachedAggregation, error) {
	fieldName := ""
	if metric.FieldName != nil {
		fieldName = *metric.FieldName
	}
	seed := aggregationdomain.CachedAggregation{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		SubscriptionID: key.SubscriptionID,
		ChargeID:       key.ChargeID,
		FilterID:       key.FilterID,
		GroupKey:       key.GroupKey,
		PeriodStart:    key.Period.Start,
		PeriodEnd:      key.Period.End,
		Code:           metric.Code,
		Kind:           metric.Aggregation,
		FieldName:      fieldName,
		Watermark:      key.Period.Start,
		Version:        1,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "subscription_id"},
			{Name: "charge_id"},
			{Name: "filter_id"},
			{Name: "group_key"},
			{Name: "period_start"},
		},
		DoNothing: true,
	}).Create(&seed).Error
	if err != nil {
		return nil, err
	}

	query := tx.WithContext(ctx)
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var entry aggregationdomain.CachedAggregation
	err = query.
		Where("subscription_id = ? AND charge_id = ? AND filter_id = ? AND group_key = ? AND period_start = ?",
			key.SubscriptionID, key.ChargeID, key.FilterID, key.GroupKey, key.Period.Start).
		First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// fold advances the aggregate with one event at or past the watermark.
func (s *Service) fold(
	ctx context.Context,
	tx *gorm.DB,
	entry *aggregationdomain.CachedAggregation,
	ts time.Time,
	properties map[string]any,
) error {
	value := decimal.Zero
	if entry.Kind != plandomain.AggregationCount {
		v, ok := propertyDecimal(properties, entry.FieldName)
		if !ok && entry.Kind != plandomain.AggregationUniqueCount {
			// Events missing the measured field contribute nothing; the
			// metric definition decides what is billable.
			entry.EventCount++
			if ts.After(entry.Watermark) {
				entry.Watermark = ts
			}
			return nil
		}
		value = v
	}

	switch entry.Kind {
	case plandomain.AggregationCount:
		entry.Units = entry.Units.Add(decimal.NewFromInt(1))
	case plandomain.AggregationSum:
		entry.Units = entry.Units.Add(value)
	case plandomain.AggregationMax:
		if value.GreaterThan(entry.Units) {
			entry.Units = value
		}
	case plandomain.AggregationLatest:
		entry.Units = value
	case plandomain.AggregationUniqueCount:
		member, ok := propertyString(properties, entry.FieldName)
		if !ok {
			break
		}
		inserted, err := s.insertUniqueMember(ctx, tx, entry.ID, member)
		if err != nil {
			return err
		}
		if inserted {
			entry.Units = entry.Units.Add(decimal.NewFromInt(1))
		}
	case plandomain.AggregationWeightedSum:
		// Nothing accrues before the first event; the running total is zero
		// from period start until then.
		if entry.LastEventAt != nil && ts.After(*entry.LastEventAt) {
			span := decimal.NewFromFloat(ts.Sub(*entry.LastEventAt).Seconds())
			entry.WeightedArea = entry.WeightedArea.Add(entry.LastValue.Mul(span))
		}
		entry.LastValue = entry.LastValue.Add(value)
		at := ts
		entry.LastEventAt = &at
	default:
		return aggregationdomain.ErrUnknownKind
	}

	entry.EventCount++
	entry.ValueSum = entry.ValueSum.Add(value)
	if ts.After(entry.Watermark) {
		entry.Watermark = ts
	}
	return nil
}

func (s *Service) insertUniqueMember(
	ctx context.Context,
	tx *gorm.DB,
	aggregationID snowflake.ID,
	member string,
) (bool, error) {
	row := aggregationdomain.UniqueEntry{
		ID:            s.genID.Generate(),
		AggregationID: aggregationID,
		Value:         member,
		CreatedAt:     time.Now().UTC(),
	}
	result := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "aggregation_id"},
			{Name: "value"},
		},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// recompute rebuilds the aggregate from the event store for its whole
// period. The version check in the final update fences a stale recompute
// against a concurrent newer one.
func (s *Service) recompute(
	ctx context.Context,
	tx *gorm.DB,
	entry *aggregationdomain.CachedAggregation,
) error {
	priorVersion := entry.Version

	if err := tx.WithContext(ctx).
		Where("aggregation_id = ?", entry.ID).
		Delete(&aggregationdomain.UniqueEntry{}).Error; err != nil {
		return err
	}

	entry.Units = decimal.Zero
	entry.ValueSum = decimal.Zero
	entry.WeightedArea = decimal.Zero
	entry.LastValue = decimal.Zero
	entry.LastEventAt = nil
	entry.EventCount = 0
	entry.Watermark = entry.PeriodStart

	rows, err := s.events.ListForRange(ctx, tx, entry.SubscriptionID, entry.Code, entry.PeriodStart, entry.PeriodEnd)
	if err != nil {
		return err
	}
	for i := range rows {
		if err := s.fold(ctx, tx, entry, rows[i].Timestamp, rows[i].Properties); err != nil {
			return err
		}
	}

	entry.Version = priorVersion + 1
	entry.UpdatedAt = time.Now().UTC()
	result := tx.WithContext(ctx).Model(&aggregationdomain.CachedAggregation{}).
		Where("id = ? AND version = ?", entry.ID, priorVersion).
		Updates(map[string]any{
			"units":         entry.Units,
			"value_sum":     entry.ValueSum,
			"weighted_area": entry.WeightedArea,
			"last_value":    entry.LastValue,
			"last_event_at": entry.LastEventAt,
			"event_count":   entry.EventCount,
			"watermark":     entry.Watermark,
			"version":       entry.Version,
			"updated_at":    entry.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return aggregationdomain.ErrStaleRecompute
	}
	s.metrics.RecordRecompute()
	s.log.Info("aggregate recomputed",
		zap.String("aggregation_id", entry.ID.String()),
		zap.Int64("version", entry.Version),
		zap.Int64("event_count", entry.EventCount),
	)
	return nil
}

// matchFilter resolves the charge filter the event belongs to. Filters with
// the most matching keys win; an unfiltered charge matches everything.
func (s *Service) matchFilter(
	ctx context.Context,
	tx *gorm.DB,
	charge *plandomain.Charge,
	event *eventdomain.Event,
) (snowflake.ID, bool, error) {
	var filters []plandomain.ChargeFilter
	err := tx.WithContext(ctx).
		Where("charge_id = ? AND deleted_at IS NULL", charge.ID).
		Order("id").
		Find(&filters).Error
	if err != nil {
		return 0, false, err
	}
	if len(filters) == 0 {
		return 0, true, nil
	}

	bestID := snowflake.ID(0)
	bestKeys := -1
	for i := range filters {
		values, err := decodeFilterValues(filters[i].Values)
		if err != nil {
			return 0, false, err
		}
		if !filterMatches(values, event.Properties) {
			continue
		}
		if len(values) > bestKeys {
			bestKeys = len(values)
			bestID = filters[i].ID
		}
	}
	if bestKeys < 0 {
		// A filtered charge only bills events matching one of its filters.
		return 0, false, nil
	}
	return bestID, true, nil
}

func decodeFilterValues(raw []byte) (map[string][]string, error) {
	var loose map[string]any
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(loose))
	for k, v := range loose {
		switch val := v.(type) {
		case []any:
			for _, item := range val {
				out[k] = append(out[k], fmt.Sprint(item))
			}
		default:
			out[k] = []string{fmt.Sprint(val)}
		}
	}
	return out, nil
}

func filterMatches(values map[string][]string, properties map[string]any) bool {
	for key, allowed := range values {
		got, ok := propertyString(properties, key)
		if !ok {
			return false
		}
		found := false
		for _, candidate := range allowed {
			if candidate == got {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// buildGroupKey canonicalizes the event's grouped_by dimension values so
// every partition of one charge gets its own aggregate.
func buildGroupKey(charge *plandomain.Charge, event *eventdomain.Event) (string, error) {
	if len(charge.GroupedBy) == 0 {
		return "", nil
	}
	var keys []string
	if err := json.Unmarshal(charge.GroupedBy, &keys); err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", nil
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value, _ := propertyString(event.Properties, key)
		parts = append(parts, key+"="+value)
	}
	return strings.Join(parts, "|"), nil
}

func propertyDecimal(properties map[string]any, field string) (decimal.Decimal, bool) {
	if field == "" {
		return decimal.Zero, false
	}
	raw, ok := properties[field]
	if !ok {
		return decimal.Zero, false
	}
	switch v := raw.(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case int64:
		return decimal.NewFromInt(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

func propertyString(properties map[string]any, field string) (string, bool) {
	if field == "" {
		return "", false
	}
	raw, ok := properties[field]
	if !ok {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return v, true
	default:
		return fmt.Sprint(v), true
	}
}
