package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/clock"
	subscriptiondomain "github.com/smallbiznis/meterflow/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

type CreateSubscriptionRequest struct {
	OrgID       snowflake.ID
	CustomerID  snowflake.ID
	PlanID      snowflake.ID
	ExternalID  string
	BillingTime subscriptiondomain.BillingTime
	StartedAt   time.Time
}

func (s *Service) Create(ctx context.Context, req CreateSubscriptionRequest) (*subscriptiondomain.Subscription, error) {
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	if req.OrgID == 0 || req.CustomerID == 0 || req.PlanID == 0 || req.ExternalID == "" {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	if req.BillingTime == "" {
		req.BillingTime = subscriptiondomain.BillingTimeCalendar
	}
	now := s.clock.Now().UTC()
	if req.StartedAt.IsZero() {
		req.StartedAt = now
	}

	status := subscriptiondomain.StatusPending
	if !req.StartedAt.After(now) {
		status = subscriptiondomain.StatusActive
	}

	sub := subscriptiondomain.Subscription{
		ID:          s.genID.Generate(),
		OrgID:       req.OrgID,
		CustomerID:  req.CustomerID,
		PlanID:      req.PlanID,
		ExternalID:  req.ExternalID,
		Status:      status,
		BillingTime: req.BillingTime,
		StartedAt:   req.StartedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&sub).Error; err != nil {
		return nil, err
	}
	s.log.Info("subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("external_id", sub.ExternalID),
		zap.String("status", string(sub.Status)),
	)
	return &sub, nil
}

func (s *Service) GetByExternalID(ctx context.Context, orgID snowflake.ID, externalID string) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND external_id = ?", orgID, externalID).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, subscriptiondomain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *Service) Get(ctx context.Context, orgID, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, id).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, subscriptiondomain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// Activate moves a pending subscription whose start date has arrived to
// ACTIVE.
func (s *Service) Activate(ctx context.Context, orgID, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, orgID, id, func(sub *subscriptiondomain.Subscription, now time.Time) error {
		if sub.Status != subscriptiondomain.StatusPending {
			return subscriptiondomain.ErrInvalidTransition
		}
		sub.Status = subscriptiondomain.StatusActive
		return nil
	})
}

// Cancel marks the subscription to stop at the end of its current period.
// Usage keeps accruing until termination.
func (s *Service) Cancel(ctx context.Context, orgID, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, orgID, id, func(sub *subscriptiondomain.Subscription, now time.Time) error {
		if sub.Status != subscriptiondomain.StatusActive {
			return subscriptiondomain.ErrInvalidTransition
		}
		sub.Status = subscriptiondomain.StatusCanceled
		sub.CanceledAt = &now
		return nil
	})
}

// Terminate ends the subscription immediately.
func (s *Service) Terminate(ctx context.Context, orgID, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, orgID, id, func(sub *subscriptiondomain.Subscription, now time.Time) error {
		switch sub.Status {
		case subscriptiondomain.StatusActive, subscriptiondomain.StatusCanceled:
		default:
			return subscriptiondomain.ErrInvalidTransition
		}
		sub.Status = subscriptiondomain.StatusTerminated
		sub.TerminatedAt = &now
		return nil
	})
}

func (s *Service) transition(
	ctx context.Context,
	orgID, id snowflake.ID,
	apply func(*subscriptiondomain.Subscription, time.Time) error,
) (*subscriptiondomain.Subscription, error) {
	var out subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub subscriptiondomain.Subscription
		if err := tx.Where("org_id = ? AND id = ?", orgID, id).First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return subscriptiondomain.ErrSubscriptionNotFound
			}
			return err
		}
		now := s.clock.Now().UTC()
		if err := apply(&sub, now); err != nil {
			return err
		}
		sub.UpdatedAt = now
		if err := tx.Save(&sub).Error; err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("subscription transitioned",
		zap.String("subscription_id", out.ID.String()),
		zap.String("status", string(out.Status)),
	)
	return &out, nil
}

// BillingErrors returns the subscription's billing errors, unresolved first,
// newest within each group.
func (s *Service) BillingErrors(ctx context.Context, subscriptionID snowflake.ID) ([]subscriptiondomain.BillingError, error) {
	var rows []subscriptiondomain.BillingError
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("resolved_at IS NOT NULL, created_at DESC").
		Find(&rows).Error
	return rows, err
}
