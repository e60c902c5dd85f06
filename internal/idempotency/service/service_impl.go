package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	idempotencydomain "github.com/smallbiznis/meterflow/internal/idempotency/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
}

func NewService(p ServiceParam) idempotencydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("idempotency.service"),
		genID: p.GenID,
	}
}

func (s *Service) Admit(
	ctx context.Context,
	tx *gorm.DB,
	orgID snowflake.ID,
	resourceType, scope, key string,
) (idempotencydomain.Admission, error) {
	if tx == nil {
		tx = s.db
	}
	resourceType = strings.TrimSpace(resourceType)
	if resourceType == "" {
		return idempotencydomain.Admission{}, idempotencydomain.ErrInvalidResourceType
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return idempotencydomain.Admission{}, idempotencydomain.ErrInvalidKey
	}

	keyHash := BuildKeyHash(orgID, resourceType, scope, key)
	record := idempotencydomain.Key{
		ID:           s.genID.Generate(),
		OrgID:        orgID,
		KeyHash:      keyHash,
		ResourceType: resourceType,
		Status:       idempotencydomain.KeyStatusInFlight,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	result := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key_hash"}},
		DoNothing: true,
	}).Create(&record)
	if result.Error != nil {
		return idempotencydomain.Admission{}, result.Error
	}
	if result.RowsAffected > 0 {
		return idempotencydomain.Admission{
			Outcome: idempotencydomain.OutcomeAdmitted,
			KeyHash: keyHash,
		}, nil
	}

	existing, err := s.findByHash(ctx, tx, keyHash)
	if err != nil {
		return idempotencydomain.Admission{}, err
	}
	if existing == nil {
		// Lost the insert race and the winner rolled back; treat as a
		// duplicate so the caller retries rather than double-executes.
		return idempotencydomain.Admission{
			Outcome:  idempotencydomain.OutcomeDuplicate,
			KeyHash:  keyHash,
			InFlight: true,
		}, nil
	}
	return idempotencydomain.Admission{
		Outcome:  idempotencydomain.OutcomeDuplicate,
		KeyHash:  keyHash,
		Existing: existing,
		InFlight: existing.Status == idempotencydomain.KeyStatusInFlight,
	}, nil
}

func (s *Service) MarkSucceeded(
	ctx context.Context,
	tx *gorm.DB,
	keyHash string,
	resourceID snowflake.ID,
	result map[string]any,
) error {
	if tx == nil {
		tx = s.db
	}
	updates := map[string]any{
		"status":     idempotencydomain.KeyStatusSucceeded,
		"updated_at": time.Now().UTC(),
	}
	if resourceID != 0 {
		updates["resource_id"] = resourceID
	}
	if result != nil {
		updates["result"] = datatypes.JSONMap(result)
	}
	return tx.WithContext(ctx).Model(&idempotencydomain.Key{}).
		Where("key_hash = ?", keyHash).
		Updates(updates).Error
}

func (s *Service) ReclaimStale(ctx context.Context, olderThan time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", idempotencydomain.KeyStatusInFlight, olderThan).
		Delete(&idempotencydomain.Key{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Info("reclaimed stale idempotency keys",
			zap.Int64("count", result.RowsAffected),
			zap.Time("older_than", olderThan),
		)
	}
	return result.RowsAffected, nil
}

func (s *Service) findByHash(ctx context.Context, tx *gorm.DB, keyHash string) (*idempotencydomain.Key, error) {
	var record idempotencydomain.Key
	err := tx.WithContext(ctx).
		Where("key_hash = ?", keyHash).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// BuildKeyHash content-addresses a caller key within its scope.
func BuildKeyHash(orgID snowflake.ID, resourceType, scope, key string) string {
	payload := fmt.Sprintf("%s|%s|%s|%s", orgID.String(), resourceType, scope, key)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
