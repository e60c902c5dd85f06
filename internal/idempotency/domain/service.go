package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Service guards mutating operations against duplicate execution.
type Service interface {
	// Admit records the key inside the caller's transaction. The caller
	// must perform its side effect and call MarkSucceeded in the same
	// transaction, so a crash between the two leaves a reclaimable
	// in-flight record instead of a silently dropped resource.
	Admit(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, resourceType, scope, key string) (Admission, error)

	// MarkSucceeded completes the admitted key.
	MarkSucceeded(ctx context.Context, tx *gorm.DB, keyHash string, resourceID snowflake.ID, result map[string]any) error

	// ReclaimStale deletes in-flight keys older than the reclaim window so
	// the guarded operation can be retried. Returns the reclaimed count.
	ReclaimStale(ctx context.Context, olderThan time.Time) (int64, error)
}
