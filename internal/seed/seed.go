// Package seed bootstraps a fresh database with a default organization so
// local and self-hosted installs are usable without manual SQL.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	organizationdomain "github.com/smallbiznis/meterflow/internal/organization/domain"
	"gorm.io/gorm"
)

const (
	defaultOrgName   = "Main"
	defaultOrgPrefix = "MAIN"
)

// EnsureDefaultOrg creates the default organization if none exists. Existing
// installs are left untouched; the seed never overwrites operator edits.
func EnsureDefaultOrg(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.WithContext(ctx).Model(&organizationdomain.Organization{}).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		now := time.Now().UTC()
		org := organizationdomain.Organization{
			ID:                   node.Generate(),
			Name:                 defaultOrgName,
			DefaultCurrency:      "USD",
			Timezone:             "UTC",
			DocumentNumberPrefix: defaultOrgPrefix,
			NetPaymentTermDays:   30,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		return tx.WithContext(ctx).Create(&org).Error
	})
}
