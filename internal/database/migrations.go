package database

import (
	"errors"
	"time"

	"github.com/pbrebner/dm-api/internal/channels"
	"github.com/pbrebner/dm-api/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillDefaultAvatars = "2026-09-15_backfill_default_avatars"
	migrationRemoveOrphanMembers    = "2026-10-02_remove_orphan_channel_members"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillDefaultAvatars, apply: backfillDefaultAvatars},
		{name: migrationRemoveOrphanMembers, apply: removeOrphanChannelMembers},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func backfillDefaultAvatars(db *gorm.DB) error {
	return db.Model(&users.User{}).
		Where("avatar = '' OR avatar IS NULL").
		Update("avatar", users.DefaultAvatar).Error
}

func removeOrphanChannelMembers(db *gorm.DB) error {
	return db.Where("channel_id NOT IN (?)", db.Model(&channels.Channel{}).Select("id")).
		Delete(&channels.ChannelMember{}).Error
}
