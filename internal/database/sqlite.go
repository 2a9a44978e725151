package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/pbrebner/dm-api/internal/channels"
	"github.com/pbrebner/dm-api/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection, performs schema migrations and clears
// presence flags left behind by a previous process.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if err := resetPresence(db); err != nil && logger != nil {
		logger.Warn("presence reset failed", zap.Error(err))
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate creates the schema and applies named migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&users.User{},
		&users.Friendship{},
		&channels.Channel{},
		&channels.ChannelMember{},
		&channels.Message{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

// resetPresence marks every user offline. No connection survives a restart.
func resetPresence(db *gorm.DB) error {
	return db.Model(&users.User{}).
		Where("online = ?", true).
		Update("online", false).Error
}
