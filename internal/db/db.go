package db

import (
	"fmt"

	"payretry/internal/retry"
	"payretry/internal/subscription"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return gdb, nil
}

func AutoMigrateAndIndexes(gdb *gorm.DB, log *zap.Logger) error {
	// Tables
	if err := gdb.AutoMigrate(
		&retry.Message{},
		&retry.DeadLetterRow{},
		&subscription.Subscription{},
	); err != nil {
		return err
	}

	stmts := []string{
		// gen_random_uuid() for claim receipts; built in from Postgres 13
		`create extension if not exists pgcrypto;`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("migration exec failed: %w (sql=%s)", err, s)
		}
	}

	log.Info("database migrated")
	return nil
}
