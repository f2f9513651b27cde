// Package store manages the OpenAerie database layer.
// It initializes GORM with SQLite and owns schema migration. All domain
// packages receive the *Store by injection; there is no package-level DB.
package store

import (
	"fmt"
	"log"

	"github.com/glebarez/sqlite"
	"github.com/vesaa/openaerie/internal/config"
	"github.com/vesaa/openaerie/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the GORM handle shared by all components.
type Store struct {
	DB *gorm.DB
}

// Open opens the database named in cfg and runs AutoMigrate.
func Open(cfg *config.Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unsupported db_driver %q (use 'sqlite')", cfg.DBDriver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	log.Printf("[db] opened %s/%s", cfg.DBDriver, cfg.DBPath)
	return &Store{DB: db}, nil
}

// OpenMemory opens an in-memory database for tests.
func OpenMemory() (*Store, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Squad{},
		&models.Server{},
		&models.Node{},
		&models.ConfigRevision{},
		&models.User{},
		&models.Device{},
		&models.NodeUsage{},
		&models.AuditLog{},
		&models.WebhookEndpoint{},
		&models.WebhookDelivery{},
	)
}
