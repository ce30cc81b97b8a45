package database

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ReadOnlyDB serves the reporting endpoints (signal listing, transition
// history, performance stats). The database user for this connection should
// have SELECT-only permissions. When no replica URL is configured it falls
// back to MainDB.
var ReadOnlyDB *gorm.DB

// InitReadOnlyDB initializes the read-only database connection. It does not
// run any migrations. InitMainDB must have been called first.
func InitReadOnlyDB() error {
	config := GetConfig()

	if config.DatabaseURLReadOnly == "" {
		logrus.Info("[database] no read replica configured, reporting reads use MainDB")
		ReadOnlyDB = MainDB
		return nil
	}

	db, err := gorm.Open(postgres.Open(config.DatabaseURLReadOnly),
		&gorm.Config{
			PrepareStmt:    true,
			TranslateError: true,
			Logger:         logger.Default.LogMode(logger.LogLevel(config.GormLogLevel)),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to connect to ReadOnlyDB: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB from ReadOnlyDB: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping ReadOnlyDB: %w", err)
	}

	ReadOnlyDB = db

	logrus.Info("[database] ReadOnlyDB connection established")

	return nil
}
