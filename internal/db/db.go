package db

import (
	"fmt"
	"log"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/claude-relay/internal/db/models"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Init opens the database and runs migrations. An empty mysqlDSN selects the
// embedded SQLite backend at sqlitePath; both backends behave identically to
// callers.
func Init(sqlitePath, mysqlDSN string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if mysqlDSN != "" {
		dialector = mysql.Open(mysqlDSN)
		log.Printf("📦 Using MySQL backend")
	} else {
		dialector = sqlite.Open(sqlitePath)
		log.Printf("📦 Using embedded SQLite backend: %s", sqlitePath)
	}

	database, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(
		&models.Account{},
		&models.CallLog{},
		&models.UsageRecord{},
		&models.Admin{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return database, nil
}
