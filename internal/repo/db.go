package repo

import (
	"log"

	"tabsy-split-service/internal/config"
	"tabsy-split-service/internal/model"
	"tabsy-split-service/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

func InitDB() {
	dsn := config.GlobalConfig.Database.DSN
	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		logger.Log.Fatal("Failed to connect to database",
			zap.Error(err),
		)
	}

	err = DB.AutoMigrate(
		&model.TableSession{},
		&model.Participant{},
		&model.OrderItem{},
		&model.SplitRecord{},
		&model.SplitAuditLog{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
}
