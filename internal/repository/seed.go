package repository

import (
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payment-core/internal/models"
)

// SeedGatewayConfigs inserts gateway configurations for local setups.
// Existing rows belong to the admin side and are left untouched.
func SeedGatewayConfigs(db *gorm.DB, configs []models.GatewayConfig, logger *logrus.Logger) error {
	if len(configs) == 0 {
		return nil
	}

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoNothing: true,
	}).Create(&configs)
	if result.Error != nil {
		return result.Error
	}

	logger.WithFields(logrus.Fields{
		"offered":  len(configs),
		"inserted": result.RowsAffected,
	}).Info("Seeded payment gateway configurations")
	return nil
}
