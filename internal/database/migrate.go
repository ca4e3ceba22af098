package database

import (
	"fmt"
	"log"

	"IsokoPay/internal/models"
)

func Migrate() error {
	log.Println("Running database migrations...")

	err := DB.AutoMigrate(
		&models.EscrowTransaction{},
		&models.EscrowRepayment{},
		&models.EscrowSettings{},
		&models.AutoDeductionConfig{},
		&models.SettlementRun{},
	)

	if err != nil {
		log.Printf("Error migrating database: %v", err)
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Println("Database migration completed successfully")
	return nil
}
