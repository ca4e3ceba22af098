package models

import (
	"time"
)

// EscrowSettings is a process-wide singleton row, read on every creation and
// sweep and updated only through the admin surface.
type EscrowSettings struct {
	ID                         uint      `gorm:"primarykey" json:"id"`
	AutoReleaseDays            int       `gorm:"not null;default:7" json:"auto_release_days"`
	DefaultDeductionPercentage float64   `gorm:"not null;default:10" json:"default_deduction_percentage"`
	MinimumWalletBalance       float64   `gorm:"not null;default:0" json:"minimum_wallet_balance"`
	MaxOutstandingDebt         float64   `gorm:"not null;default:500000" json:"max_outstanding_debt"`
	EscrowEnabled              bool      `gorm:"not null;default:true" json:"escrow_enabled"`
	DisputeResolutionEmail     string    `gorm:"type:varchar(255)" json:"dispute_resolution_email"`
	UpdatedBy                  string    `gorm:"type:varchar(64)" json:"updated_by,omitempty"`
	CreatedAt                  time.Time `json:"created_at"`
	UpdatedAt                  time.Time `json:"updated_at"`
}

func (EscrowSettings) TableName() string {
	return "escrow_settings"
}

// DefaultEscrowSettings seeds the singleton when no row exists yet.
func DefaultEscrowSettings() EscrowSettings {
	return EscrowSettings{
		AutoReleaseDays:            7,
		DefaultDeductionPercentage: 10,
		MinimumWalletBalance:       0,
		MaxOutstandingDebt:         500000,
		EscrowEnabled:              true,
	}
}

// AutoDeductionConfig drives the daily sweep's behaviour for one retailer.
type AutoDeductionConfig struct {
	ID                   uint      `gorm:"primarykey" json:"id"`
	RetailerID           string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"retailer_id"`
	Enabled              bool      `gorm:"not null;default:true" json:"enabled"`
	Suspended            bool      `gorm:"not null;default:false" json:"suspended"`
	DeductionPercentage  float64   `gorm:"not null;default:10" json:"deduction_percentage"`
	MinimumBalanceRwf    float64   `gorm:"not null;default:0" json:"minimum_balance_rwf"`
	MaxDailyDeductionRwf float64   `gorm:"not null;default:0" json:"max_daily_deduction_rwf"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (AutoDeductionConfig) TableName() string {
	return "auto_deduction_configs"
}
