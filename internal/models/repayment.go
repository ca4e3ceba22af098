package models

import (
	"time"

	"gorm.io/gorm"
)

type RepaymentMethod string
type RepaymentStatus string

const (
	RepaymentAutoDeduct   RepaymentMethod = "auto_deduct"
	RepaymentMobileMoney  RepaymentMethod = "mobile_money"
	RepaymentBankTransfer RepaymentMethod = "bank_transfer"
	RepaymentWallet       RepaymentMethod = "wallet"
	RepaymentOffset       RepaymentMethod = "offset"
)

const (
	RepaymentCompleted RepaymentStatus = "completed"
)

// EscrowRepayment is one retailer payment applied against one escrow hold.
// Rows are immutable once created.
type EscrowRepayment struct {
	ID                   uint            `gorm:"primarykey" json:"id"`
	EscrowTransactionID  uint            `gorm:"not null;index" json:"escrow_transaction_id"`
	RetailerID           string          `gorm:"type:varchar(32);not null;index" json:"retailer_id"`
	RepaymentAmount      float64         `gorm:"not null" json:"repayment_amount"`
	RepaymentMethod      RepaymentMethod `gorm:"type:varchar(20);not null" json:"repayment_method"`
	PaymentReference     string          `gorm:"type:varchar(64);uniqueIndex" json:"payment_reference"`
	Status               RepaymentStatus `gorm:"type:varchar(20);not null;default:'completed'" json:"status"`
	ProcessedAt          time.Time       `gorm:"not null" json:"processed_at"`
	LedgerTransactionRef string          `gorm:"type:varchar(64)" json:"ledger_transaction_ref,omitempty"`
	Notes                string          `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	DeletedAt            gorm.DeletedAt  `gorm:"index" json:"-"`

	EscrowTransaction EscrowTransaction `gorm:"foreignKey:EscrowTransactionID" json:"escrow_transaction,omitempty"`
}

func (EscrowRepayment) TableName() string {
	return "escrow_repayments"
}

func ValidRepaymentMethod(m RepaymentMethod) bool {
	switch m {
	case RepaymentAutoDeduct, RepaymentMobileMoney, RepaymentBankTransfer, RepaymentWallet, RepaymentOffset:
		return true
	}
	return false
}
