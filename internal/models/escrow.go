package models

import (
	"time"

	"gorm.io/gorm"
)

type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowDisputed EscrowStatus = "disputed"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowExpired  EscrowStatus = "expired"
)

type LedgerSyncStatus string

const (
	LedgerSyncPending LedgerSyncStatus = "pending"
	LedgerSyncSynced  LedgerSyncStatus = "synced"
	LedgerSyncFailed  LedgerSyncStatus = "failed"
)

// EscrowTransaction is one funds-advance against one order. The platform pays
// the wholesaler out of escrow and the retailer repays over time; this row is
// the durable source of truth, the ledger is best-effort secondary.
type EscrowTransaction struct {
	ID           uint    `gorm:"primarykey" json:"id"`
	OrderID      string  `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_id"`
	RetailerID   string  `gorm:"type:varchar(32);not null;index" json:"retailer_id"`
	WholesalerID string  `gorm:"type:varchar(32);not null;index" json:"wholesaler_id"`
	OrderAmount  float64 `gorm:"not null" json:"order_amount"`
	EscrowAmount float64 `gorm:"not null" json:"escrow_amount"`
	Currency     string  `gorm:"type:varchar(3);not null;default:'RWF'" json:"currency"`
	OrderDetails string  `gorm:"type:text" json:"order_details,omitempty"`

	Status EscrowStatus `gorm:"type:varchar(20);not null;default:'held';index" json:"status"`

	// Ledger references, set only when the post-commit ledger call succeeded
	LedgerTransactionRef string           `gorm:"type:varchar(64)" json:"ledger_transaction_ref,omitempty"`
	LedgerBalanceRef     string           `gorm:"type:varchar(64)" json:"ledger_balance_ref,omitempty"`
	LedgerSyncStatus     LedgerSyncStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"ledger_sync_status"`

	AutoReleaseAt        time.Time `gorm:"not null;index" json:"auto_release_at"`
	ConfirmationRequired bool      `gorm:"not null;default:true" json:"confirmation_required"`

	ConfirmedBy string     `gorm:"type:varchar(64)" json:"confirmed_by,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
	Notes       string     `gorm:"type:text" json:"notes,omitempty"`

	DisputeReason           string     `gorm:"type:text" json:"dispute_reason,omitempty"`
	DisputeRaisedBy         string     `gorm:"type:varchar(64)" json:"dispute_raised_by,omitempty"`
	DisputeRaisedAt         *time.Time `json:"dispute_raised_at,omitempty"`
	DisputeEvidenceURL      string     `gorm:"type:text" json:"dispute_evidence_url,omitempty"`
	DisputeEvidencePublicID string     `gorm:"type:text" json:"-"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Repayments []EscrowRepayment `gorm:"foreignKey:EscrowTransactionID" json:"repayments,omitempty"`
}

func (EscrowTransaction) TableName() string {
	return "escrow_transactions"
}

// RetailerEscrowSummary is a read model recomputed on every query so it always
// reflects the latest repayments. It is never persisted.
type RetailerEscrowSummary struct {
	RetailerID      string  `json:"retailer_id"`
	TotalEscrows    int64   `json:"total_escrows"`
	HeldCount       int64   `json:"held_count"`
	HeldAmount      float64 `json:"held_amount"`
	ReleasedCount   int64   `json:"released_count"`
	ReleasedAmount  float64 `json:"released_amount"`
	DisputedCount   int64   `json:"disputed_count"`
	DisputedAmount  float64 `json:"disputed_amount"`
	TotalRepaid     float64 `json:"total_repaid"`
	OutstandingDebt float64 `json:"outstanding_debt"`
}

// WholesalerEscrowSummary aggregates a wholesaler's escrows by status.
type WholesalerEscrowSummary struct {
	WholesalerID   string  `json:"wholesaler_id"`
	TotalEscrows   int64   `json:"total_escrows"`
	HeldCount      int64   `json:"held_count"`
	HeldAmount     float64 `json:"held_amount"`
	ReleasedCount  int64   `json:"released_count"`
	ReleasedAmount float64 `json:"released_amount"`
	DisputedCount  int64   `json:"disputed_count"`
	DisputedAmount float64 `json:"disputed_amount"`
}
