package models

import (
	"time"
)

type SettlementJob string
type SettlementRunStatus string

const (
	JobAutoRelease SettlementJob = "auto_release"
	JobAutoDeduct  SettlementJob = "auto_deduct"
)

const (
	RunRunning   SettlementRunStatus = "running"
	RunCompleted SettlementRunStatus = "completed"
	RunFailed    SettlementRunStatus = "failed"
)

// SettlementRun records one execution of a scheduled sweep. The unique
// (job_name, run_date) pair is the idempotency key that makes an accidental
// duplicate auto-deduction run for the same day a no-op.
type SettlementRun struct {
	ID          uint                `gorm:"primarykey" json:"id"`
	JobName     SettlementJob       `gorm:"type:varchar(20);not null;uniqueIndex:idx_job_run_date" json:"job_name"`
	RunDate     string              `gorm:"type:varchar(10);not null;uniqueIndex:idx_job_run_date" json:"run_date"`
	Status      SettlementRunStatus `gorm:"type:varchar(20);not null;default:'running'" json:"status"`
	Processed   int                 `gorm:"not null;default:0" json:"processed"`
	TotalAmount float64             `gorm:"not null;default:0" json:"total_amount"`
	Error       string              `gorm:"type:text" json:"error,omitempty"`
	StartedAt   time.Time           `gorm:"not null" json:"started_at"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func (SettlementRun) TableName() string {
	return "settlement_runs"
}
