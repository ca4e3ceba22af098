package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"IsokoPay/internal/models"
)

// EmailAlerter delivers operator-facing email alerts. Optional; a nil alerter
// disables email without affecting any escrow operation.
type EmailAlerter interface {
	SendDisputeAlert(to, orderID, retailerID, raisedBy, reason string, amount float64) error
	SendSchedulerAlert(to, jobName string, jobErr error) error
}

// EscrowService is the transactional core of the settlement engine. The local
// database row is always authoritative; ledger and notification calls happen
// after the local commit and their failure never fails the operation.
type EscrowService struct {
	db       *gorm.DB
	ledger   LedgerClient
	notifier Notifier
	email    EmailAlerter
}

func NewEscrowService(db *gorm.DB, ledger LedgerClient, notifier Notifier, email EmailAlerter) *EscrowService {
	return &EscrowService{
		db:       db,
		ledger:   ledger,
		notifier: notifier,
		email:    email,
	}
}

type CreateEscrowParams struct {
	OrderID         string  `json:"order_id" validate:"required"`
	RetailerID      string  `json:"retailer_id" validate:"required"`
	WholesalerID    string  `json:"wholesaler_id" validate:"required"`
	OrderAmount     float64 `json:"order_amount" validate:"required,gt=0"`
	EscrowAmount    float64 `json:"escrow_amount" validate:"required,gt=0"`
	OrderDetails    string  `json:"order_details"`
	Currency        string  `json:"currency"`
	AutoReleaseDays int     `json:"auto_release_days"`
}

// CreateEscrow opens a hold for an accepted order: the platform advances
// escrow_amount toward the wholesaler and the retailer owes it back.
func (s *EscrowService) CreateEscrow(p CreateEscrowParams) (*models.EscrowTransaction, error) {
	if p.OrderID == "" || p.RetailerID == "" || p.WholesalerID == "" {
		return nil, fmt.Errorf("%w: order_id, retailer_id and wholesaler_id are required", ErrValidation)
	}
	if p.EscrowAmount <= 0 {
		return nil, fmt.Errorf("%w: escrow_amount must be greater than zero", ErrValidation)
	}
	if p.EscrowAmount > p.OrderAmount {
		return nil, fmt.Errorf("%w: escrow_amount cannot exceed order_amount", ErrValidation)
	}

	settings, err := s.GetSettings()
	if err != nil {
		return nil, err
	}
	if !settings.EscrowEnabled {
		return nil, ErrSystemDisabled
	}

	currency := p.Currency
	if currency == "" {
		currency = "RWF"
	}
	days := p.AutoReleaseDays
	if days <= 0 {
		days = settings.AutoReleaseDays
	}

	escrow := models.EscrowTransaction{
		OrderID:              p.OrderID,
		RetailerID:           p.RetailerID,
		WholesalerID:         p.WholesalerID,
		OrderAmount:          p.OrderAmount,
		EscrowAmount:         p.EscrowAmount,
		Currency:             currency,
		OrderDetails:         p.OrderDetails,
		Status:               models.EscrowHeld,
		LedgerSyncStatus:     models.LedgerSyncPending,
		AutoReleaseAt:        time.Now().Add(time.Duration(days) * 24 * time.Hour),
		ConfirmationRequired: true,
	}

	// Ceiling check and insert share one transaction so the debt read cannot
	// see a partially written row from this call.
	err = s.db.Transaction(func(tx *gorm.DB) error {
		debt, err := s.outstandingDebt(tx, p.RetailerID)
		if err != nil {
			return err
		}
		if debt+p.EscrowAmount > settings.MaxOutstandingDebt {
			return fmt.Errorf("%w: outstanding debt %.2f plus escrow %.2f exceeds the configured ceiling of %.2f RWF",
				ErrDebtCeilingExceeded, debt, p.EscrowAmount, settings.MaxOutstandingDebt)
		}
		return tx.Create(&escrow).Error
	})
	if err != nil {
		return nil, err
	}

	// Best-effort dual write: the hold is valid whatever the ledger says
	if err := s.syncHoldTransfer(&escrow); err != nil {
		log.Printf("⚠️  ledger hold transfer failed for escrow %d (order %s): %v", escrow.ID, escrow.OrderID, err)
	}

	if s.notifier != nil {
		if err := s.notifier.Notify(escrow.WholesalerID, NotifyEscrowCreated, map[string]interface{}{
			"order_id": escrow.OrderID,
			"amount":   escrow.EscrowAmount,
			"currency": escrow.Currency,
		}); err != nil {
			log.Printf("⚠️  failed to notify wholesaler %s of escrow %d: %v", escrow.WholesalerID, escrow.ID, err)
		}
	}

	return &escrow, nil
}

// syncHoldTransfer moves escrow_amount from the company escrow pool to the
// per-escrow ledger balance and backfills the refs. Called after the local
// insert has committed, and again by RetryLedgerSyncs for failed rows.
func (s *EscrowService) syncHoldTransfer(e *models.EscrowTransaction) error {
	balanceRef := EscrowBalanceRef(e.ID)
	result, err := s.ledger.Transfer(TransferParams{
		SourceBalance: EscrowPoolBalance,
		DestBalance:   balanceRef,
		Amount:        e.EscrowAmount,
		Currency:      e.Currency,
		Reference:     fmt.Sprintf("escrow-%d-hold", e.ID),
		Description:   fmt.Sprintf("Escrow hold for order %s", e.OrderID),
		Metadata: map[string]string{
			"order_id":    e.OrderID,
			"retailer_id": e.RetailerID,
		},
	})

	updates := map[string]interface{}{}
	if err != nil {
		updates["ledger_sync_status"] = models.LedgerSyncFailed
		e.LedgerSyncStatus = models.LedgerSyncFailed
	} else {
		updates["ledger_transaction_ref"] = result.TransactionID
		updates["ledger_balance_ref"] = balanceRef
		updates["ledger_sync_status"] = models.LedgerSyncSynced
		e.LedgerTransactionRef = result.TransactionID
		e.LedgerBalanceRef = balanceRef
		e.LedgerSyncStatus = models.LedgerSyncSynced
	}

	if dbErr := s.db.Model(&models.EscrowTransaction{}).Where("id = ?", e.ID).Updates(updates).Error; dbErr != nil {
		log.Printf("⚠️  failed to record ledger sync outcome for escrow %d: %v", e.ID, dbErr)
	}
	return err
}

// ReleaseEscrow transitions a held escrow to released. The status='held'
// predicate is the idempotency guard: duplicate or concurrent calls can only
// succeed once, the rest see ErrNotFoundOrAlreadyReleased.
func (s *EscrowService) ReleaseEscrow(escrowID uint, confirmedBy, notes string) (*models.EscrowTransaction, error) {
	if confirmedBy == "" {
		return nil, fmt.Errorf("%w: confirmed_by is required", ErrValidation)
	}

	now := time.Now()
	res := s.db.Model(&models.EscrowTransaction{}).
		Where("id = ? AND status = ?", escrowID, models.EscrowHeld).
		Updates(map[string]interface{}{
			"status":       models.EscrowReleased,
			"confirmed_by": confirmedBy,
			"confirmed_at": now,
			"released_at":  now,
			"notes":        notes,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFoundOrAlreadyReleased
	}

	var escrow models.EscrowTransaction
	if err := s.db.First(&escrow, escrowID).Error; err != nil {
		return nil, err
	}

	// The platform already owes the wholesaler; a ledger failure here is an
	// operational alert, not a reason to roll the release back.
	if escrow.LedgerBalanceRef != "" {
		if err := s.syncReleaseTransfer(&escrow); err != nil {
			log.Printf("⚠️  ledger release transfer failed for escrow %d: %v", escrow.ID, err)
		}
	} else {
		log.Printf("⚠️  escrow %d released without a ledger balance ref, skipping ledger transfer", escrow.ID)
	}

	if s.notifier != nil {
		if err := s.notifier.Notify(escrow.WholesalerID, NotifyEscrowReleased, map[string]interface{}{
			"order_id": escrow.OrderID,
			"amount":   escrow.EscrowAmount,
			"currency": escrow.Currency,
		}); err != nil {
			log.Printf("⚠️  failed to notify wholesaler %s of release %d: %v", escrow.WholesalerID, escrow.ID, err)
		}
	}

	return &escrow, nil
}

// syncReleaseTransfer pays the wholesaler out of the per-escrow balance.
func (s *EscrowService) syncReleaseTransfer(e *models.EscrowTransaction) error {
	result, err := s.ledger.Transfer(TransferParams{
		SourceBalance: e.LedgerBalanceRef,
		DestBalance:   WholesalerBalanceRef(e.WholesalerID),
		Amount:        e.EscrowAmount,
		Currency:      e.Currency,
		Reference:     fmt.Sprintf("escrow-%d-release", e.ID),
		Description:   fmt.Sprintf("Escrow release for order %s", e.OrderID),
		Metadata: map[string]string{
			"order_id":      e.OrderID,
			"wholesaler_id": e.WholesalerID,
		},
	})

	updates := map[string]interface{}{}
	if err != nil {
		updates["ledger_sync_status"] = models.LedgerSyncFailed
		e.LedgerSyncStatus = models.LedgerSyncFailed
	} else {
		updates["ledger_transaction_ref"] = result.TransactionID
		updates["ledger_sync_status"] = models.LedgerSyncSynced
		e.LedgerTransactionRef = result.TransactionID
		e.LedgerSyncStatus = models.LedgerSyncSynced
	}

	if dbErr := s.db.Model(&models.EscrowTransaction{}).Where("id = ?", e.ID).Updates(updates).Error; dbErr != nil {
		log.Printf("⚠️  failed to record ledger sync outcome for escrow %d: %v", e.ID, dbErr)
	}
	return err
}

// ProcessAutoReleases releases every held escrow whose auto-release timestamp
// has passed. Individual failures are logged and never abort the batch.
func (s *EscrowService) ProcessAutoReleases() (int, error) {
	run, _, err := s.beginRun(models.JobAutoRelease)
	if err != nil {
		return 0, err
	}

	var eligible []models.EscrowTransaction
	err = s.db.Where("status = ? AND confirmation_required = ? AND auto_release_at <= ?",
		models.EscrowHeld, true, time.Now()).
		Order("auto_release_at ASC").
		Find(&eligible).Error
	if err != nil {
		s.finishRun(run, models.RunFailed, 0, 0, err.Error())
		return 0, err
	}

	released := 0
	var total float64
	for _, escrow := range eligible {
		if _, err := s.ReleaseEscrow(escrow.ID, "system_auto_release", "Released automatically after auto-release window"); err != nil {
			// A concurrent release of the same row is benign
			log.Printf("⚠️  auto-release failed for escrow %d: %v", escrow.ID, err)
			continue
		}
		released++
		total += escrow.EscrowAmount
	}

	log.Printf("🕑 auto-release sweep done: %d of %d eligible escrows released", released, len(eligible))
	s.finishRun(run, models.RunCompleted, released, total, "")
	return released, nil
}

type RecordRepaymentParams struct {
	EscrowTransactionID uint                   `json:"escrow_transaction_id" validate:"required"`
	RetailerID          string                 `json:"retailer_id"`
	RepaymentAmount     float64                `json:"repayment_amount" validate:"required,gt=0"`
	RepaymentMethod     models.RepaymentMethod `json:"repayment_method" validate:"required"`
	PaymentReference    string                 `json:"payment_reference"`
	Notes               string                 `json:"notes"`
}

// RecordRepayment applies one retailer payment against one escrow hold.
// Amounts beyond the escrow's remaining unsettled balance are rejected for
// manual methods and capped for the auto-deduction sweep.
func (s *EscrowService) RecordRepayment(p RecordRepaymentParams) (*models.EscrowRepayment, error) {
	if p.RepaymentAmount <= 0 {
		return nil, fmt.Errorf("%w: repayment_amount must be greater than zero", ErrValidation)
	}
	if !models.ValidRepaymentMethod(p.RepaymentMethod) {
		return nil, fmt.Errorf("%w: unknown repayment method %q", ErrValidation, p.RepaymentMethod)
	}

	var escrow models.EscrowTransaction
	if err := s.db.First(&escrow, p.EscrowTransactionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: escrow transaction %d", ErrNotFound, p.EscrowTransactionID)
		}
		return nil, err
	}
	if p.RetailerID != "" && p.RetailerID != escrow.RetailerID {
		return nil, fmt.Errorf("%w: retailer %s does not own escrow %d", ErrValidation, p.RetailerID, escrow.ID)
	}

	reference := p.PaymentReference
	if reference == "" {
		reference = "RPY-" + uuid.NewString()
	}

	// Remaining-balance check and insert share one transaction so two
	// concurrent repayments cannot both observe the same remaining balance
	// and jointly exceed the escrow amount.
	var repayment models.EscrowRepayment
	err := s.db.Transaction(func(tx *gorm.DB) error {
		repaid, err := s.repaidAmount(tx, escrow.ID)
		if err != nil {
			return err
		}
		remaining := escrow.EscrowAmount - repaid
		if remaining <= 0 {
			return fmt.Errorf("%w: escrow %d is already fully repaid", ErrValidation, escrow.ID)
		}

		amount := p.RepaymentAmount
		if amount > remaining {
			if p.RepaymentMethod == models.RepaymentAutoDeduct {
				amount = remaining
			} else {
				return fmt.Errorf("%w: repayment %.2f exceeds remaining balance %.2f on escrow %d",
					ErrValidation, amount, remaining, escrow.ID)
			}
		}

		repayment = models.EscrowRepayment{
			EscrowTransactionID: escrow.ID,
			RetailerID:          escrow.RetailerID,
			RepaymentAmount:     amount,
			RepaymentMethod:     p.RepaymentMethod,
			PaymentReference:    reference,
			Status:              models.RepaymentCompleted,
			ProcessedAt:         time.Now(),
			Notes:               p.Notes,
		}
		return tx.Create(&repayment).Error
	})
	if err != nil {
		return nil, err
	}

	// Auto-deductions pull the money from the retailer's ledger balance into
	// the recovery pool; best-effort as always
	if p.RepaymentMethod == models.RepaymentAutoDeduct {
		result, err := s.ledger.Transfer(TransferParams{
			SourceBalance: RetailerBalanceRef(escrow.RetailerID),
			DestBalance:   EscrowRecoveryBalance,
			Amount:        repayment.RepaymentAmount,
			Currency:      escrow.Currency,
			Reference:     reference,
			Description:   fmt.Sprintf("Auto-deduction repayment for order %s", escrow.OrderID),
			Metadata: map[string]string{
				"order_id":    escrow.OrderID,
				"retailer_id": escrow.RetailerID,
			},
		})
		if err != nil {
			log.Printf("⚠️  ledger deduction transfer failed for repayment %d: %v", repayment.ID, err)
		} else {
			repayment.LedgerTransactionRef = result.TransactionID
			if dbErr := s.db.Model(&models.EscrowRepayment{}).Where("id = ?", repayment.ID).
				Update("ledger_transaction_ref", result.TransactionID).Error; dbErr != nil {
				log.Printf("⚠️  failed to record ledger ref on repayment %d: %v", repayment.ID, dbErr)
			}
		}
	}

	return &repayment, nil
}

// AutoDeductionResult is what one daily sweep accomplished.
type AutoDeductionResult struct {
	Processed   int     `json:"processed"`
	TotalAmount float64 `json:"total_amount"`
	Skipped     bool    `json:"skipped"`
}

// ProcessAutoDeductions runs the daily debt-recovery sweep. A completed run
// already recorded for today makes a duplicate invocation a no-op, since a
// double deduction is not inherently safe the way a double release is.
func (s *EscrowService) ProcessAutoDeductions() (*AutoDeductionResult, error) {
	run, alreadyRan, err := s.beginRun(models.JobAutoDeduct)
	if err != nil {
		return nil, err
	}
	if alreadyRan {
		log.Printf("🕚 auto-deduct sweep already completed for %s, skipping", run.RunDate)
		return &AutoDeductionResult{Skipped: true}, nil
	}

	var configs []models.AutoDeductionConfig
	if err := s.db.Where("enabled = ? AND suspended = ?", true, false).Find(&configs).Error; err != nil {
		s.finishRun(run, models.RunFailed, 0, 0, err.Error())
		return nil, err
	}

	settings, err := s.GetSettings()
	if err != nil {
		s.finishRun(run, models.RunFailed, 0, 0, err.Error())
		return nil, err
	}

	result := &AutoDeductionResult{}
	for _, cfg := range configs {
		amount, err := s.deductForRetailer(cfg, settings)
		if err != nil {
			// One retailer's failure never blocks the rest of the sweep
			log.Printf("⚠️  auto-deduction failed for retailer %s: %v", cfg.RetailerID, err)
			continue
		}
		if amount <= 0 {
			continue
		}
		result.Processed++
		result.TotalAmount += amount
	}

	log.Printf("🕚 auto-deduct sweep done: %d retailers, RWF %.2f recovered", result.Processed, result.TotalAmount)
	s.finishRun(run, models.RunCompleted, result.Processed, result.TotalAmount, "")
	return result, nil
}

// deductForRetailer applies one day's deduction for one retailer against the
// oldest escrow that still has an unsettled balance. The deduction is capped by
// what the retailer's ledger balance can spare above the protected minimum.
// Returns the amount recovered, zero when there is nothing to do.
func (s *EscrowService) deductForRetailer(cfg models.AutoDeductionConfig, settings *models.EscrowSettings) (float64, error) {
	debt, err := s.outstandingDebt(s.db, cfg.RetailerID)
	if err != nil {
		return 0, err
	}
	if debt <= 0 {
		return 0, nil
	}

	deduction := debt * cfg.DeductionPercentage / 100
	if cfg.MaxDailyDeductionRwf > 0 && deduction > cfg.MaxDailyDeductionRwf {
		deduction = cfg.MaxDailyDeductionRwf
	}
	if deduction > debt {
		deduction = debt
	}
	if deduction <= 0 {
		return 0, nil
	}

	// Never deduct below the retailer's protected minimum. An unreadable
	// balance means no deduction today; tomorrow's sweep picks the debt up.
	balance, err := s.ledger.GetBalance(RetailerBalanceRef(cfg.RetailerID))
	if err != nil {
		log.Printf("⚠️  could not read ledger balance for retailer %s, skipping deduction: %v", cfg.RetailerID, err)
		return 0, nil
	}
	minBalance := cfg.MinimumBalanceRwf
	if settings.MinimumWalletBalance > minBalance {
		minBalance = settings.MinimumWalletBalance
	}
	available := balance - minBalance
	if available <= 0 {
		return 0, nil
	}
	if deduction > available {
		deduction = available
	}

	escrow, err := s.oldestUnsettledEscrow(cfg.RetailerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}

	repayment, err := s.RecordRepayment(RecordRepaymentParams{
		EscrowTransactionID: escrow.ID,
		RetailerID:          cfg.RetailerID,
		RepaymentAmount:     deduction,
		RepaymentMethod:     models.RepaymentAutoDeduct,
		Notes:               "Daily auto-deduction sweep",
	})
	if err != nil {
		return 0, err
	}

	if s.notifier != nil {
		if err := s.notifier.Notify(cfg.RetailerID, NotifyAutoDeduction, map[string]interface{}{
			"order_id": escrow.OrderID,
			"amount":   repayment.RepaymentAmount,
			"currency": escrow.Currency,
		}); err != nil {
			log.Printf("⚠️  failed to notify retailer %s of deduction: %v", cfg.RetailerID, err)
		}
	}

	return repayment.RepaymentAmount, nil
}

type RaiseDisputeParams struct {
	EscrowID         uint   `json:"escrow_id" validate:"required"`
	Reason           string `json:"reason" validate:"required"`
	RaisedBy         string `json:"raised_by" validate:"required"`
	EvidenceURL      string `json:"evidence_url"`
	EvidencePublicID string `json:"-"`
}

// RaiseDispute freezes an escrow in the disputed state. There is no modeled
// transition out of it; resolution is a manual operation outside this engine.
func (s *EscrowService) RaiseDispute(p RaiseDisputeParams) (*models.EscrowTransaction, error) {
	if p.Reason == "" || p.RaisedBy == "" {
		return nil, fmt.Errorf("%w: reason and raised_by are required", ErrValidation)
	}

	var escrow models.EscrowTransaction
	if err := s.db.First(&escrow, p.EscrowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: escrow transaction %d", ErrNotFound, p.EscrowID)
		}
		return nil, err
	}

	if escrow.Status != models.EscrowHeld && escrow.Status != models.EscrowReleased {
		return nil, fmt.Errorf("%w: cannot dispute escrow with status %s", ErrValidation, escrow.Status)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":            models.EscrowDisputed,
		"dispute_reason":    p.Reason,
		"dispute_raised_by": p.RaisedBy,
		"dispute_raised_at": now,
	}
	if p.EvidenceURL != "" {
		updates["dispute_evidence_url"] = p.EvidenceURL
		updates["dispute_evidence_public_id"] = p.EvidencePublicID
	}
	if err := s.db.Model(&escrow).Updates(updates).Error; err != nil {
		return nil, err
	}

	if s.email != nil {
		settings, err := s.GetSettings()
		if err == nil && settings.DisputeResolutionEmail != "" {
			if err := s.email.SendDisputeAlert(settings.DisputeResolutionEmail,
				escrow.OrderID, escrow.RetailerID, p.RaisedBy, p.Reason, escrow.EscrowAmount); err != nil {
				log.Printf("⚠️  failed to send dispute alert for escrow %d: %v", escrow.ID, err)
			}
		}
	}

	if err := s.db.First(&escrow, p.EscrowID).Error; err != nil {
		return nil, err
	}
	return &escrow, nil
}

// RetryLedgerSyncs re-drives the ledger for every row whose last ledger call
// failed. Invoked from the admin surface as the reconciliation path.
func (s *EscrowService) RetryLedgerSyncs() (int, error) {
	var failed []models.EscrowTransaction
	if err := s.db.Where("ledger_sync_status = ?", models.LedgerSyncFailed).Find(&failed).Error; err != nil {
		return 0, err
	}

	repaired := 0
	for i := range failed {
		escrow := &failed[i]
		var err error
		switch {
		case escrow.Status == models.EscrowReleased && escrow.LedgerBalanceRef != "":
			err = s.syncReleaseTransfer(escrow)
		case escrow.Status == models.EscrowReleased:
			// The hold never reached the ledger and the escrow is already
			// released: pay the wholesaler straight from the pool
			err = s.syncDirectPayout(escrow)
		default:
			err = s.syncHoldTransfer(escrow)
		}
		if err != nil {
			log.Printf("⚠️  ledger retry failed for escrow %d: %v", escrow.ID, err)
			continue
		}
		repaired++
	}

	log.Printf("🔁 ledger reconciliation: %d of %d failed syncs repaired", repaired, len(failed))
	return repaired, nil
}

func (s *EscrowService) syncDirectPayout(e *models.EscrowTransaction) error {
	result, err := s.ledger.Transfer(TransferParams{
		SourceBalance: EscrowPoolBalance,
		DestBalance:   WholesalerBalanceRef(e.WholesalerID),
		Amount:        e.EscrowAmount,
		Currency:      e.Currency,
		Reference:     fmt.Sprintf("escrow-%d-payout", e.ID),
		Description:   fmt.Sprintf("Direct payout for order %s", e.OrderID),
		Metadata:      map[string]string{"order_id": e.OrderID},
	})

	updates := map[string]interface{}{}
	if err != nil {
		updates["ledger_sync_status"] = models.LedgerSyncFailed
	} else {
		updates["ledger_transaction_ref"] = result.TransactionID
		updates["ledger_sync_status"] = models.LedgerSyncSynced
		e.LedgerTransactionRef = result.TransactionID
		e.LedgerSyncStatus = models.LedgerSyncSynced
	}
	if dbErr := s.db.Model(&models.EscrowTransaction{}).Where("id = ?", e.ID).Updates(updates).Error; dbErr != nil {
		log.Printf("⚠️  failed to record ledger sync outcome for escrow %d: %v", e.ID, dbErr)
	}
	return err
}

// --- queries ---

func (s *EscrowService) GetEscrow(escrowID uint) (*models.EscrowTransaction, error) {
	var escrow models.EscrowTransaction
	err := s.db.Preload("Repayments").First(&escrow, escrowID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: escrow transaction %d", ErrNotFound, escrowID)
		}
		return nil, err
	}
	return &escrow, nil
}

func (s *EscrowService) GetRetailerEscrows(retailerID string, status models.EscrowStatus) ([]models.EscrowTransaction, error) {
	query := s.db.Where("retailer_id = ?", retailerID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var escrows []models.EscrowTransaction
	if err := query.Order("created_at DESC").Find(&escrows).Error; err != nil {
		return nil, err
	}
	return escrows, nil
}

// GetWholesalerPendingEscrows lists a wholesaler's held escrows ordered by
// auto-release time, earliest-expiring first.
func (s *EscrowService) GetWholesalerPendingEscrows(wholesalerID string) ([]models.EscrowTransaction, error) {
	var escrows []models.EscrowTransaction
	err := s.db.Where("wholesaler_id = ? AND status = ?", wholesalerID, models.EscrowHeld).
		Order("auto_release_at ASC").
		Find(&escrows).Error
	if err != nil {
		return nil, err
	}
	return escrows, nil
}

type statusAggregate struct {
	Status models.EscrowStatus
	Count  int64
	Amount float64
}

func (s *EscrowService) GetRetailerSummary(retailerID string) (*models.RetailerEscrowSummary, error) {
	var aggs []statusAggregate
	err := s.db.Model(&models.EscrowTransaction{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(escrow_amount), 0) AS amount").
		Where("retailer_id = ?", retailerID).
		Group("status").
		Scan(&aggs).Error
	if err != nil {
		return nil, err
	}

	summary := &models.RetailerEscrowSummary{RetailerID: retailerID}
	for _, agg := range aggs {
		summary.TotalEscrows += agg.Count
		switch agg.Status {
		case models.EscrowHeld:
			summary.HeldCount, summary.HeldAmount = agg.Count, agg.Amount
		case models.EscrowReleased:
			summary.ReleasedCount, summary.ReleasedAmount = agg.Count, agg.Amount
		case models.EscrowDisputed:
			summary.DisputedCount, summary.DisputedAmount = agg.Count, agg.Amount
		}
	}

	repaid, err := s.totalRepaid(s.db, retailerID)
	if err != nil {
		return nil, err
	}
	summary.TotalRepaid = repaid

	debt, err := s.outstandingDebt(s.db, retailerID)
	if err != nil {
		return nil, err
	}
	summary.OutstandingDebt = debt

	return summary, nil
}

func (s *EscrowService) GetWholesalerSummary(wholesalerID string) (*models.WholesalerEscrowSummary, error) {
	var aggs []statusAggregate
	err := s.db.Model(&models.EscrowTransaction{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(escrow_amount), 0) AS amount").
		Where("wholesaler_id = ?", wholesalerID).
		Group("status").
		Scan(&aggs).Error
	if err != nil {
		return nil, err
	}

	summary := &models.WholesalerEscrowSummary{WholesalerID: wholesalerID}
	for _, agg := range aggs {
		summary.TotalEscrows += agg.Count
		switch agg.Status {
		case models.EscrowHeld:
			summary.HeldCount, summary.HeldAmount = agg.Count, agg.Amount
		case models.EscrowReleased:
			summary.ReleasedCount, summary.ReleasedAmount = agg.Count, agg.Amount
		case models.EscrowDisputed:
			summary.DisputedCount, summary.DisputedAmount = agg.Count, agg.Amount
		}
	}
	return summary, nil
}

// --- settings ---

// GetSettings returns the singleton settings row, seeding defaults on first use.
func (s *EscrowService) GetSettings() (*models.EscrowSettings, error) {
	var settings models.EscrowSettings
	err := s.db.First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		settings = models.DefaultEscrowSettings()
		if err := s.db.Create(&settings).Error; err != nil {
			return nil, err
		}
		return &settings, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

type UpdateSettingsParams struct {
	AutoReleaseDays            *int     `json:"auto_release_days"`
	DefaultDeductionPercentage *float64 `json:"default_deduction_percentage"`
	MinimumWalletBalance       *float64 `json:"minimum_wallet_balance"`
	MaxOutstandingDebt         *float64 `json:"max_outstanding_debt"`
	EscrowEnabled              *bool    `json:"escrow_enabled"`
	DisputeResolutionEmail     *string  `json:"dispute_resolution_email"`
}

func (s *EscrowService) UpdateSettings(p UpdateSettingsParams, updatedBy string) (*models.EscrowSettings, error) {
	settings, err := s.GetSettings()
	if err != nil {
		return nil, err
	}

	if p.AutoReleaseDays != nil {
		if *p.AutoReleaseDays <= 0 {
			return nil, fmt.Errorf("%w: auto_release_days must be positive", ErrValidation)
		}
		settings.AutoReleaseDays = *p.AutoReleaseDays
	}
	if p.DefaultDeductionPercentage != nil {
		if *p.DefaultDeductionPercentage < 0 || *p.DefaultDeductionPercentage > 100 {
			return nil, fmt.Errorf("%w: default_deduction_percentage must be between 0 and 100", ErrValidation)
		}
		settings.DefaultDeductionPercentage = *p.DefaultDeductionPercentage
	}
	if p.MinimumWalletBalance != nil {
		settings.MinimumWalletBalance = *p.MinimumWalletBalance
	}
	if p.MaxOutstandingDebt != nil {
		if *p.MaxOutstandingDebt < 0 {
			return nil, fmt.Errorf("%w: max_outstanding_debt cannot be negative", ErrValidation)
		}
		settings.MaxOutstandingDebt = *p.MaxOutstandingDebt
	}
	if p.EscrowEnabled != nil {
		settings.EscrowEnabled = *p.EscrowEnabled
	}
	if p.DisputeResolutionEmail != nil {
		settings.DisputeResolutionEmail = *p.DisputeResolutionEmail
	}
	settings.UpdatedBy = updatedBy

	if err := s.db.Save(settings).Error; err != nil {
		return nil, err
	}
	return settings, nil
}

type AutoDeductParams struct {
	Enabled              *bool    `json:"enabled"`
	Suspended            *bool    `json:"suspended"`
	DeductionPercentage  *float64 `json:"deduction_percentage"`
	MinimumBalanceRwf    *float64 `json:"minimum_balance_rwf"`
	MaxDailyDeductionRwf *float64 `json:"max_daily_deduction_rwf"`
}

// UpdateAutoDeductSettings upserts a retailer's auto-deduction configuration.
func (s *EscrowService) UpdateAutoDeductSettings(retailerID string, p AutoDeductParams) (*models.AutoDeductionConfig, error) {
	if retailerID == "" {
		return nil, fmt.Errorf("%w: retailer_id is required", ErrValidation)
	}
	if p.DeductionPercentage != nil && (*p.DeductionPercentage < 0 || *p.DeductionPercentage > 100) {
		return nil, fmt.Errorf("%w: deduction_percentage must be between 0 and 100", ErrValidation)
	}

	var cfg models.AutoDeductionConfig
	err := s.db.Where("retailer_id = ?", retailerID).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		settings, err := s.GetSettings()
		if err != nil {
			return nil, err
		}
		cfg = models.AutoDeductionConfig{
			RetailerID:          retailerID,
			Enabled:             true,
			DeductionPercentage: settings.DefaultDeductionPercentage,
		}
	} else if err != nil {
		return nil, err
	}

	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	if p.Suspended != nil {
		cfg.Suspended = *p.Suspended
	}
	if p.DeductionPercentage != nil {
		cfg.DeductionPercentage = *p.DeductionPercentage
	}
	if p.MinimumBalanceRwf != nil {
		cfg.MinimumBalanceRwf = *p.MinimumBalanceRwf
	}
	if p.MaxDailyDeductionRwf != nil {
		cfg.MaxDailyDeductionRwf = *p.MaxDailyDeductionRwf
	}

	if err := s.db.Save(&cfg).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *EscrowService) ListSettlementRuns(limit int) ([]models.SettlementRun, error) {
	if limit <= 0 {
		limit = 30
	}
	var runs []models.SettlementRun
	if err := s.db.Order("started_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// --- internals ---

// outstandingDebt is the sum of escrow amounts across a retailer's
// non-refunded, non-expired escrows minus the repayments applied to them.
func (s *EscrowService) outstandingDebt(db *gorm.DB, retailerID string) (float64, error) {
	excluded := []models.EscrowStatus{models.EscrowRefunded, models.EscrowExpired}

	var totalEscrow float64
	err := db.Model(&models.EscrowTransaction{}).
		Where("retailer_id = ? AND status NOT IN ?", retailerID, excluded).
		Select("COALESCE(SUM(escrow_amount), 0)").
		Scan(&totalEscrow).Error
	if err != nil {
		return 0, err
	}

	repaid, err := s.totalRepaid(db, retailerID)
	if err != nil {
		return 0, err
	}

	return totalEscrow - repaid, nil
}

// totalRepaid sums repayments applied to a retailer's non-refunded,
// non-expired escrows.
func (s *EscrowService) totalRepaid(db *gorm.DB, retailerID string) (float64, error) {
	excluded := []models.EscrowStatus{models.EscrowRefunded, models.EscrowExpired}

	var repaid float64
	err := db.Model(&models.EscrowRepayment{}).
		Joins("JOIN escrow_transactions ON escrow_transactions.id = escrow_repayments.escrow_transaction_id").
		Where("escrow_repayments.retailer_id = ? AND escrow_transactions.status NOT IN ? AND escrow_transactions.deleted_at IS NULL",
			retailerID, excluded).
		Select("COALESCE(SUM(escrow_repayments.repayment_amount), 0)").
		Scan(&repaid).Error
	if err != nil {
		return 0, err
	}
	return repaid, nil
}

func (s *EscrowService) repaidAmount(db *gorm.DB, escrowID uint) (float64, error) {
	var repaid float64
	err := db.Model(&models.EscrowRepayment{}).
		Where("escrow_transaction_id = ?", escrowID).
		Select("COALESCE(SUM(repayment_amount), 0)").
		Scan(&repaid).Error
	if err != nil {
		return 0, err
	}
	return repaid, nil
}

// oldestUnsettledEscrow finds the retailer's FIFO settlement target: the
// earliest-created held or released escrow whose repayments do not yet cover
// its escrow amount.
func (s *EscrowService) oldestUnsettledEscrow(retailerID string) (*models.EscrowTransaction, error) {
	var escrow models.EscrowTransaction
	err := s.db.Where(`retailer_id = ? AND status IN ? AND escrow_amount > (
			SELECT COALESCE(SUM(r.repayment_amount), 0)
			FROM escrow_repayments r
			WHERE r.escrow_transaction_id = escrow_transactions.id
			AND r.deleted_at IS NULL
		)`, retailerID, []models.EscrowStatus{models.EscrowHeld, models.EscrowReleased}).
		Order("created_at ASC").
		First(&escrow).Error
	if err != nil {
		return nil, err
	}
	return &escrow, nil
}

// beginRun finds or creates today's SettlementRun for a job. The second return
// is true when a completed auto-deduct run already exists for today; duplicate
// auto-release runs are allowed because the release itself is idempotent.
func (s *EscrowService) beginRun(job models.SettlementJob) (*models.SettlementRun, bool, error) {
	today := time.Now().UTC().Format("2006-01-02")

	var run models.SettlementRun
	err := s.db.Where("job_name = ? AND run_date = ?", job, today).First(&run).Error
	if err == nil {
		if job == models.JobAutoDeduct && run.Status == models.RunCompleted {
			return &run, true, nil
		}
		run.Status = models.RunRunning
		run.StartedAt = time.Now()
		run.FinishedAt = nil
		run.Error = ""
		if err := s.db.Save(&run).Error; err != nil {
			return nil, false, err
		}
		return &run, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	run = models.SettlementRun{
		JobName:   job,
		RunDate:   today,
		Status:    models.RunRunning,
		StartedAt: time.Now(),
	}
	if err := s.db.Create(&run).Error; err != nil {
		return nil, false, err
	}
	return &run, false, nil
}

func (s *EscrowService) finishRun(run *models.SettlementRun, status models.SettlementRunStatus, processed int, total float64, errMsg string) {
	now := time.Now()
	run.Status = status
	run.Processed = processed
	run.TotalAmount = total
	run.Error = errMsg
	run.FinishedAt = &now
	if err := s.db.Save(run).Error; err != nil {
		log.Printf("⚠️  failed to record settlement run outcome for %s: %v", run.JobName, err)
	}
}
