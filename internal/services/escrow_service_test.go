package services

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"IsokoPay/internal/models"
)

type fakeLedger struct {
	transfers  []TransferParams
	fail       bool
	balances   map[string]float64
	balanceErr error
}

func (f *fakeLedger) Transfer(p TransferParams) (*TransferResult, error) {
	if f.fail {
		return nil, errors.New("ledger unavailable")
	}
	f.transfers = append(f.transfers, p)
	return &TransferResult{
		TransactionID: fmt.Sprintf("LTX-%d", len(f.transfers)),
		Status:        "completed",
	}, nil
}

func (f *fakeLedger) GetBalance(balanceID string) (float64, error) {
	if f.balanceErr != nil {
		return 0, f.balanceErr
	}
	if amount, ok := f.balances[balanceID]; ok {
		return amount, nil
	}
	// Retailers are flush unless a test says otherwise
	return 1_000_000, nil
}

type notification struct {
	Phone string
	Kind  NotificationKind
}

type fakeNotifier struct {
	sent []notification
	fail bool
}

func (f *fakeNotifier) Notify(phone string, kind NotificationKind, data map[string]interface{}) error {
	if f.fail {
		return errors.New("sms gateway down")
	}
	f.sent = append(f.sent, notification{Phone: phone, Kind: kind})
	return nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// A named shared-cache DSN keeps every pooled connection on the same
	// in-memory database
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.EscrowTransaction{},
		&models.EscrowRepayment{},
		&models.EscrowSettings{},
		&models.AutoDeductionConfig{},
		&models.SettlementRun{},
	))
	return db
}

func newTestService(t *testing.T) (*EscrowService, *fakeLedger, *fakeNotifier) {
	t.Helper()
	ledger := &fakeLedger{}
	notifier := &fakeNotifier{}
	svc := NewEscrowService(newTestDB(t), ledger, notifier, nil)
	return svc, ledger, notifier
}

func createParams(orderID string) CreateEscrowParams {
	return CreateEscrowParams{
		OrderID:      orderID,
		RetailerID:   "250788100001",
		WholesalerID: "250788200001",
		OrderAmount:  100000,
		EscrowAmount: 100000,
	}
}

func backdateAutoRelease(t *testing.T, db *gorm.DB, escrowID uint) {
	t.Helper()
	require.NoError(t, db.Model(&models.EscrowTransaction{}).Where("id = ?", escrowID).
		Update("auto_release_at", time.Now().Add(-time.Hour)).Error)
}

func TestCreateEscrow(t *testing.T) {
	svc, ledger, notifier := newTestService(t)

	escrow, err := svc.CreateEscrow(CreateEscrowParams{
		OrderID:         "ORD-100",
		RetailerID:      "250788100001",
		WholesalerID:    "250788200001",
		OrderAmount:     100000,
		EscrowAmount:    100000,
		AutoReleaseDays: 7,
	})
	require.NoError(t, err)

	assert.Equal(t, models.EscrowHeld, escrow.Status)
	assert.Equal(t, "RWF", escrow.Currency)
	assert.True(t, escrow.ConfirmationRequired)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), escrow.AutoReleaseAt, time.Minute)

	// Ledger hold transfer went pool -> per-escrow balance
	require.Len(t, ledger.transfers, 1)
	assert.Equal(t, EscrowPoolBalance, ledger.transfers[0].SourceBalance)
	assert.Equal(t, EscrowBalanceRef(escrow.ID), ledger.transfers[0].DestBalance)
	assert.Equal(t, models.LedgerSyncSynced, escrow.LedgerSyncStatus)
	assert.Equal(t, "LTX-1", escrow.LedgerTransactionRef)
	assert.Equal(t, EscrowBalanceRef(escrow.ID), escrow.LedgerBalanceRef)

	// Wholesaler was told about the new hold
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "250788200001", notifier.sent[0].Phone)
	assert.Equal(t, NotifyEscrowCreated, notifier.sent[0].Kind)
}

func TestCreateEscrowValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	tests := []struct {
		name   string
		params CreateEscrowParams
	}{
		{"missing order id", CreateEscrowParams{RetailerID: "r", WholesalerID: "w", OrderAmount: 100, EscrowAmount: 100}},
		{"zero escrow amount", CreateEscrowParams{OrderID: "O1", RetailerID: "r", WholesalerID: "w", OrderAmount: 100, EscrowAmount: 0}},
		{"escrow above order amount", CreateEscrowParams{OrderID: "O2", RetailerID: "r", WholesalerID: "w", OrderAmount: 100, EscrowAmount: 150}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := svc.CreateEscrow(test.params)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCreateEscrowSystemDisabled(t *testing.T) {
	svc, _, _ := newTestService(t)

	enabled := false
	_, err := svc.UpdateSettings(UpdateSettingsParams{EscrowEnabled: &enabled}, "admin1")
	require.NoError(t, err)

	_, err = svc.CreateEscrow(createParams("ORD-1"))
	assert.ErrorIs(t, err, ErrSystemDisabled)
}

func TestCreateEscrowDebtCeiling(t *testing.T) {
	svc, _, _ := newTestService(t)

	ceiling := 100000.0
	_, err := svc.UpdateSettings(UpdateSettingsParams{MaxOutstandingDebt: &ceiling}, "admin1")
	require.NoError(t, err)

	first := createParams("ORD-1")
	first.OrderAmount, first.EscrowAmount = 80000, 80000
	_, err = svc.CreateEscrow(first)
	require.NoError(t, err)

	second := createParams("ORD-2")
	second.OrderAmount, second.EscrowAmount = 30000, 30000
	_, err = svc.CreateEscrow(second)
	require.ErrorIs(t, err, ErrDebtCeilingExceeded)
	// Operators need to see the configured limit in the message
	assert.Contains(t, err.Error(), "100000.00")

	// Repaying frees headroom under the ceiling
	var escrow models.EscrowTransaction
	require.NoError(t, svc.db.Where("order_id = ?", "ORD-1").First(&escrow).Error)
	_, err = svc.RecordRepayment(RecordRepaymentParams{
		EscrowTransactionID: escrow.ID,
		RepaymentAmount:     20000,
		RepaymentMethod:     models.RepaymentMobileMoney,
	})
	require.NoError(t, err)

	_, err = svc.CreateEscrow(second)
	assert.NoError(t, err)
}

func TestCreateEscrowLedgerFailure(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ledger.fail = true

	// Ledger being down never blocks the hold
	escrow, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)
	assert.Equal(t, models.EscrowHeld, escrow.Status)
	assert.Equal(t, models.LedgerSyncFailed, escrow.LedgerSyncStatus)
	assert.Empty(t, escrow.LedgerBalanceRef)

	// Reconciliation repairs the row once the ledger is back
	ledger.fail = false
	repaired, err := svc.RetryLedgerSyncs()
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	var reloaded models.EscrowTransaction
	require.NoError(t, svc.db.First(&reloaded, escrow.ID).Error)
	assert.Equal(t, models.LedgerSyncSynced, reloaded.LedgerSyncStatus)
	assert.Equal(t, EscrowBalanceRef(escrow.ID), reloaded.LedgerBalanceRef)
	assert.NotEmpty(t, reloaded.LedgerTransactionRef)
}

func TestReleaseEscrowIsIdempotent(t *testing.T) {
	svc, ledger, _ := newTestService(t)

	escrow, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)

	released, err := svc.ReleaseEscrow(escrow.ID, "admin1", "goods confirmed")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowReleased, released.Status)
	assert.Equal(t, "admin1", released.ConfirmedBy)
	require.NotNil(t, released.ReleasedAt)
	require.NotNil(t, released.ConfirmedAt)
	assert.Equal(t, "goods confirmed", released.Notes)

	// hold + release
	require.Len(t, ledger.transfers, 2)
	assert.Equal(t, EscrowBalanceRef(escrow.ID), ledger.transfers[1].SourceBalance)
	assert.Equal(t, WholesalerBalanceRef(escrow.WholesalerID), ledger.transfers[1].DestBalance)

	// Second release can only be a no-op
	_, err = svc.ReleaseEscrow(escrow.ID, "admin2", "")
	assert.ErrorIs(t, err, ErrNotFoundOrAlreadyReleased)
	assert.Len(t, ledger.transfers, 2)

	var reloaded models.EscrowTransaction
	require.NoError(t, svc.db.First(&reloaded, escrow.ID).Error)
	assert.Equal(t, "admin1", reloaded.ConfirmedBy)
}

func TestReleaseEscrowUnknownID(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.ReleaseEscrow(9999, "admin1", "")
	assert.ErrorIs(t, err, ErrNotFoundOrAlreadyReleased)
}

func TestProcessAutoReleases(t *testing.T) {
	svc, _, _ := newTestService(t)

	eligible, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)
	backdateAutoRelease(t, svc.db, eligible.ID)

	future, err := svc.CreateEscrow(createParams("ORD-2"))
	require.NoError(t, err)

	manualOnly, err := svc.CreateEscrow(createParams("ORD-3"))
	require.NoError(t, err)
	backdateAutoRelease(t, svc.db, manualOnly.ID)
	require.NoError(t, svc.db.Model(&models.EscrowTransaction{}).Where("id = ?", manualOnly.ID).
		Update("confirmation_required", false).Error)

	count, err := svc.ProcessAutoReleases()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var reloaded models.EscrowTransaction
	require.NoError(t, svc.db.First(&reloaded, eligible.ID).Error)
	assert.Equal(t, models.EscrowReleased, reloaded.Status)
	assert.Equal(t, "system_auto_release", reloaded.ConfirmedBy)

	reloaded = models.EscrowTransaction{}
	require.NoError(t, svc.db.First(&reloaded, future.ID).Error)
	assert.Equal(t, models.EscrowHeld, reloaded.Status)

	reloaded = models.EscrowTransaction{}
	require.NoError(t, svc.db.First(&reloaded, manualOnly.ID).Error)
	assert.Equal(t, models.EscrowHeld, reloaded.Status)
}

func TestRecordRepayment(t *testing.T) {
	svc, ledger, _ := newTestService(t)

	escrow, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)

	repayment, err := svc.RecordRepayment(RecordRepaymentParams{
		EscrowTransactionID: escrow.ID,
		RepaymentAmount:     40000,
		RepaymentMethod:     models.RepaymentMobileMoney,
		PaymentReference:    "MM-123",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RepaymentCompleted, repayment.Status)
	assert.Equal(t, escrow.RetailerID, repayment.RetailerID)
	assert.False(t, repayment.ProcessedAt.IsZero())

	summary, err := svc.GetRetailerSummary(escrow.RetailerID)
	require.NoError(t, err)
	assert.Equal(t, 60000.0, summary.OutstandingDebt)

	// Manual repayment beyond the remaining balance is rejected
	_, err = svc.RecordRepayment(RecordRepaymentParams{
		EscrowTransactionID: escrow.ID,
		RepaymentAmount:     70000,
		RepaymentMethod:     models.RepaymentMobileMoney,
	})
	assert.ErrorIs(t, err, ErrValidation)

	// Auto-deduction beyond the remaining balance is capped
	capped, err := svc.RecordRepayment(RecordRepaymentParams{
		EscrowTransactionID: escrow.ID,
		RepaymentAmount:     70000,
		RepaymentMethod:     models.RepaymentAutoDeduct,
	})
	require.NoError(t, err)
	assert.Equal(t, 60000.0, capped.RepaymentAmount)

	// auto_deduct pulled the money retailer -> recovery pool
	last := ledger.transfers[len(ledger.transfers)-1]
	assert.Equal(t, RetailerBalanceRef(escrow.RetailerID), last.SourceBalance)
	assert.Equal(t, EscrowRecoveryBalance, last.DestBalance)
	assert.Equal(t, 60000.0, last.Amount)

	// Fully repaid escrow accepts nothing further
	_, err = svc.RecordRepayment(RecordRepaymentParams{
		EscrowTransactionID: escrow.ID,
		RepaymentAmount:     1,
		RepaymentMethod:     models.RepaymentWallet,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRecordRepaymentRejectionLeavesNoRow(t *testing.T) {
	svc, _, _ := newTestService(t)

	escrow, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)

	_, err = svc.RecordRepayment(RecordRepaymentParams{
		EscrowTransactionID: escrow.ID,
		RepaymentAmount:     60000,
		RepaymentMethod:     models.RepaymentMobileMoney,
	})
	require.NoError(t, err)

	// The balance check and insert commit together; a failed check writes nothing
	_, err = svc.RecordRepayment(RecordRepaymentParams{
		EscrowTransactionID: escrow.ID,
		RepaymentAmount:     60000,
		RepaymentMethod:     models.RepaymentMobileMoney,
	})
	require.ErrorIs(t, err, ErrValidation)

	var count int64
	require.NoError(t, svc.db.Model(&models.EscrowRepayment{}).
		Where("escrow_transaction_id = ?", escrow.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	repaid, err := svc.repaidAmount(svc.db, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, 60000.0, repaid)
}

func TestRecordRepaymentUnknownEscrow(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.RecordRepayment(RecordRepaymentParams{
		EscrowTransactionID: 424242,
		RepaymentAmount:     100,
		RepaymentMethod:     models.RepaymentWallet,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetailerSummaryOutstandingDebt(t *testing.T) {
	svc, _, _ := newTestService(t)

	first, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)

	second := createParams("ORD-2")
	second.OrderAmount, second.EscrowAmount = 50000, 50000
	secondEscrow, err := svc.CreateEscrow(second)
	require.NoError(t, err)

	// Refunded escrows do not count toward debt
	refunded := createParams("ORD-3")
	refunded.OrderAmount, refunded.EscrowAmount = 30000, 30000
	refundedEscrow, err := svc.CreateEscrow(refunded)
	require.NoError(t, err)
	require.NoError(t, svc.db.Model(&models.EscrowTransaction{}).Where("id = ?", refundedEscrow.ID).
		Update("status", models.EscrowRefunded).Error)

	for _, repay := range []struct {
		escrowID uint
		amount   float64
	}{
		{first.ID, 25000},
		{first.ID, 10000},
		{secondEscrow.ID, 5000},
	} {
		_, err := svc.RecordRepayment(RecordRepaymentParams{
			EscrowTransactionID: repay.escrowID,
			RepaymentAmount:     repay.amount,
			RepaymentMethod:     models.RepaymentMobileMoney,
		})
		require.NoError(t, err)
	}

	summary, err := svc.GetRetailerSummary(first.RetailerID)
	require.NoError(t, err)
	// (100000 + 50000) - (25000 + 10000 + 5000)
	assert.Equal(t, 110000.0, summary.OutstandingDebt)
	assert.Equal(t, 40000.0, summary.TotalRepaid)
	assert.Equal(t, int64(2), summary.HeldCount)
	assert.Equal(t, int64(3), summary.TotalEscrows)
}

func TestProcessAutoDeductions(t *testing.T) {
	svc, _, notifier := newTestService(t)

	// Outstanding debt of 20000 on a single escrow
	params := createParams("ORD-1")
	params.OrderAmount, params.EscrowAmount = 20000, 20000
	escrow, err := svc.CreateEscrow(params)
	require.NoError(t, err)

	pct, maxDaily := 30.0, 5000.0
	_, err = svc.UpdateAutoDeductSettings(escrow.RetailerID, AutoDeductParams{
		DeductionPercentage:  &pct,
		MaxDailyDeductionRwf: &maxDaily,
	})
	require.NoError(t, err)

	result, err := svc.ProcessAutoDeductions()
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 1, result.Processed)
	// min(20000 * 30%, 5000) = 5000
	assert.Equal(t, 5000.0, result.TotalAmount)

	var repayments []models.EscrowRepayment
	require.NoError(t, svc.db.Where("escrow_transaction_id = ?", escrow.ID).Find(&repayments).Error)
	require.Len(t, repayments, 1)
	assert.Equal(t, models.RepaymentAutoDeduct, repayments[0].RepaymentMethod)
	assert.Equal(t, 5000.0, repayments[0].RepaymentAmount)

	// The retailer heard about the deduction
	var kinds []NotificationKind
	for _, n := range notifier.sent {
		kinds = append(kinds, n.Kind)
	}
	assert.Contains(t, kinds, NotifyAutoDeduction)

	// A second sweep the same day is a guarded no-op
	again, err := svc.ProcessAutoDeductions()
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	require.NoError(t, svc.db.Where("escrow_transaction_id = ?", escrow.ID).Find(&repayments).Error)
	assert.Len(t, repayments, 1)
}

func TestAutoDeductionsFIFO(t *testing.T) {
	svc, _, _ := newTestService(t)

	oldest, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)
	require.NoError(t, svc.db.Model(&models.EscrowTransaction{}).Where("id = ?", oldest.ID).
		Update("created_at", time.Now().Add(-48*time.Hour)).Error)

	newer := createParams("ORD-2")
	newer.OrderAmount, newer.EscrowAmount = 50000, 50000
	newerEscrow, err := svc.CreateEscrow(newer)
	require.NoError(t, err)

	// Fully settle the oldest escrow; the sweep must never select it again
	_, err = svc.RecordRepayment(RecordRepaymentParams{
		EscrowTransactionID: oldest.ID,
		RepaymentAmount:     100000,
		RepaymentMethod:     models.RepaymentMobileMoney,
	})
	require.NoError(t, err)

	target, err := svc.oldestUnsettledEscrow(oldest.RetailerID)
	require.NoError(t, err)
	assert.Equal(t, newerEscrow.ID, target.ID)

	pct := 10.0
	_, err = svc.UpdateAutoDeductSettings(oldest.RetailerID, AutoDeductParams{DeductionPercentage: &pct})
	require.NoError(t, err)

	result, err := svc.ProcessAutoDeductions()
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)

	var repayments []models.EscrowRepayment
	require.NoError(t, svc.db.Where("escrow_transaction_id = ? AND repayment_method = ?",
		newerEscrow.ID, models.RepaymentAutoDeduct).Find(&repayments).Error)
	assert.Len(t, repayments, 1)
}

func TestAutoDeductionsSkipInactiveConfigs(t *testing.T) {
	svc, _, _ := newTestService(t)

	escrow, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)

	pct := 20.0
	suspended := true
	_, err = svc.UpdateAutoDeductSettings(escrow.RetailerID, AutoDeductParams{
		DeductionPercentage: &pct,
		Suspended:           &suspended,
	})
	require.NoError(t, err)

	result, err := svc.ProcessAutoDeductions()
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 0.0, result.TotalAmount)
}

func TestAutoDeductionsRespectMinimumBalance(t *testing.T) {
	svc, ledger, _ := newTestService(t)

	escrow, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)

	pct, minBalance := 30.0, 100000.0
	_, err = svc.UpdateAutoDeductSettings(escrow.RetailerID, AutoDeductParams{
		DeductionPercentage: &pct,
		MinimumBalanceRwf:   &minBalance,
	})
	require.NoError(t, err)

	// Nothing above the protected minimum: the sweep must not touch the retailer
	ledger.balances = map[string]float64{RetailerBalanceRef(escrow.RetailerID): 0}

	result, err := svc.ProcessAutoDeductions()
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 0.0, result.TotalAmount)

	var count int64
	require.NoError(t, svc.db.Model(&models.EscrowRepayment{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestAutoDeductionsCappedByAvailableBalance(t *testing.T) {
	svc, ledger, _ := newTestService(t)

	escrow, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)

	pct, minBalance := 30.0, 1000.0
	_, err = svc.UpdateAutoDeductSettings(escrow.RetailerID, AutoDeductParams{
		DeductionPercentage: &pct,
		MinimumBalanceRwf:   &minBalance,
	})
	require.NoError(t, err)

	// 30% of 100000 is 30000, but only 3000 - 1000 is spendable
	ledger.balances = map[string]float64{RetailerBalanceRef(escrow.RetailerID): 3000}

	result, err := svc.ProcessAutoDeductions()
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 2000.0, result.TotalAmount)
}

func TestAutoDeductionsHonourGlobalMinimumWalletBalance(t *testing.T) {
	svc, ledger, _ := newTestService(t)

	escrow, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)

	// The system-wide floor is higher than the retailer's own and wins
	globalMin := 5000.0
	_, err = svc.UpdateSettings(UpdateSettingsParams{MinimumWalletBalance: &globalMin}, "admin1")
	require.NoError(t, err)

	pct, minBalance := 30.0, 1000.0
	_, err = svc.UpdateAutoDeductSettings(escrow.RetailerID, AutoDeductParams{
		DeductionPercentage: &pct,
		MinimumBalanceRwf:   &minBalance,
	})
	require.NoError(t, err)

	ledger.balances = map[string]float64{RetailerBalanceRef(escrow.RetailerID): 7000}

	result, err := svc.ProcessAutoDeductions()
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 2000.0, result.TotalAmount)
}

func TestAutoDeductionsSkipOnBalanceError(t *testing.T) {
	svc, ledger, _ := newTestService(t)

	escrow, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)

	pct := 30.0
	_, err = svc.UpdateAutoDeductSettings(escrow.RetailerID, AutoDeductParams{DeductionPercentage: &pct})
	require.NoError(t, err)

	// An unreadable balance skips the retailer without failing the sweep
	ledger.balanceErr = errors.New("ledger unavailable")

	result, err := svc.ProcessAutoDeductions()
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)

	var count int64
	require.NoError(t, svc.db.Model(&models.EscrowRepayment{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestAutoDeductionsSkipSettledRetailers(t *testing.T) {
	svc, _, _ := newTestService(t)

	escrow, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)
	_, err = svc.RecordRepayment(RecordRepaymentParams{
		EscrowTransactionID: escrow.ID,
		RepaymentAmount:     escrow.EscrowAmount,
		RepaymentMethod:     models.RepaymentMobileMoney,
	})
	require.NoError(t, err)

	pct := 20.0
	_, err = svc.UpdateAutoDeductSettings(escrow.RetailerID, AutoDeductParams{DeductionPercentage: &pct})
	require.NoError(t, err)

	result, err := svc.ProcessAutoDeductions()
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
}

func TestRaiseDispute(t *testing.T) {
	svc, _, _ := newTestService(t)

	escrow, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)

	disputed, err := svc.RaiseDispute(RaiseDisputeParams{
		EscrowID: escrow.ID,
		Reason:   "goods never delivered",
		RaisedBy: escrow.RetailerID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.EscrowDisputed, disputed.Status)
	assert.Equal(t, "goods never delivered", disputed.DisputeReason)
	assert.Equal(t, escrow.RetailerID, disputed.DisputeRaisedBy)
	require.NotNil(t, disputed.DisputeRaisedAt)

	// disputed is terminal-pending: no second dispute, no release
	_, err = svc.RaiseDispute(RaiseDisputeParams{EscrowID: escrow.ID, Reason: "again", RaisedBy: "x"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = svc.ReleaseEscrow(escrow.ID, "admin1", "")
	assert.ErrorIs(t, err, ErrNotFoundOrAlreadyReleased)
}

func TestRaiseDisputeAfterRelease(t *testing.T) {
	svc, _, _ := newTestService(t)

	escrow, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)
	_, err = svc.ReleaseEscrow(escrow.ID, "admin1", "")
	require.NoError(t, err)

	disputed, err := svc.RaiseDispute(RaiseDisputeParams{
		EscrowID: escrow.ID,
		Reason:   "wrong goods shipped",
		RaisedBy: escrow.RetailerID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.EscrowDisputed, disputed.Status)
}

func TestRaiseDisputeUnknownEscrow(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.RaiseDispute(RaiseDisputeParams{EscrowID: 777, Reason: "r", RaisedBy: "u"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetWholesalerPendingEscrows(t *testing.T) {
	svc, _, _ := newTestService(t)

	late := createParams("ORD-1")
	late.AutoReleaseDays = 10
	lateEscrow, err := svc.CreateEscrow(late)
	require.NoError(t, err)

	soon := createParams("ORD-2")
	soon.AutoReleaseDays = 2
	soonEscrow, err := svc.CreateEscrow(soon)
	require.NoError(t, err)

	released := createParams("ORD-3")
	releasedEscrow, err := svc.CreateEscrow(released)
	require.NoError(t, err)
	_, err = svc.ReleaseEscrow(releasedEscrow.ID, "admin1", "")
	require.NoError(t, err)

	pending, err := svc.GetWholesalerPendingEscrows("250788200001")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	// Earliest-expiring first
	assert.Equal(t, soonEscrow.ID, pending[0].ID)
	assert.Equal(t, lateEscrow.ID, pending[1].ID)
}

func TestGetWholesalerSummary(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)

	second := createParams("ORD-2")
	second.OrderAmount, second.EscrowAmount = 40000, 40000
	secondEscrow, err := svc.CreateEscrow(second)
	require.NoError(t, err)
	_, err = svc.ReleaseEscrow(secondEscrow.ID, "admin1", "")
	require.NoError(t, err)

	summary, err := svc.GetWholesalerSummary("250788200001")
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.TotalEscrows)
	assert.Equal(t, int64(1), summary.HeldCount)
	assert.Equal(t, 100000.0, summary.HeldAmount)
	assert.Equal(t, int64(1), summary.ReleasedCount)
	assert.Equal(t, 40000.0, summary.ReleasedAmount)
}

func TestGetRetailerEscrowsStatusFilter(t *testing.T) {
	svc, _, _ := newTestService(t)

	escrow, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)
	second, err := svc.CreateEscrow(createParams("ORD-2"))
	require.NoError(t, err)
	_, err = svc.ReleaseEscrow(second.ID, "admin1", "")
	require.NoError(t, err)

	held, err := svc.GetRetailerEscrows(escrow.RetailerID, models.EscrowHeld)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, escrow.ID, held[0].ID)

	all, err := svc.GetRetailerEscrows(escrow.RetailerID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSettingsDefaultsAndUpdate(t *testing.T) {
	svc, _, _ := newTestService(t)

	settings, err := svc.GetSettings()
	require.NoError(t, err)
	assert.True(t, settings.EscrowEnabled)
	assert.Equal(t, 7, settings.AutoReleaseDays)
	assert.Equal(t, 500000.0, settings.MaxOutstandingDebt)

	days := 14
	email := "disputes@isokopay.rw"
	updated, err := svc.UpdateSettings(UpdateSettingsParams{
		AutoReleaseDays:        &days,
		DisputeResolutionEmail: &email,
	}, "admin1")
	require.NoError(t, err)
	assert.Equal(t, 14, updated.AutoReleaseDays)
	assert.Equal(t, email, updated.DisputeResolutionEmail)
	assert.Equal(t, "admin1", updated.UpdatedBy)
	// Untouched fields keep their values
	assert.Equal(t, 500000.0, updated.MaxOutstandingDebt)

	badDays := -1
	_, err = svc.UpdateSettings(UpdateSettingsParams{AutoReleaseDays: &badDays}, "admin1")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpdateAutoDeductSettingsUpsert(t *testing.T) {
	svc, _, _ := newTestService(t)

	pct := 25.0
	cfg, err := svc.UpdateAutoDeductSettings("250788100001", AutoDeductParams{DeductionPercentage: &pct})
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 25.0, cfg.DeductionPercentage)

	maxDaily := 3000.0
	cfg, err = svc.UpdateAutoDeductSettings("250788100001", AutoDeductParams{MaxDailyDeductionRwf: &maxDaily})
	require.NoError(t, err)
	assert.Equal(t, 25.0, cfg.DeductionPercentage)
	assert.Equal(t, 3000.0, cfg.MaxDailyDeductionRwf)

	var count int64
	require.NoError(t, svc.db.Model(&models.AutoDeductionConfig{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	badPct := 150.0
	_, err = svc.UpdateAutoDeductSettings("250788100001", AutoDeductParams{DeductionPercentage: &badPct})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSettlementRunAudit(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.ProcessAutoReleases()
	require.NoError(t, err)
	_, err = svc.ProcessAutoDeductions()
	require.NoError(t, err)

	runs, err := svc.ListSettlementRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, models.RunCompleted, run.Status)
		assert.NotNil(t, run.FinishedAt)
	}
}
