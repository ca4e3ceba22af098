package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IsokoPay/internal/models"
)

func newTestScheduler(t *testing.T) (*SettlementScheduler, *EscrowService) {
	t.Helper()
	svc, _, _ := newTestService(t)
	return NewSettlementScheduler(svc, nil), svc
}

func TestSchedulerStartStop(t *testing.T) {
	sch, _ := newTestScheduler(t)

	for name, js := range sch.GetStatus() {
		assert.False(t, js.Scheduled, name)
		assert.Nil(t, js.NextRun, name)
	}

	sch.StartAll()
	defer sch.StopAll()

	status := sch.GetStatus()
	require.Len(t, status, 2)

	release := status[string(models.JobAutoRelease)]
	assert.True(t, release.Scheduled)
	assert.Equal(t, "daily at 02:00 (Africa/Kigali)", release.Cadence)
	require.NotNil(t, release.NextRun)
	assert.True(t, release.NextRun.After(time.Now()))

	deduct := status[string(models.JobAutoDeduct)]
	assert.True(t, deduct.Scheduled)
	assert.Equal(t, "daily at 23:00 (Africa/Kigali)", deduct.Cadence)

	// Starting twice must not double-schedule
	sch.StartAll()
	assert.True(t, sch.GetStatus()[string(models.JobAutoRelease)].Scheduled)

	sch.StopAll()
	for name, js := range sch.GetStatus() {
		assert.False(t, js.Scheduled, name)
	}

	// Stop on a stopped scheduler is a no-op
	sch.StopAll()
}

func TestNextRunTime(t *testing.T) {
	sch, _ := newTestScheduler(t)

	loc := sch.loc
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			"before today's fire",
			time.Date(2026, 3, 10, 1, 30, 0, 0, loc),
			time.Date(2026, 3, 10, 2, 0, 0, 0, loc),
		},
		{
			"after today's fire rolls to tomorrow",
			time.Date(2026, 3, 10, 2, 0, 1, 0, loc),
			time.Date(2026, 3, 11, 2, 0, 0, 0, loc),
		},
		{
			"exactly at the fire time rolls to tomorrow",
			time.Date(2026, 3, 10, 2, 0, 0, 0, loc),
			time.Date(2026, 3, 11, 2, 0, 0, 0, loc),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := sch.nextRunTime(autoReleaseHour, 0, test.now)
			assert.True(t, got.Equal(test.want), "got %s, want %s", got, test.want)
		})
	}
}

func TestTriggerAutoRelease(t *testing.T) {
	sch, svc := newTestScheduler(t)

	escrow, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)
	backdateAutoRelease(t, svc.db, escrow.ID)

	released, err := sch.TriggerAutoRelease()
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	var reloaded models.EscrowTransaction
	require.NoError(t, svc.db.First(&reloaded, escrow.ID).Error)
	assert.Equal(t, models.EscrowReleased, reloaded.Status)
}

func TestTriggerAutoDeduct(t *testing.T) {
	sch, svc := newTestScheduler(t)

	escrow, err := svc.CreateEscrow(createParams("ORD-1"))
	require.NoError(t, err)

	pct := 10.0
	_, err = svc.UpdateAutoDeductSettings(escrow.RetailerID, AutoDeductParams{DeductionPercentage: &pct})
	require.NoError(t, err)

	result, err := sch.TriggerAutoDeduct()
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 10000.0, result.TotalAmount)

	// The manual trigger counts as today's run
	again, err := sch.TriggerAutoDeduct()
	require.NoError(t, err)
	assert.True(t, again.Skipped)
}

func TestRunJobRecordsOutcomeAndAlerts(t *testing.T) {
	svc, _, _ := newTestService(t)

	alerts := make(chan string, 1)
	sch := NewSettlementScheduler(svc, func(job string, err error) {
		alerts <- job
	})

	// Break the sweep's config query so the job fails
	require.NoError(t, svc.db.Migrator().DropTable(&models.AutoDeductionConfig{}))

	sch.runJob(sch.jobs[models.JobAutoDeduct])

	select {
	case job := <-alerts:
		assert.Equal(t, string(models.JobAutoDeduct), job)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an alert for the failed job")
	}

	status := sch.GetStatus()[string(models.JobAutoDeduct)]
	assert.NotEmpty(t, status.LastError)
	require.NotNil(t, status.LastRun)
	assert.WithinDuration(t, time.Now(), *status.LastRun, 5*time.Second)
}

func TestRunJobSuccessClearsLastError(t *testing.T) {
	svc, _, _ := newTestService(t)
	sch := NewSettlementScheduler(svc, func(job string, err error) {
		t.Errorf("unexpected alert for %s: %v", job, err)
	})

	sch.runJob(sch.jobs[models.JobAutoRelease])

	status := sch.GetStatus()[string(models.JobAutoRelease)]
	assert.Empty(t, status.LastError)
	require.NotNil(t, status.LastRun)
}
