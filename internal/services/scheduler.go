package services

import (
	"log"
	"sync"
	"time"

	"IsokoPay/internal/models"
)

// SchedulerTimezone is the wall-clock reference for the daily sweeps.
const SchedulerTimezone = "Africa/Kigali"

const (
	autoReleaseHour = 2  // 02:00 — release holds past their window
	autoDeductHour  = 23 // 23:00 — recover debt after the trading day
)

// AlertFunc is invoked when a scheduled job fails. Delivery is fire-and-forget;
// a panicking or failing alert must never take the scheduler down.
type AlertFunc func(job string, err error)

type scheduledJob struct {
	name    models.SettlementJob
	hour    int
	minute  int
	cadence string

	scheduled    bool
	stop         chan struct{}
	lastRun      *time.Time
	lastError    string
	lastDuration time.Duration
}

// SettlementScheduler drives the two daily batch jobs of the escrow engine.
// Both jobs run as independent timers within this process; a multi-instance
// deployment relies on the SettlementRun day-guard to keep duplicate
// deduction sweeps safe.
type SettlementScheduler struct {
	escrow *EscrowService
	alert  AlertFunc
	loc    *time.Location

	mu   sync.Mutex
	jobs map[models.SettlementJob]*scheduledJob
}

func NewSettlementScheduler(escrow *EscrowService, alert AlertFunc) *SettlementScheduler {
	loc, err := time.LoadLocation(SchedulerTimezone)
	if err != nil {
		log.Printf("⚠️  failed to load timezone %s, falling back to UTC: %v", SchedulerTimezone, err)
		loc = time.UTC
	}

	return &SettlementScheduler{
		escrow: escrow,
		alert:  alert,
		loc:    loc,
		jobs: map[models.SettlementJob]*scheduledJob{
			models.JobAutoRelease: {
				name:    models.JobAutoRelease,
				hour:    autoReleaseHour,
				cadence: "daily at 02:00 (Africa/Kigali)",
			},
			models.JobAutoDeduct: {
				name:    models.JobAutoDeduct,
				hour:    autoDeductHour,
				cadence: "daily at 23:00 (Africa/Kigali)",
			},
		},
	}
}

// StartAll schedules both jobs. Already-scheduled jobs are left untouched.
func (sch *SettlementScheduler) StartAll() {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	for _, job := range sch.jobs {
		if job.scheduled {
			continue
		}
		job.scheduled = true
		job.stop = make(chan struct{})
		go sch.runLoop(job, job.stop)
		log.Printf("⏰ scheduled settlement job %s (%s)", job.name, job.cadence)
	}
}

// StopAll stops both jobs.
func (sch *SettlementScheduler) StopAll() {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	for _, job := range sch.jobs {
		if !job.scheduled {
			continue
		}
		close(job.stop)
		job.scheduled = false
		job.stop = nil
		log.Printf("⏹  stopped settlement job %s", job.name)
	}
}

func (sch *SettlementScheduler) runLoop(job *scheduledJob, stop chan struct{}) {
	for {
		next := sch.nextRunTime(job.hour, job.minute, time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			sch.runJob(job)
		}
	}
}

func (sch *SettlementScheduler) runJob(job *scheduledJob) {
	start := time.Now()
	var err error
	switch job.name {
	case models.JobAutoRelease:
		var released int
		released, err = sch.escrow.ProcessAutoReleases()
		if err == nil {
			log.Printf("⏰ scheduled auto-release finished: %d released in %s", released, time.Since(start))
		}
	case models.JobAutoDeduct:
		var result *AutoDeductionResult
		result, err = sch.escrow.ProcessAutoDeductions()
		if err == nil {
			log.Printf("⏰ scheduled auto-deduct finished: %d retailers, RWF %.2f in %s",
				result.Processed, result.TotalAmount, time.Since(start))
		}
	}

	sch.mu.Lock()
	now := time.Now()
	job.lastRun = &now
	job.lastDuration = time.Since(start)
	if err != nil {
		job.lastError = err.Error()
	} else {
		job.lastError = ""
	}
	sch.mu.Unlock()

	if err != nil {
		log.Printf("❌ scheduled job %s failed after %s: %v", job.name, time.Since(start), err)
		if sch.alert != nil {
			go func(name string, jobErr error) {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("⚠️  alert hook panicked for job %s: %v", name, r)
					}
				}()
				sch.alert(name, jobErr)
			}(string(job.name), err)
		}
	}
}

// nextRunTime computes the next wall-clock fire after now in the scheduler's
// timezone.
func (sch *SettlementScheduler) nextRunTime(hour, minute int, now time.Time) time.Time {
	now = now.In(sch.loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, sch.loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// TriggerAutoRelease runs the auto-release batch synchronously, for
// operational recovery and testing. Same semantics as the scheduled path.
func (sch *SettlementScheduler) TriggerAutoRelease() (int, error) {
	return sch.escrow.ProcessAutoReleases()
}

// TriggerAutoDeduct runs the auto-deduction sweep synchronously.
func (sch *SettlementScheduler) TriggerAutoDeduct() (*AutoDeductionResult, error) {
	return sch.escrow.ProcessAutoDeductions()
}

type JobStatus struct {
	Scheduled      bool       `json:"scheduled"`
	Cadence        string     `json:"cadence"`
	NextRun        *time.Time `json:"next_run,omitempty"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastDurationMs int64      `json:"last_duration_ms,omitempty"`
}

// GetStatus reports whether each job is scheduled, its cadence and its next
// and last run times.
func (sch *SettlementScheduler) GetStatus() map[string]JobStatus {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	status := make(map[string]JobStatus, len(sch.jobs))
	for name, job := range sch.jobs {
		js := JobStatus{
			Scheduled:      job.scheduled,
			Cadence:        job.cadence,
			LastRun:        job.lastRun,
			LastError:      job.lastError,
			LastDurationMs: job.lastDuration.Milliseconds(),
		}
		if job.scheduled {
			next := sch.nextRunTime(job.hour, job.minute, time.Now())
			js.NextRun = &next
		}
		status[string(name)] = js
	}
	return status
}
