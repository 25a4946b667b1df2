package pipeline

import (
	"hash/fnv"
	"time"

	"github.com/pickwatt/pickwatt/internal/storage"
)

// Trigger reasons. Gating treats them differently: monthly_refresh honors
// the cadence, the on-demand reasons only honor cooldown.
const (
	ReasonMonthlyRefresh     = "monthly_refresh"
	ReasonPlansFallback      = "plans_fallback"
	ReasonDashboardBootstrap = "dashboard_bootstrap"
)

// KnownReason reports whether reason is one of the recognized triggers.
func KnownReason(reason string) bool {
	switch reason {
	case ReasonMonthlyRefresh, ReasonPlansFallback, ReasonDashboardBootstrap:
		return true
	}
	return false
}

// Budget defaults. The time budget bounds stage loops, not individual items:
// whatever item is in flight when the budget expires still completes.
const (
	DefaultTimeBudgetMs = 12000
	MinTimeBudgetMs     = 1500
	MaxTimeBudgetMs     = 25000

	DefaultMaxTemplateOffers = 24
	DefaultMaxEstimatePlans  = 40
	DefaultEstimateFanOut    = 4

	DefaultMonthlyCadenceDays = 30
	DefaultMaxRunningMinutes  = 3
)

// Cooldowns stamped on the finished job row.
const (
	// cooldownWorkLeft applies when a bounded run left offers unmapped or
	// candidates unestimated, so the next trigger picks the work up quickly.
	cooldownWorkLeft = 15 * time.Second
	cooldownDone     = 10 * time.Minute
	cooldownError    = 5 * time.Minute
)

// Budgets bound one run. Zero fields take defaults; the time budget is
// clamped rather than rejected so callers can pass the raw request value.
type Budgets struct {
	TimeBudgetMs      int
	MaxTemplateOffers int
	MaxEstimatePlans  int
	EstimateFanOut    int
}

func (b Budgets) withDefaults() Budgets {
	if b.TimeBudgetMs == 0 {
		b.TimeBudgetMs = DefaultTimeBudgetMs
	}
	if b.TimeBudgetMs < MinTimeBudgetMs {
		b.TimeBudgetMs = MinTimeBudgetMs
	}
	if b.TimeBudgetMs > MaxTimeBudgetMs {
		b.TimeBudgetMs = MaxTimeBudgetMs
	}
	if b.MaxTemplateOffers <= 0 {
		b.MaxTemplateOffers = DefaultMaxTemplateOffers
	}
	if b.MaxEstimatePlans <= 0 {
		b.MaxEstimatePlans = DefaultMaxEstimatePlans
	}
	if b.EstimateFanOut <= 0 {
		b.EstimateFanOut = DefaultEstimateFanOut
	}
	return b
}

// Skip reasons reported when a run is gated off.
const (
	SkipAlreadyRunning = "already_running"
	SkipCoolingDown    = "cooling_down"
	SkipCadenceNotDue  = "cadence_not_due"
	SkipLockHeld       = "lock_held"
)

// Decision is the gate's verdict.
type Decision struct {
	Allow bool
	Skip  string
}

// Gate applies the run-admission policy to a home's job history, newest
// first. A RUNNING row younger than maxRunning blocks; an older one is a
// crashed run and gets superseded. Cooldown blocks every reason. The monthly
// cadence only blocks monthly_refresh, anchored on the last DONE run.
func Gate(jobs []storage.PipelineJob, reason string, now time.Time, cadenceDays int, maxRunning time.Duration) Decision {
	if len(jobs) == 0 {
		return Decision{Allow: true}
	}
	if cadenceDays <= 0 {
		cadenceDays = DefaultMonthlyCadenceDays
	}
	if maxRunning <= 0 {
		maxRunning = DefaultMaxRunningMinutes * time.Minute
	}

	latest := jobs[0]
	if latest.Status == storage.JobStatusRunning {
		if now.Sub(latest.StartedAt) < maxRunning {
			return Decision{Skip: SkipAlreadyRunning}
		}
		// The process died mid-run; supersede the stale row.
		return Decision{Allow: true}
	}

	if latest.CooldownUntil != nil && now.Before(*latest.CooldownUntil) {
		return Decision{Skip: SkipCoolingDown}
	}

	if reason == ReasonMonthlyRefresh {
		for _, j := range jobs {
			if j.Status != storage.JobStatusDone || j.FinishedAt == nil {
				continue
			}
			if now.Sub(*j.FinishedAt) < time.Duration(cadenceDays)*24*time.Hour {
				return Decision{Skip: SkipCadenceNotDue}
			}
			break
		}
	}

	return Decision{Allow: true}
}

// LockKey derives the advisory-lock key that serializes runs for a home
// across processes.
func LockKey(homeID string) int64 {
	h := fnv.New64()
	_, _ = h.Write([]byte(homeID))
	return int64(h.Sum64())
}
