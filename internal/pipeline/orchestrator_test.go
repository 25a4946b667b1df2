package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pickwatt/pickwatt/internal/efl"
	"github.com/pickwatt/pickwatt/internal/fetch"
	"github.com/pickwatt/pickwatt/internal/plan"
	"github.com/pickwatt/pickwatt/internal/storage"
	"github.com/pickwatt/pickwatt/internal/usage"
)

// fixedEflText validates STRONG from the extractors alone: 12.5¢ energy plus
// a $4.95 base, TDU masked, so avg(u) = 12.5 + 495/u.
const fixedEflText = `Electricity Facts Label
PUCT Certificate # 10098
Energy Charge: 12.5¢ per kWh
Base Charge: $4.95 per month
TDU Delivery Charges are included in the price shown above.
Average Monthly Use: 500 kWh: 13.49¢ 1,000 kWh: 13.0¢ 2,000 kWh: 12.75¢`

// cheapEflText is a flat 10¢ plan with no base charge.
const cheapEflText = `Electricity Facts Label
PUCT Certificate # 10101
Energy Charge: 10.0¢ per kWh
TDU Delivery Charges are included in the price shown above.
Average Monthly Use: 500 kWh: 10.0¢ 1,000 kWh: 10.0¢ 2,000 kWh: 10.0¢`

// brokenEflText discloses averages no 10¢ flat rate can reproduce.
const brokenEflText = `Electricity Facts Label
Energy Charge: 10.0¢ per kWh
TDU Delivery Charges are included in the price shown above.
Average Monthly Use: 500 kWh: 15.0¢ 1,000 kWh: 15.0¢ 2,000 kWh: 15.0¢`

var testTdsp = plan.TdspRates{
	PerKwhDeliveryChargeCents:    3.87,
	MonthlyCustomerChargeDollars: 4.39,
	EffectiveDate:                time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC),
}

type fakeOffers struct {
	offers []plan.Offer
	err    error
	calls  int
}

func (f *fakeOffers) OffersForHome(context.Context, storage.HouseAddress) ([]plan.Offer, bool, error) {
	f.calls++
	if f.err != nil {
		return nil, false, f.err
	}
	return f.offers, false, nil
}

type fakeFetcher struct {
	texts   map[string]string
	errs    map[string]error
	fetches int
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*fetch.Result, error) {
	f.fetches++
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	text, ok := f.texts[url]
	if !ok {
		return nil, fmt.Errorf("no fixture for %s", url)
	}
	doc := efl.DocumentFromText(text, efl.Sha256Hex([]byte(text)))
	return &fetch.Result{Document: doc, PdfURL: url, ContentType: "text/plain"}, nil
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type env struct {
	store   *storage.MemoryStorage
	offers  *fakeOffers
	fetcher *fakeFetcher
	clock   *testClock
	runner  *Runner
}

func newEnv(t *testing.T, offersList []plan.Offer) *env {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	clock := &testClock{t: time.Date(2026, time.March, 10, 15, 0, 0, 0, time.UTC)}
	require.NoError(t, store.UpsertHouseAddress(ctx, storage.HouseAddress{
		ID: "home-1", TdspSlug: "oncor", UsageSource: "smt",
	}))

	var rows []storage.MonthlyUsage
	for _, ym := range usage.MonthWindow(clock.t, 12, time.UTC) {
		rows = append(rows, storage.MonthlyUsage{
			HomeID: "home-1", Source: "smt", YearMonth: ym, Kwh: 1000,
		})
	}
	require.NoError(t, store.UpsertMonthlyUsage(ctx, rows))

	e := &env{
		store:   store,
		offers:  &fakeOffers{offers: offersList},
		fetcher: &fakeFetcher{texts: map[string]string{}, errs: map[string]error{}},
		clock:   clock,
	}
	runner, err := NewRunner(Deps{
		Store:   store,
		Offers:  e.offers,
		Fetcher: e.fetcher,
		Rates: func(context.Context, string, time.Time) (*plan.TdspRates, error) {
			rates := testTdsp
			return &rates, nil
		},
		Zone: time.UTC,
		Now:  clock.now,
	})
	require.NoError(t, err)
	e.runner = runner
	return e
}

func offerFixed(id, url string) plan.Offer {
	return plan.Offer{
		ID: id, Supplier: "Volt Co", PlanName: "Steady 12",
		TermMonths: 12, EflURL: url, TdspSlug: "oncor",
	}
}

func TestRunMapsAndEstimates(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []plan.Offer{offerFixed("offer-1", "https://efl.example/fixed.pdf")})
	e.fetcher.texts["https://efl.example/fixed.pdf"] = fixedEflText

	res, err := e.runner.Run(ctx, Inputs{HomeID: "home-1", Reason: ReasonDashboardBootstrap})
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.NotNil(t, res.Job)

	job := res.Job
	assert.Equal(t, storage.JobStatusDone, job.Status)
	assert.Equal(t, 1, job.Counts.OffersSeen)
	assert.Equal(t, 1, job.Counts.TemplatesMapped)
	assert.Equal(t, 0, job.Counts.TemplatesFailed)
	assert.Equal(t, 1, job.Counts.EstimatesComputed)
	assert.Equal(t, 0, job.Counts.AlreadyCached)
	require.NotNil(t, job.LastCalcWindowEnd)
	assert.Equal(t, e.clock.t, *job.LastCalcWindowEnd)
	require.NotNil(t, job.CooldownUntil)

	m, err := e.store.GetOfferMap(ctx, "offer-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, storage.LinkedByPipeline, m.LinkedBy)

	rp, err := e.store.GetRatePlan(ctx, m.RatePlanID)
	require.NoError(t, err)
	require.NotNil(t, rp)
	assert.Equal(t, string(plan.Computable), rp.PlanCalcStatus)
	assert.Equal(t, plan.CalcVersion, rp.PlanCalcVersion)
	assert.Equal(t, []string{plan.BucketKeyMonthAll}, rp.RequiredBucketKeys)
	assert.Equal(t, plan.RateTypeFixed, rp.RateStructure.RateStructure.Type)

	current, err := e.store.ListCurrentEstimates(ctx, "home-1")
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, rp.ID, current[0].RatePlanID)

	// 12.5¢ × 1000 + $4.95 rep, plus 3.87¢ × 1000 + $4.39 delivery, monthly.
	snap, err := e.store.GetHomeSavings(ctx, "home-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, rp.ID, snap.BestRatePlanID)
	assert.InDelta(t, 12*(125+4.95+38.70+4.39), snap.BestAnnualCostDollars, 0.01)
}

func TestRunIsIdempotentOnUnchangedInputs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []plan.Offer{offerFixed("offer-1", "https://efl.example/fixed.pdf")})
	e.fetcher.texts["https://efl.example/fixed.pdf"] = fixedEflText

	first, err := e.runner.Run(ctx, Inputs{HomeID: "home-1", Reason: ReasonDashboardBootstrap})
	require.NoError(t, err)
	require.Equal(t, 1, first.Job.Counts.EstimatesComputed)

	// Past the completion cooldown, same offers, same usage.
	e.clock.advance(11 * time.Minute)
	second, err := e.runner.Run(ctx, Inputs{HomeID: "home-1", Reason: ReasonDashboardBootstrap})
	require.NoError(t, err)
	require.False(t, second.Skipped)

	assert.Equal(t, 0, second.Job.Counts.TemplatesMapped)
	assert.Equal(t, 0, second.Job.Counts.EstimatesComputed)
	assert.Equal(t, 1, second.Job.Counts.AlreadyCached)
	// No new fetches: the offer stayed linked to its template.
	assert.Equal(t, 1, e.fetcher.fetches)
	// The cadence anchor carries forward from the run that computed.
	require.NotNil(t, second.Job.LastCalcWindowEnd)
	assert.Equal(t, *first.Job.LastCalcWindowEnd, *second.Job.LastCalcWindowEnd)
}

func TestRunHonorsCooldown(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []plan.Offer{offerFixed("offer-1", "https://efl.example/fixed.pdf")})
	e.fetcher.texts["https://efl.example/fixed.pdf"] = fixedEflText

	_, err := e.runner.Run(ctx, Inputs{HomeID: "home-1", Reason: ReasonDashboardBootstrap})
	require.NoError(t, err)

	e.clock.advance(time.Minute)
	res, err := e.runner.Run(ctx, Inputs{HomeID: "home-1", Reason: ReasonDashboardBootstrap})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, SkipCoolingDown, res.Skip)
}

func TestRunOffersOutageFinishesError(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.offers.err = errors.New("marketplace down")

	res, err := e.runner.Run(ctx, Inputs{HomeID: "home-1", Reason: ReasonPlansFallback})
	require.Error(t, err)
	require.NotNil(t, res)
	require.NotNil(t, res.Job)
	assert.Equal(t, storage.JobStatusError, res.Job.Status)
	assert.Contains(t, res.Job.LastError, "marketplace down")
	assert.Nil(t, res.Job.LastCalcWindowEnd)
	require.NotNil(t, res.Job.CooldownUntil)

	latest, err := e.store.GetLatestPipelineJob(ctx, "home-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, storage.JobStatusError, latest.Status)
}

func TestRunFetchFailureQueuesReview(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []plan.Offer{offerFixed("offer-broken", "https://efl.example/broken.pdf")})
	e.fetcher.errs["https://efl.example/broken.pdf"] = errors.New("status 404")

	res, err := e.runner.Run(ctx, Inputs{HomeID: "home-1", Reason: ReasonDashboardBootstrap})
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusDone, res.Job.Status)
	assert.Equal(t, 1, res.Job.Counts.TemplatesFailed)
	assert.Equal(t, 0, res.Job.Counts.TemplatesMapped)

	items, err := e.store.ListReviewItems(ctx, storage.ReviewKindEflParse, true, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "offer-broken", items[0].DedupeKey)
	assert.Equal(t, "fetch", items[0].Reason.Stage)
	assert.Equal(t, "FETCH_FAILED", items[0].Reason.ReasonCode)
}

func TestRunValidationFailureQueuesBySha(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []plan.Offer{offerFixed("offer-bad", "https://efl.example/bad.pdf")})
	e.fetcher.texts["https://efl.example/bad.pdf"] = brokenEflText

	res, err := e.runner.Run(ctx, Inputs{HomeID: "home-1", Reason: ReasonDashboardBootstrap})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Job.Counts.TemplatesFailed)

	items, err := e.store.ListReviewItems(ctx, storage.ReviewKindEflParse, true, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	wantSha := efl.Sha256Hex([]byte(brokenEflText))
	assert.Equal(t, wantSha, items[0].DedupeKey)
	assert.Equal(t, "validate", items[0].Reason.Stage)

	// Nothing persisted, nothing linked.
	rp, err := e.store.GetRatePlanByEflSha(ctx, wantSha)
	require.NoError(t, err)
	assert.Nil(t, rp)
	m, err := e.store.GetOfferMap(ctx, "offer-bad")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestRunSharedEflLinksWithoutReparse(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []plan.Offer{
		offerFixed("offer-1", "https://efl.example/a.pdf"),
		offerFixed("offer-2", "https://efl.example/b.pdf"),
	})
	// Different URLs, byte-identical documents.
	e.fetcher.texts["https://efl.example/a.pdf"] = fixedEflText
	e.fetcher.texts["https://efl.example/b.pdf"] = fixedEflText

	res, err := e.runner.Run(ctx, Inputs{HomeID: "home-1", Reason: ReasonDashboardBootstrap})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Job.Counts.TemplatesMapped)

	m1, err := e.store.GetOfferMap(ctx, "offer-1")
	require.NoError(t, err)
	m2, err := e.store.GetOfferMap(ctx, "offer-2")
	require.NoError(t, err)
	require.NotNil(t, m1)
	require.NotNil(t, m2)
	assert.Equal(t, m1.RatePlanID, m2.RatePlanID)

	// One estimate computed for the shared template, one cache hit.
	assert.Equal(t, 1, res.Job.Counts.EstimatesComputed)
	assert.Equal(t, 1, res.Job.Counts.AlreadyCached)
}

func TestRunQuarantinesNonDeterministicTemplate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []plan.Offer{offerFixed("offer-v", "https://efl.example/var.pdf")})

	// A variable plan persisted without an anchor rate cannot be priced.
	require.NoError(t, e.store.UpsertRatePlan(ctx, storage.RatePlan{
		ID:           "rp-var",
		EflPdfSha256: "sha-var",
		RateStructure: plan.RateStructureWithEvidence{
			RateStructure: plan.RateStructure{Type: plan.RateTypeVariable},
		},
		PlanCalcVersion: plan.CalcVersion,
	}))
	saved, err := e.store.GetRatePlanByEflSha(ctx, "sha-var")
	require.NoError(t, err)
	require.NoError(t, e.store.UpsertOfferMap(ctx, storage.OfferRatePlanMap{
		OfferID: "offer-v", RatePlanID: saved.ID,
		LastLinkedAt: e.clock.t, LinkedBy: storage.LinkedByAdmin,
	}))

	res, err := e.runner.Run(ctx, Inputs{HomeID: "home-1", Reason: ReasonDashboardBootstrap})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Job.Counts.Quarantined)
	assert.Equal(t, 0, res.Job.Counts.EstimatesComputed)

	items, err := e.store.ListReviewItems(ctx, storage.ReviewKindQuarantine, true, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "offer-v", items[0].DedupeKey)
	assert.Equal(t, string(plan.ReasonNonDeterministic), items[0].Reason.ReasonCode)

	// The persisted status column converged with the analyzer.
	resynced, err := e.store.GetRatePlan(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, string(plan.NotComputable), resynced.PlanCalcStatus)
	assert.Equal(t, string(plan.ReasonNonDeterministic), resynced.PlanCalcReasonCode)
}

func TestRunResolvesQuarantineOnHealthyEstimate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []plan.Offer{offerFixed("offer-1", "https://efl.example/fixed.pdf")})
	e.fetcher.texts["https://efl.example/fixed.pdf"] = fixedEflText

	// A quarantine left over from an earlier engine version.
	require.NoError(t, e.store.UpsertReviewItem(ctx, storage.ReviewQueueItem{
		Kind:        storage.ReviewKindQuarantine,
		DedupeKey:   "offer-1",
		FinalStatus: storage.ReviewStatusOpen,
		OfferID:     "offer-1",
		HomeID:      "home-1",
	}))

	_, err := e.runner.Run(ctx, Inputs{HomeID: "home-1", Reason: ReasonDashboardBootstrap})
	require.NoError(t, err)

	open, err := e.store.ListReviewItems(ctx, storage.ReviewKindQuarantine, true, 0)
	require.NoError(t, err)
	assert.Empty(t, open, "healthy estimate should auto-resolve the quarantine")
}

func TestRunSkipsEstimateOnUsageGaps(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []plan.Offer{offerFixed("offer-1", "https://efl.example/fixed.pdf")})
	e.fetcher.texts["https://efl.example/fixed.pdf"] = fixedEflText

	// A second home with no usage history at all.
	require.NoError(t, e.store.UpsertHouseAddress(ctx, storage.HouseAddress{
		ID: "home-new", TdspSlug: "oncor", UsageSource: "smt",
	}))

	res, err := e.runner.Run(ctx, Inputs{HomeID: "home-new", Reason: ReasonDashboardBootstrap})
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusDone, res.Job.Status)
	assert.Equal(t, 1, res.Job.Counts.TemplatesMapped)
	assert.Equal(t, 0, res.Job.Counts.EstimatesComputed)
	assert.Equal(t, 1, res.Job.Counts.EstimatesSkipped)
	assert.Nil(t, res.Job.LastCalcWindowEnd)
}

func TestRunSavingsComparesCurrentPlan(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []plan.Offer{
		offerFixed("offer-steady", "https://efl.example/fixed.pdf"),
		{ID: "offer-cheap", Supplier: "Nova Power", PlanName: "Basic 12", TermMonths: 12,
			EflURL: "https://efl.example/cheap.pdf", TdspSlug: "oncor"},
	})
	e.fetcher.texts["https://efl.example/fixed.pdf"] = fixedEflText
	e.fetcher.texts["https://efl.example/cheap.pdf"] = cheapEflText

	_, err := e.runner.Run(ctx, Inputs{HomeID: "home-1", Reason: ReasonDashboardBootstrap})
	require.NoError(t, err)

	steady, err := e.store.GetOfferMap(ctx, "offer-steady")
	require.NoError(t, err)
	cheap, err := e.store.GetOfferMap(ctx, "offer-cheap")
	require.NoError(t, err)

	// Make the pricier plan the home's current one and re-run.
	home, err := e.store.GetHouseAddress(ctx, "home-1")
	require.NoError(t, err)
	home.CurrentRatePlanID = steady.RatePlanID
	require.NoError(t, e.store.UpsertHouseAddress(ctx, *home))

	e.clock.advance(11 * time.Minute)
	res, err := e.runner.Run(ctx, Inputs{HomeID: "home-1", Reason: ReasonDashboardBootstrap})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Job.Counts.AlreadyCached)

	snap, err := e.store.GetHomeSavings(ctx, "home-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, cheap.RatePlanID, snap.BestRatePlanID)
	assert.Equal(t, steady.RatePlanID, snap.CurrentRatePlanID)
	// (12.5¢ + $4.95/mo) vs flat 10¢ on 1000 kWh months: $29.95/month apart.
	assert.InDelta(t, 12*29.95, snap.SavingsDollars, 0.01)
}

func TestRunRenterSkipsSavingsSnapshot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []plan.Offer{offerFixed("offer-1", "https://efl.example/fixed.pdf")})
	e.fetcher.texts["https://efl.example/fixed.pdf"] = fixedEflText

	res, err := e.runner.Run(ctx, Inputs{HomeID: "home-1", Reason: ReasonDashboardBootstrap, IsRenter: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Job.Counts.EstimatesComputed)

	snap, err := e.store.GetHomeSavings(ctx, "home-1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRunRejectsUnknownReason(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.runner.Run(context.Background(), Inputs{HomeID: "home-1", Reason: "hourly_refresh"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown reason"))
}

func TestRunMissingEflURLFailsFinal(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []plan.Offer{{ID: "offer-nourl", Supplier: "Volt Co", TdspSlug: "oncor"}})

	res, err := e.runner.Run(ctx, Inputs{HomeID: "home-1", Reason: ReasonDashboardBootstrap})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Job.Counts.TemplatesFailed)

	items, err := e.store.ListReviewItems(ctx, storage.ReviewKindEflParse, true, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, storage.ReviewStatusFail, items[0].FinalStatus)
	assert.Equal(t, "MISSING_EFL_URL", items[0].Reason.ReasonCode)
}
