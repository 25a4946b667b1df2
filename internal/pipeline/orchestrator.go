// Package pipeline orchestrates the per-home refresh: offers in, EFL
// templates mapped, usage bucketed, estimates filled, and review fallout
// queued. One run is one PipelineJob row; gating keeps runs serialized per
// home and spaced per trigger reason.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pickwatt/pickwatt/internal/efl"
	"github.com/pickwatt/pickwatt/internal/estimate"
	"github.com/pickwatt/pickwatt/internal/fetch"
	"github.com/pickwatt/pickwatt/internal/metrics"
	"github.com/pickwatt/pickwatt/internal/plan"
	"github.com/pickwatt/pickwatt/internal/review"
	"github.com/pickwatt/pickwatt/internal/storage"
	"github.com/pickwatt/pickwatt/internal/tdsp"
	"github.com/pickwatt/pickwatt/internal/usage"
)

// gateHistoryLimit bounds how far back the gate looks for its cadence anchor.
const gateHistoryLimit = 20

// OfferLister supplies the offer listing for a home. *offers.Service is the
// production implementation.
type OfferLister interface {
	OffersForHome(ctx context.Context, home storage.HouseAddress) ([]plan.Offer, bool, error)
}

// Deps wires a Runner. Store, Offers, and Fetcher are required; nil optional
// fields take the production defaults.
type Deps struct {
	Store   storage.Storage
	Offers  OfferLister
	Fetcher fetch.Fetcher
	// Parser is the AI draft stage; nil runs the deterministic extractors
	// alone.
	Parser efl.DraftParser
	// Buckets defaults to the storage-backed builder in Zone.
	Buckets usage.BucketBuilder
	// Rates defaults to the static utility registry, memoized.
	Rates tdsp.RatesFunc
	Cache *estimate.Cache
	Queue *review.Queue
	// Zone defaults to America/Chicago, the ERCOT billing zone.
	Zone        *time.Location
	CadenceDays int
	MaxRunning  time.Duration
	Now         func() time.Time
}

// Runner executes pipeline runs.
type Runner struct {
	store       storage.Storage
	offers      OfferLister
	fetcher     fetch.Fetcher
	parser      efl.DraftParser
	buckets     usage.BucketBuilder
	rates       tdsp.RatesFunc
	cache       *estimate.Cache
	queue       *review.Queue
	zone        *time.Location
	cadenceDays int
	maxRunning  time.Duration
	now         func() time.Time
}

// NewRunner validates and defaults the dependency set.
func NewRunner(d Deps) (*Runner, error) {
	if d.Store == nil || d.Offers == nil || d.Fetcher == nil {
		return nil, errors.New("pipeline: store, offers, and fetcher are required")
	}
	zone := d.Zone
	if zone == nil {
		z, err := time.LoadLocation(usage.DefaultZoneName)
		if err != nil {
			return nil, fmt.Errorf("load zone %s: %w", usage.DefaultZoneName, err)
		}
		zone = z
	}
	r := &Runner{
		store:       d.Store,
		offers:      d.Offers,
		fetcher:     d.Fetcher,
		parser:      d.Parser,
		buckets:     d.Buckets,
		rates:       d.Rates,
		cache:       d.Cache,
		queue:       d.Queue,
		zone:        zone,
		cadenceDays: d.CadenceDays,
		maxRunning:  d.MaxRunning,
		now:         d.Now,
	}
	if r.buckets == nil {
		r.buckets = usage.NewRepoBuilder(d.Store, zone)
	}
	if r.rates == nil {
		r.rates = tdsp.Memoized(tdsp.FromRegistry())
	}
	if r.cache == nil {
		r.cache = estimate.NewCache(d.Store, estimate.DefaultCurrentTTL)
	}
	if r.queue == nil {
		r.queue = review.NewQueue(d.Store)
	}
	if r.cadenceDays <= 0 {
		r.cadenceDays = DefaultMonthlyCadenceDays
	}
	if r.maxRunning <= 0 {
		r.maxRunning = DefaultMaxRunningMinutes * time.Minute
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Inputs is one requested run.
type Inputs struct {
	HomeID string
	// Reason defaults to dashboard_bootstrap, the on-demand trigger.
	Reason string
	// IsRenter supplements the stored flag. Renter homes still price every
	// plan but skip the savings snapshot, since they cannot switch.
	IsRenter bool
	Budgets  Budgets
}

// Result reports what a requested run did: either the gate turned it away,
// or the finished job row.
type Result struct {
	Skipped bool
	Skip    string
	Job     *storage.PipelineJob
}

// Run executes one pipeline run for a home. Infrastructure failures (offers
// unavailable, usage repo down) finish the job as ERROR with a cooldown;
// per-offer and per-template failures stay inside the run as counts and
// review items. The returned error mirrors the ERROR job status.
func (r *Runner) Run(ctx context.Context, in Inputs) (*Result, error) {
	if in.HomeID == "" {
		return nil, errors.New("pipeline: home id required")
	}
	if in.Reason == "" {
		in.Reason = ReasonDashboardBootstrap
	}
	if !KnownReason(in.Reason) {
		return nil, fmt.Errorf("pipeline: unknown reason %q", in.Reason)
	}

	home, err := r.store.GetHouseAddress(ctx, in.HomeID)
	if err != nil {
		return nil, fmt.Errorf("load home %s: %w", in.HomeID, err)
	}
	if home == nil {
		return nil, fmt.Errorf("pipeline: home %s not found", in.HomeID)
	}

	now := r.now()
	jobs, err := r.store.ListPipelineJobs(ctx, in.HomeID, gateHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("list jobs for %s: %w", in.HomeID, err)
	}
	if d := Gate(jobs, in.Reason, now, r.cadenceDays, r.maxRunning); !d.Allow {
		log.Printf("pipeline: skip home=%s reason=%s gate=%s", in.HomeID, in.Reason, d.Skip)
		return &Result{Skipped: true, Skip: d.Skip}, nil
	}

	lock, err := r.store.AcquireAdvisoryLock(ctx, LockKey(in.HomeID))
	if err != nil {
		return nil, fmt.Errorf("acquire home lock: %w", err)
	}
	if lock == nil {
		log.Printf("pipeline: skip home=%s gate=%s", in.HomeID, SkipLockHeld)
		return &Result{Skipped: true, Skip: SkipLockHeld}, nil
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			log.Printf("pipeline: release home lock %s: %v", in.HomeID, err)
		}
	}()

	budgets := in.Budgets.withDefaults()
	job := storage.PipelineJob{
		RunID:             uuid.NewString(),
		HomeID:            in.HomeID,
		Status:            storage.JobStatusRunning,
		Reason:            in.Reason,
		CalcVersion:       plan.CalcVersion,
		StartedAt:         now,
		LastCalcWindowEnd: carryWindowEnd(jobs),
	}
	if err := r.store.SavePipelineJob(ctx, job); err != nil {
		return nil, fmt.Errorf("save job start: %w", err)
	}
	log.Printf("pipeline: start run=%s home=%s reason=%s budget=%dms",
		job.RunID, in.HomeID, in.Reason, budgets.TimeBudgetMs)

	st := &runState{
		home:      *home,
		isRenter:  in.IsRenter || home.IsRenter,
		budgets:   budgets,
		deadline:  now.Add(time.Duration(budgets.TimeBudgetMs) * time.Millisecond),
		windowEnd: now,
		planCosts: make(map[string]float64),
		planLocks: make(map[string]*sync.Mutex),
	}
	runErr := r.execute(ctx, st)

	finished := r.now()
	job.FinishedAt = &finished
	job.Counts = st.counts
	if runErr != nil {
		job.Status = storage.JobStatusError
		job.LastError = runErr.Error()
		job.CooldownUntil = timePtr(finished.Add(cooldownError))
	} else {
		job.Status = storage.JobStatusDone
		cd := cooldownDone
		if st.workRemaining {
			cd = cooldownWorkLeft
		}
		job.CooldownUntil = timePtr(finished.Add(cd))
	}
	// Only a run that actually computed estimates moves the cadence anchor.
	if st.counts.EstimatesComputed > 0 {
		job.LastCalcWindowEnd = timePtr(st.windowEnd)
	}

	// The final snapshot must land even when ctx is already done.
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.SavePipelineJob(saveCtx, job); err != nil {
		log.Printf("pipeline: save job %s: %v", job.RunID, err)
	}
	metrics.ObservePipelineRun(in.Reason, job.Status, job.StartedAt)
	log.Printf("pipeline: finish run=%s home=%s status=%s offers=%d mapped=%d failed=%d computed=%d cached=%d skipped=%d quarantined=%d",
		job.RunID, in.HomeID, job.Status,
		st.counts.OffersSeen, st.counts.TemplatesMapped, st.counts.TemplatesFailed,
		st.counts.EstimatesComputed, st.counts.AlreadyCached, st.counts.EstimatesSkipped,
		st.counts.Quarantined)

	return &Result{Job: &job}, runErr
}

// runState is the scratch space for one run. counts, planCosts, planLocks,
// and workRemaining are mutex-guarded during the fan-out stage.
type runState struct {
	home      storage.HouseAddress
	isRenter  bool
	budgets   Budgets
	deadline  time.Time
	windowEnd time.Time

	buckets    *usage.BucketSet
	plans      map[string]storage.RatePlan
	candidates []candidate

	mu            sync.Mutex
	counts        storage.JobCounts
	workRemaining bool
	planCosts     map[string]float64
	planLocks     map[string]*sync.Mutex
}

// planLock returns the mutex serializing estimates for one template. Offers
// sharing an EFL map to the same template; the duplicate settles from cache
// once the first write lands.
func (st *runState) planLock(id string) *sync.Mutex {
	st.mu.Lock()
	defer st.mu.Unlock()
	m, ok := st.planLocks[id]
	if !ok {
		m = new(sync.Mutex)
		st.planLocks[id] = m
	}
	return m
}

type candidate struct {
	offerID    string
	ratePlanID string
}

func (r *Runner) execute(ctx context.Context, st *runState) error {
	offersList, _, err := r.offers.OffersForHome(ctx, st.home)
	if err != nil {
		return fmt.Errorf("offers: %w", err)
	}
	st.counts.OffersSeen = len(offersList)

	r.mapTemplates(ctx, st, offersList)

	if len(st.candidates) == 0 {
		return nil
	}
	if err := r.buildBuckets(ctx, st); err != nil {
		return fmt.Errorf("usage buckets: %w", err)
	}
	r.fillEstimates(ctx, st)
	r.saveSavings(ctx, st)
	return nil
}

// mapTemplates links every offer to a parsed template, parsing EFLs for
// offers seen for the first time. Already-linked offers go straight to the
// candidate list.
func (r *Runner) mapTemplates(ctx context.Context, st *runState, offersList []plan.Offer) {
	var pending []plan.Offer
	for _, off := range offersList {
		if off.EflURL == "" {
			st.counts.TemplatesFailed++
			if err := r.queue.EnqueueParseFailure(ctx, review.ParseFailure{
				Offer:       off,
				HomeID:      st.home.ID,
				Stage:       review.StageFetch,
				ReasonCode:  "MISSING_EFL_URL",
				Details:     "offer feed carried no EFL link",
				FinalStatus: storage.ReviewStatusFail,
			}); err != nil {
				log.Printf("pipeline: enqueue missing-url offer=%s: %v", off.ID, err)
			}
			continue
		}
		m, err := r.store.GetOfferMap(ctx, off.ID)
		if err != nil {
			log.Printf("pipeline: offer map read %s: %v", off.ID, err)
		}
		if m != nil && m.RatePlanID != "" {
			st.candidates = append(st.candidates, candidate{off.ID, m.RatePlanID})
			continue
		}
		pending = append(pending, off)
	}

	attempts := 0
	for i, off := range pending {
		if attempts >= st.budgets.MaxTemplateOffers || r.now().After(st.deadline) {
			st.workRemaining = true
			log.Printf("pipeline: template budget exhausted home=%s, %d offers left",
				st.home.ID, len(pending)-i)
			break
		}
		attempts++
		r.mapOffer(ctx, st, off)
	}
}

func (r *Runner) mapOffer(ctx context.Context, st *runState, off plan.Offer) {
	res, err := r.fetcher.Fetch(ctx, off.EflURL)
	if err != nil {
		st.counts.TemplatesFailed++
		metrics.EflParseOutcomesTotal.WithLabelValues("fetch_error").Inc()
		if qerr := r.queue.EnqueueParseFailure(ctx, review.ParseFailure{
			Offer:      off,
			HomeID:     st.home.ID,
			Stage:      review.StageFetch,
			ReasonCode: "FETCH_FAILED",
			Details:    err.Error(),
		}); qerr != nil {
			log.Printf("pipeline: enqueue fetch failure offer=%s: %v", off.ID, qerr)
		}
		return
	}
	doc := res.Document

	// Byte-identical EFLs share one template; link without re-parsing.
	if existing, err := r.store.GetRatePlanByEflSha(ctx, doc.Sha256); err == nil && existing != nil {
		r.linkOffer(ctx, st, off, existing.ID, doc.Sha256)
		return
	}

	slug := tdsp.Normalize(off.TdspSlug)
	if slug == "" {
		slug = st.home.TdspSlug
	}
	var trates *plan.TdspRates
	if tr, err := r.rates(ctx, slug, r.now()); err == nil {
		trates = tr
	} else {
		// The validator falls back to the EFL's own TDU disclosure.
		log.Printf("pipeline: tdsp rates %s: %v", slug, err)
	}

	out := efl.Process(ctx, efl.ParseRequest{
		Document:       doc,
		Parser:         r.parser,
		TerritoryRates: trates,
		Points:         offerPoints(off),
	})
	if out.Strength != nil && out.Solve.ValidationAfter != nil {
		metrics.ValidatorVerdictsTotal.WithLabelValues(
			string(out.Solve.ValidationAfter.Status), string(out.Strength.Strength)).Inc()
	}

	if !out.Persistable() {
		st.counts.TemplatesFailed++
		metrics.EflParseOutcomesTotal.WithLabelValues("review").Inc()
		stage, code, details := reviewReason(out)
		if qerr := r.queue.EnqueueParseFailure(ctx, review.ParseFailure{
			Offer:        off,
			HomeID:       st.home.ID,
			EflPdfSha256: doc.Sha256,
			Stage:        stage,
			ReasonCode:   code,
			Details:      details,
		}); qerr != nil {
			log.Printf("pipeline: enqueue parse failure offer=%s: %v", off.ID, qerr)
		}
		return
	}

	rp := storage.RatePlan{
		ID:           uuid.NewString(),
		EflPdfSha256: doc.Sha256,
		EflURL:       res.PdfURL,
		Supplier:     off.Supplier,
		PlanName:     off.PlanName,
		TdspSlug:     slug,
		RateStructure: plan.RateStructureWithEvidence{
			RateStructure: *out.Solve.RateStructure,
			Evidence:      out.Evidence,
		},
		PlanCalcVersion:    plan.CalcVersion,
		PlanCalcStatus:     string(out.Computability.Status),
		PlanCalcReasonCode: string(out.Computability.ReasonCode),
		RequiredBucketKeys: out.Computability.RequiredBucketKeys,
		SupportedFeatures:  out.Computability.SupportedFeatures,
		PlanCalcDerivedAt:  r.now(),
	}
	if err := r.store.UpsertRatePlan(ctx, rp); err != nil {
		st.counts.TemplatesFailed++
		log.Printf("pipeline: persist template offer=%s: %v", off.ID, err)
		return
	}
	// Upsert dedupes on content hash; read back the canonical row.
	saved, err := r.store.GetRatePlanByEflSha(ctx, doc.Sha256)
	if err != nil || saved == nil {
		st.counts.TemplatesFailed++
		log.Printf("pipeline: read back template sha=%s: %v", doc.Sha256, err)
		return
	}
	metrics.EflParseOutcomesTotal.WithLabelValues("persisted").Inc()
	r.linkOffer(ctx, st, off, saved.ID, doc.Sha256)
}

func (r *Runner) linkOffer(ctx context.Context, st *runState, off plan.Offer, ratePlanID, sha string) {
	if err := r.store.UpsertOfferMap(ctx, storage.OfferRatePlanMap{
		OfferID:      off.ID,
		RatePlanID:   ratePlanID,
		LastLinkedAt: r.now(),
		LinkedBy:     storage.LinkedByPipeline,
	}); err != nil {
		st.counts.TemplatesFailed++
		log.Printf("pipeline: link offer=%s plan=%s: %v", off.ID, ratePlanID, err)
		return
	}
	st.counts.TemplatesMapped++
	st.candidates = append(st.candidates, candidate{off.ID, ratePlanID})
	if err := r.queue.ResolveParse(ctx, off.ID, sha); err != nil {
		log.Printf("pipeline: resolve parse items offer=%s: %v", off.ID, err)
	}
}

// buildBuckets loads every candidate template and stitches the usage window
// covering the union of their required bucket keys.
func (r *Runner) buildBuckets(ctx context.Context, st *runState) error {
	ids := make([]string, 0, len(st.candidates))
	seen := make(map[string]bool, len(st.candidates))
	for _, c := range st.candidates {
		if !seen[c.ratePlanID] {
			seen[c.ratePlanID] = true
			ids = append(ids, c.ratePlanID)
		}
	}
	plans, err := r.store.ListRatePlans(ctx, ids)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	st.plans = make(map[string]storage.RatePlan, len(plans))
	keySet := make(map[string]bool)
	for _, rp := range plans {
		st.plans[rp.ID] = rp
		for _, k := range rp.RequiredBucketKeys {
			keySet[k] = true
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var cutoff time.Time
	if st.home.MoveInAt != nil {
		cutoff = *st.home.MoveInAt
	}
	set, err := r.buckets.Build(ctx, usage.BuildRequest{
		HomeID:             st.home.ID,
		Source:             st.home.UsageSource,
		WindowEnd:          st.windowEnd,
		Cutoff:             cutoff,
		RequiredBucketKeys: keys,
		MonthsCount:        usage.DefaultMonthsCount,
	})
	if err != nil {
		return err
	}
	st.buckets = set
	return nil
}

// fillEstimates prices candidates with bounded fan-out. The semaphore caps
// concurrent estimates; budget checks happen before each launch so whatever
// is in flight when the budget expires still completes.
func (r *Runner) fillEstimates(ctx context.Context, st *runState) {
	sem := make(chan struct{}, st.budgets.EstimateFanOut)
	var wg sync.WaitGroup

	launched := 0
	for _, c := range st.candidates {
		if launched >= st.budgets.MaxEstimatePlans || r.now().After(st.deadline) {
			st.mu.Lock()
			st.workRemaining = true
			st.mu.Unlock()
			log.Printf("pipeline: estimate budget exhausted home=%s, %d candidates left",
				st.home.ID, len(st.candidates)-launched)
			break
		}
		launched++
		wg.Add(1)
		sem <- struct{}{}
		go func(c candidate) {
			defer wg.Done()
			defer func() { <-sem }()
			r.fillEstimate(ctx, st, c)
		}(c)
	}
	wg.Wait()
}

func (r *Runner) fillEstimate(ctx context.Context, st *runState, c candidate) {
	lock := st.planLock(c.ratePlanID)
	lock.Lock()
	defer lock.Unlock()

	rp, ok := st.plans[c.ratePlanID]
	if !ok {
		log.Printf("pipeline: candidate offer=%s missing template %s", c.offerID, c.ratePlanID)
		st.bump(func(counts *storage.JobCounts) { counts.EstimatesSkipped++ })
		return
	}

	comp := plan.Analyze(rp.RateStructure.RateStructure, &rp.RateStructure.Evidence, plan.AnalyzeOptions{})
	r.syncPlanCalc(ctx, &rp, comp)

	if comp.Status == plan.NotComputable {
		if comp.ReasonCode.QuarantineWorthy() {
			if err := r.queue.EnqueueQuarantine(ctx, c.offerID, rp.ID, st.home.ID,
				comp.ReasonCode, "analyzer rejected persisted structure"); err != nil {
				log.Printf("pipeline: enqueue quarantine offer=%s: %v", c.offerID, err)
			}
			st.bump(func(counts *storage.JobCounts) { counts.Quarantined++ })
		} else {
			st.bump(func(counts *storage.JobCounts) { counts.EstimatesSkipped++ })
		}
		return
	}

	if missing := st.buckets.Missing(comp.RequiredBucketKeys); len(missing) > 0 {
		log.Printf("pipeline: home=%s plan=%s missing usage months %v", st.home.ID, rp.ID, missing)
		st.bump(func(counts *storage.JobCounts) { counts.EstimatesSkipped++ })
		return
	}

	slug := rp.TdspSlug
	if slug == "" {
		slug = st.home.TdspSlug
	}
	trates, err := r.rates(ctx, slug, st.windowEnd)
	if err != nil {
		log.Printf("pipeline: tdsp rates %s: %v", slug, err)
		st.bump(func(counts *storage.JobCounts) { counts.EstimatesSkipped++ })
		return
	}

	mode := estimate.ModeDefault
	if comp.Approximate {
		mode = estimate.ModeIndexedAnchorApprox
	}
	monthsCount := len(st.buckets.YearMonths)
	inputsSha := estimate.InputsSha256(estimate.HashInputs{
		EngineVersion:    plan.CalcVersion,
		MonthsCount:      monthsCount,
		AnnualKwh:        st.buckets.AnnualKwh,
		Tdsp:             *trates,
		RateStructureSha: estimate.RateStructureSha(rp.RateStructure.RateStructure),
		Buckets:          st.buckets,
		BucketKeys:       comp.RequiredBucketKeys,
	})

	if cached, ok := r.cache.Get(ctx, st.home.ID, rp.ID, inputsSha, monthsCount); ok {
		metrics.EstimateCacheLookupsTotal.WithLabelValues("hit").Inc()
		st.bump(func(counts *storage.JobCounts) { counts.AlreadyCached++ })
		r.settle(ctx, st, c, rp.ID, cached)
		return
	}
	metrics.EstimateCacheLookupsTotal.WithLabelValues("miss").Inc()

	est := estimate.Compute(estimate.Request{
		Buckets:   st.buckets,
		Tdsp:      *trates,
		Structure: rp.RateStructure.RateStructure,
		Mode:      mode,
	})
	metrics.EstimatesComputedTotal.WithLabelValues(string(est.Status)).Inc()

	switch est.Status {
	case estimate.StatusOK, estimate.StatusApproximate:
		if err := r.cache.Put(ctx, &estimate.CacheEntry{
			HomeID:       st.home.ID,
			RatePlanID:   rp.ID,
			InputsSha256: inputsSha,
			MonthsCount:  monthsCount,
			Estimate:     est,
			ComputedAt:   r.now().UTC(),
		}); err != nil {
			log.Printf("pipeline: cache estimate home=%s plan=%s: %v", st.home.ID, rp.ID, err)
		}
		st.bump(func(counts *storage.JobCounts) { counts.EstimatesComputed++ })
		r.settle(ctx, st, c, rp.ID, est)
	case estimate.StatusNotComputable:
		if est.Reason.QuarantineWorthy() {
			if err := r.queue.EnqueueQuarantine(ctx, c.offerID, rp.ID, st.home.ID,
				est.Reason, "estimator rejected structure"); err != nil {
				log.Printf("pipeline: enqueue quarantine offer=%s: %v", c.offerID, err)
			}
			st.bump(func(counts *storage.JobCounts) { counts.Quarantined++ })
		} else {
			st.bump(func(counts *storage.JobCounts) { counts.EstimatesSkipped++ })
		}
	default:
		st.bump(func(counts *storage.JobCounts) { counts.EstimatesSkipped++ })
	}
}

// settle records a healthy estimate for the savings snapshot and clears any
// standing quarantine for the offer. A cache hit settles exactly like a
// fresh computation.
func (r *Runner) settle(ctx context.Context, st *runState, c candidate, ratePlanID string, est *estimate.Estimate) {
	if est.Status != estimate.StatusOK && est.Status != estimate.StatusApproximate {
		return
	}
	st.mu.Lock()
	st.planCosts[ratePlanID] = est.AnnualCostDollars
	st.mu.Unlock()
	if err := r.queue.ResolveQuarantine(ctx, c.offerID); err != nil {
		log.Printf("pipeline: resolve quarantine offer=%s: %v", c.offerID, err)
	}
}

// syncPlanCalc keeps the persisted computability columns current with the
// engine, so templates graded under an older calc version converge without a
// re-parse.
func (r *Runner) syncPlanCalc(ctx context.Context, rp *storage.RatePlan, comp plan.Computability) {
	if rp.PlanCalcVersion == plan.CalcVersion &&
		rp.PlanCalcStatus == string(comp.Status) &&
		rp.PlanCalcReasonCode == string(comp.ReasonCode) {
		return
	}
	rp.PlanCalcVersion = plan.CalcVersion
	rp.PlanCalcStatus = string(comp.Status)
	rp.PlanCalcReasonCode = string(comp.ReasonCode)
	rp.RequiredBucketKeys = comp.RequiredBucketKeys
	rp.SupportedFeatures = comp.SupportedFeatures
	rp.PlanCalcDerivedAt = r.now()
	if err := r.store.UpsertRatePlan(ctx, *rp); err != nil {
		log.Printf("pipeline: sync plan calc %s: %v", rp.ID, err)
	}
}

// saveSavings refreshes the home's best-vs-current comparison. Renter homes
// skip it: they cannot switch plans, so a savings number would only mislead.
func (r *Runner) saveSavings(ctx context.Context, st *runState) {
	if st.isRenter {
		return
	}
	st.mu.Lock()
	costs := make(map[string]float64, len(st.planCosts))
	for id, v := range st.planCosts {
		costs[id] = v
	}
	st.mu.Unlock()
	if len(costs) == 0 {
		return
	}

	ids := make([]string, 0, len(costs))
	for id := range costs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	bestID := ids[0]
	for _, id := range ids[1:] {
		if costs[id] < costs[bestID] {
			bestID = id
		}
	}

	snap := storage.HomeSavingsSnapshot{
		HomeID:                st.home.ID,
		BestRatePlanID:        bestID,
		BestAnnualCostDollars: costs[bestID],
		ComputedAt:            r.now(),
	}
	if cur := st.home.CurrentRatePlanID; cur != "" {
		snap.CurrentRatePlanID = cur
		if c, ok := costs[cur]; ok {
			snap.CurrentAnnualCostDollars = c
			snap.SavingsDollars = c - costs[bestID]
		}
	}
	if err := r.store.SaveHomeSavings(ctx, snap); err != nil {
		log.Printf("pipeline: save savings home=%s: %v", st.home.ID, err)
	}
}

func (st *runState) bump(f func(*storage.JobCounts)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	f(&st.counts)
}

// reviewReason derives the queue stage and reason from a failed outcome.
func reviewReason(out efl.ParseOutcome) (stage, code, details string) {
	v := out.Solve.ValidationAfter
	switch {
	case v == nil:
		return review.StageParse, "NO_VALIDATION", "engine produced no validation verdict"
	case !v.Passed():
		code = v.QueueReason
		if code == "" {
			code = out.Solve.QueueReason
		}
		if code == "" {
			code = "VALIDATION_FAIL"
		}
		return review.StageValidate, code, validationDetails(v)
	default:
		code = "WEAK_PASS"
		var reasons []string
		if out.Strength != nil {
			if out.Strength.Strength == plan.PassInvalid {
				code = "INVALID_PASS"
			}
			reasons = out.Strength.Reasons
		}
		return review.StageStrength, code, strings.Join(reasons, "; ")
	}
}

func validationDetails(v *plan.Validation) string {
	var worst *plan.ValidationPoint
	for i := range v.Points {
		p := &v.Points[i]
		if worst == nil || abs(p.DiffCentsPerKwh) > abs(worst.DiffCentsPerKwh) {
			worst = p
		}
	}
	if worst == nil {
		return fmt.Sprintf("no usable points at tolerance ±%.2f¢", v.ToleranceCentsPerKwh)
	}
	return fmt.Sprintf("worst point %g kWh off by %.3f¢ (tolerance ±%.2f¢)",
		worst.UsageKwh, worst.DiffCentsPerKwh, v.ToleranceCentsPerKwh)
}

func offerPoints(off plan.Offer) []efl.DisclosedPoint {
	var pts []efl.DisclosedPoint
	if off.AvgPrice500 != nil {
		pts = append(pts, efl.DisclosedPoint{UsageKwh: 500, CentsPerKwh: *off.AvgPrice500})
	}
	if off.AvgPrice1000 != nil {
		pts = append(pts, efl.DisclosedPoint{UsageKwh: 1000, CentsPerKwh: *off.AvgPrice1000})
	}
	if off.AvgPrice2000 != nil {
		pts = append(pts, efl.DisclosedPoint{UsageKwh: 2000, CentsPerKwh: *off.AvgPrice2000})
	}
	return pts
}

func carryWindowEnd(jobs []storage.PipelineJob) *time.Time {
	for _, j := range jobs {
		if j.LastCalcWindowEnd != nil {
			t := *j.LastCalcWindowEnd
			return &t
		}
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
