package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pickwatt/pickwatt/internal/pipeline"
)

// jobsDefaultLimit bounds the job history read when no limit is given.
const (
	jobsDefaultLimit = 10
	jobsMaxLimit     = 100
)

// estimateDTO is one serving-tier row with the estimate payload inlined as
// raw JSON instead of base64 bytes.
type estimateDTO struct {
	RatePlanID   string          `json:"ratePlanId"`
	InputsSha256 string          `json:"inputsSha256"`
	MonthsCount  int             `json:"monthsCount"`
	ComputedAt   time.Time       `json:"computedAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	Estimate     json.RawMessage `json:"estimate"`
}

type runRequest struct {
	Reason            string `json:"reason,omitempty"`
	IsRenter          bool   `json:"isRenter,omitempty"`
	TimeBudgetMs      int    `json:"timeBudgetMs,omitempty"`
	MaxTemplateOffers int    `json:"maxTemplateOffers,omitempty"`
	MaxEstimatePlans  int    `json:"maxEstimatePlans,omitempty"`
}

type runResponse struct {
	Skipped bool   `json:"skipped"`
	Skip    string `json:"skip,omitempty"`
	Job     any    `json:"job,omitempty"`
}

// registerHomeRoutes serves /api/v1/homes/{id}/{estimates|savings|jobs} and
// POST /api/v1/homes/{id}/pipeline/run.
func registerHomeRoutes(mux *http.ServeMux, d Deps) {
	mux.HandleFunc("/api/v1/homes/", instrument("/api/v1/homes", func(w http.ResponseWriter, r *http.Request) {
		const label = "/api/v1/homes"

		path := strings.TrimPrefix(r.URL.Path, "/api/v1/homes/")
		parts := strings.Split(strings.Trim(path, "/"), "/")
		if len(parts) < 2 || parts[0] == "" {
			writeError(w, label, http.StatusNotFound, "not found")
			return
		}
		homeID := parts[0]

		home, err := d.Store.GetHouseAddress(r.Context(), homeID)
		if err != nil {
			log.Printf("api: load home %s failed: %v", homeID, err)
			writeError(w, label, http.StatusInternalServerError, "internal error")
			return
		}
		if home == nil {
			writeError(w, label, http.StatusNotFound, "home not found")
			return
		}

		switch parts[1] {
		case "estimates":
			if r.Method != http.MethodGet {
				writeError(w, label, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			rows, err := d.Store.ListCurrentEstimates(r.Context(), homeID)
			if err != nil {
				log.Printf("api: list estimates for %s failed: %v", homeID, err)
				writeError(w, label, http.StatusInternalServerError, "internal error")
				return
			}
			out := make([]estimateDTO, 0, len(rows))
			for _, row := range rows {
				out = append(out, estimateDTO{
					RatePlanID:   row.RatePlanID,
					InputsSha256: row.InputsSha256,
					MonthsCount:  row.MonthsCount,
					ComputedAt:   row.ComputedAt,
					ExpiresAt:    row.ExpiresAt,
					Estimate:     json.RawMessage(row.Payload),
				})
			}
			writeJSON(w, http.StatusOK, out)

		case "savings":
			if r.Method != http.MethodGet {
				writeError(w, label, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			snap, err := d.Store.GetHomeSavings(r.Context(), homeID)
			if err != nil {
				log.Printf("api: load savings for %s failed: %v", homeID, err)
				writeError(w, label, http.StatusInternalServerError, "internal error")
				return
			}
			if snap == nil {
				writeError(w, label, http.StatusNotFound, "no savings snapshot")
				return
			}
			writeJSON(w, http.StatusOK, snap)

		case "jobs":
			if r.Method != http.MethodGet {
				writeError(w, label, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			limit := jobsDefaultLimit
			if raw := r.URL.Query().Get("limit"); raw != "" {
				v, err := strconv.Atoi(raw)
				if err != nil || v <= 0 {
					writeError(w, label, http.StatusBadRequest, "invalid limit")
					return
				}
				limit = v
			}
			if limit > jobsMaxLimit {
				limit = jobsMaxLimit
			}
			jobs, err := d.Store.ListPipelineJobs(r.Context(), homeID, limit)
			if err != nil {
				log.Printf("api: list jobs for %s failed: %v", homeID, err)
				writeError(w, label, http.StatusInternalServerError, "internal error")
				return
			}
			writeJSON(w, http.StatusOK, jobs)

		case "pipeline":
			if len(parts) != 3 || parts[2] != "run" {
				writeError(w, label, http.StatusNotFound, "not found")
				return
			}
			if r.Method != http.MethodPost {
				writeError(w, label, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			handlePipelineRun(w, r, d, homeID)

		default:
			writeError(w, label, http.StatusNotFound, "not found")
		}
	}))
}

// handlePipelineRun triggers one run. The gate still applies: an off-cooldown
// request comes back 200 with skipped=true rather than forcing work.
func handlePipelineRun(w http.ResponseWriter, r *http.Request, d Deps, homeID string) {
	const label = "/api/v1/homes"

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, label, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason != "" && !pipeline.KnownReason(req.Reason) {
		writeError(w, label, http.StatusBadRequest, "unknown reason")
		return
	}

	res, err := d.Runner.Run(r.Context(), pipeline.Inputs{
		HomeID:   homeID,
		Reason:   req.Reason,
		IsRenter: req.IsRenter,
		Budgets: pipeline.Budgets{
			TimeBudgetMs:      req.TimeBudgetMs,
			MaxTemplateOffers: req.MaxTemplateOffers,
			MaxEstimatePlans:  req.MaxEstimatePlans,
		},
	})
	if err != nil && (res == nil || res.Job == nil) {
		log.Printf("api: pipeline run for %s failed: %v", homeID, err)
		writeError(w, label, http.StatusInternalServerError, "internal error")
		return
	}
	// A finished ERROR job still reports 200: the job row carries the error.
	writeJSON(w, http.StatusOK, runResponse{Skipped: res.Skipped, Skip: res.Skip, Job: res.Job})
}

// registerPlanRoutes serves GET /api/v1/plans/{id}: the stored template with
// its structure, validation evidence, and plan calc status.
func registerPlanRoutes(mux *http.ServeMux, d Deps) {
	mux.HandleFunc("/api/v1/plans/", instrument("/api/v1/plans", func(w http.ResponseWriter, r *http.Request) {
		const label = "/api/v1/plans"

		if r.Method != http.MethodGet {
			writeError(w, label, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/plans/"), "/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, label, http.StatusNotFound, "not found")
			return
		}
		rp, err := d.Store.GetRatePlan(r.Context(), id)
		if err != nil {
			log.Printf("api: load plan %s failed: %v", id, err)
			writeError(w, label, http.StatusInternalServerError, "internal error")
			return
		}
		if rp == nil {
			writeError(w, label, http.StatusNotFound, "plan not found")
			return
		}
		writeJSON(w, http.StatusOK, rp)
	}))
}
