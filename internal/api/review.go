package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/pickwatt/pickwatt/internal/storage"
)

const (
	reviewDefaultLimit = 50
	reviewMaxLimit     = 200
)

type resolveRequest struct {
	Kind       string `json:"kind"`
	DedupeKey  string `json:"dedupeKey"`
	ResolvedBy string `json:"resolvedBy,omitempty"`
}

// registerReviewRoutes serves the review queue: list, per-kind open counts,
// manual resolution, and single-item reads.
func registerReviewRoutes(mux *http.ServeMux, d Deps) {
	const label = "/api/v1/review"

	// List: GET /api/v1/review?kind=&open=&limit=
	mux.HandleFunc("/api/v1/review", instrument(label, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, label, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		kind := r.URL.Query().Get("kind")
		switch kind {
		case "", storage.ReviewKindEflParse, storage.ReviewKindQuarantine:
		default:
			writeError(w, label, http.StatusBadRequest, "unknown kind")
			return
		}

		// The queue is a work list first: open items only unless asked.
		openOnly := true
		if raw := r.URL.Query().Get("open"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				writeError(w, label, http.StatusBadRequest, "invalid open flag")
				return
			}
			openOnly = v
		}

		limit := reviewDefaultLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v <= 0 {
				writeError(w, label, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = v
		}
		if limit > reviewMaxLimit {
			limit = reviewMaxLimit
		}

		items, err := d.Queue.List(r.Context(), kind, openOnly, limit)
		if err != nil {
			log.Printf("api: list review items failed: %v", err)
			writeError(w, label, http.StatusInternalServerError, "internal error")
			return
		}
		if items == nil {
			items = []storage.ReviewQueueItem{}
		}
		writeJSON(w, http.StatusOK, items)
	}))

	// Counts, resolve, and single-item reads under /api/v1/review/.
	mux.HandleFunc("/api/v1/review/", instrument(label, func(w http.ResponseWriter, r *http.Request) {
		rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/review/"), "/")

		switch rest {
		case "counts":
			if r.Method != http.MethodGet {
				writeError(w, label, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			counts, err := d.Queue.OpenCounts(r.Context())
			if err != nil {
				log.Printf("api: count review items failed: %v", err)
				writeError(w, label, http.StatusInternalServerError, "internal error")
				return
			}
			writeJSON(w, http.StatusOK, counts)

		case "resolve":
			if r.Method != http.MethodPost {
				writeError(w, label, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			var req resolveRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, label, http.StatusBadRequest, "invalid request body")
				return
			}
			if req.Kind != storage.ReviewKindEflParse && req.Kind != storage.ReviewKindQuarantine {
				writeError(w, label, http.StatusBadRequest, "unknown kind")
				return
			}
			if req.DedupeKey == "" {
				writeError(w, label, http.StatusBadRequest, "dedupeKey required")
				return
			}
			resolvedBy := req.ResolvedBy
			if resolvedBy == "" {
				resolvedBy = "admin"
			}
			n, err := d.Queue.Resolve(r.Context(), req.Kind, req.DedupeKey, resolvedBy)
			if err != nil {
				log.Printf("api: resolve review item failed: %v", err)
				writeError(w, label, http.StatusInternalServerError, "internal error")
				return
			}
			writeJSON(w, http.StatusOK, map[string]int64{"resolved": n})

		default:
			// Single item by ID.
			if rest == "" || strings.Contains(rest, "/") {
				writeError(w, label, http.StatusNotFound, "not found")
				return
			}
			if r.Method != http.MethodGet {
				writeError(w, label, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			item, err := d.Queue.Get(r.Context(), rest)
			if err != nil {
				log.Printf("api: load review item %s failed: %v", rest, err)
				writeError(w, label, http.StatusInternalServerError, "internal error")
				return
			}
			if item == nil {
				writeError(w, label, http.StatusNotFound, "review item not found")
				return
			}
			writeJSON(w, http.StatusOK, item)
		}
	}))
}
