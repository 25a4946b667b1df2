package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/pickwatt/pickwatt/internal/notification"
	"github.com/pickwatt/pickwatt/internal/storage"
)

// registerNotificationRoutes serves email delivery settings and a manual
// review-digest trigger. Skipped entirely when no notifier is wired.
func registerNotificationRoutes(mux *http.ServeMux, d Deps) {
	if d.Notifier == nil {
		return
	}
	const label = "/api/v1/settings/email"

	mux.HandleFunc("/api/v1/settings/email", instrument(label, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			cfg, err := d.Notifier.GetConfig(r.Context())
			if err != nil {
				log.Printf("api: load email config failed: %v", err)
				writeError(w, label, http.StatusInternalServerError, "internal error")
				return
			}
			if cfg == nil {
				cfg = &storage.EmailConfig{}
			}
			writeJSON(w, http.StatusOK, cfg)

		case http.MethodPut:
			var req storage.EmailConfig
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, label, http.StatusBadRequest, "invalid request body")
				return
			}
			if err := d.Notifier.SaveConfig(r.Context(), req); err != nil {
				log.Printf("api: save email config failed: %v", err)
				writeError(w, label, http.StatusInternalServerError, "internal error")
				return
			}
			w.WriteHeader(http.StatusOK)

		default:
			writeError(w, label, http.StatusMethodNotAllowed, "method not allowed")
		}
	}))

	mux.HandleFunc("/api/v1/settings/email/test", instrument(label, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, label, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			Config storage.EmailConfig `json:"config"`
			To     string              `json:"to"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, label, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.To == "" {
			writeError(w, label, http.StatusBadRequest, "to address required")
			return
		}
		if err := d.Notifier.TestConfig(r.Context(), req.Config, req.To); err != nil {
			writeError(w, label, http.StatusBadRequest, err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	mux.HandleFunc("/api/v1/settings/email/digest", instrument(label, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, label, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := d.Notifier.SendReviewDigest(r.Context()); err != nil {
			if errors.Is(err, notification.ErrNotConfigured) {
				writeError(w, label, http.StatusBadRequest, err.Error())
				return
			}
			log.Printf("api: send review digest failed: %v", err)
			writeError(w, label, http.StatusInternalServerError, "internal error")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
}
