// Command pickwatt runs the plan pricing service: the admin API server, the
// periodic scan worker, schema migrations, and an ad-hoc EFL parse for
// debugging supplier documents.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pickwatt/pickwatt/internal/alerting"
	"github.com/pickwatt/pickwatt/internal/api"
	"github.com/pickwatt/pickwatt/internal/config"
	"github.com/pickwatt/pickwatt/internal/cron"
	"github.com/pickwatt/pickwatt/internal/efl"
	"github.com/pickwatt/pickwatt/internal/fetch"
	"github.com/pickwatt/pickwatt/internal/migrate"
	"github.com/pickwatt/pickwatt/internal/notification"
	"github.com/pickwatt/pickwatt/internal/offers"
	"github.com/pickwatt/pickwatt/internal/pipeline"
	"github.com/pickwatt/pickwatt/internal/plan"
	"github.com/pickwatt/pickwatt/internal/storage"
	"github.com/pickwatt/pickwatt/internal/tdsp"

	// Register the supported TDSP tariff histories.
	_ "github.com/pickwatt/pickwatt/pkg/utilities/aepcentral"
	_ "github.com/pickwatt/pickwatt/pkg/utilities/aepnorth"
	_ "github.com/pickwatt/pickwatt/pkg/utilities/centerpoint"
	_ "github.com/pickwatt/pickwatt/pkg/utilities/oncor"
	_ "github.com/pickwatt/pickwatt/pkg/utilities/tnmp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pickwatt",
		Short:         "Electricity plan pricing engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newWorkerCmd(), newMigrateCmd(), newParseCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := config.FromEnv()

			if isTruthy(os.Getenv("PICKWATT_AUTO_MIGRATE")) {
				if err := migrate.Up(ctx, cfg.DBDriver, cfg.DBDSN); err != nil {
					return fmt.Errorf("auto-migration: %w", err)
				}
			}

			store, err := storage.Open(ctx, storage.Config{Driver: cfg.DBDriver, DSN: cfg.DBDSN})
			if err != nil {
				return fmt.Errorf("open storage (driver=%s): %w", cfg.DBDriver, err)
			}
			defer store.Close()

			runner, err := buildRunner(cfg, store)
			if err != nil {
				return err
			}
			mux := api.NewMux(api.Deps{
				Store:    store,
				Runner:   runner,
				Notifier: notification.NewService(store),
			})

			srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux}
			log.Printf("pickwatt api listening on %s (driver=%s)", srv.Addr, cfg.DBDriver)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				log.Printf("pickwatt api shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}
}

func newWorkerCmd() *cobra.Command {
	var maxHomes int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the periodic pipeline scan worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := config.FromEnv()

			store, err := storage.Open(ctx, storage.Config{Driver: cfg.DBDriver, DSN: cfg.DBDSN})
			if err != nil {
				return fmt.Errorf("open storage (driver=%s): %w", cfg.DBDriver, err)
			}
			defer store.Close()

			runner, err := buildRunner(cfg, store)
			if err != nil {
				return err
			}

			err = cron.Run(ctx, cron.Config{
				Store:           store,
				Runner:          runner,
				Alerter:         alerting.NewAlerter(alerting.DefaultAlertConfig()),
				Digests:         notification.NewService(store),
				IntervalSetting: strconv.Itoa(cfg.WorkerIntervalSeconds),
				MaxHomesPerScan: maxHomes,
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVar(&maxHomes, "max-homes", 0, "cap homes touched per scan (0 = all)")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Run schema migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := config.FromEnv()

			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			switch action {
			case "up":
				return migrate.Up(ctx, cfg.DBDriver, cfg.DBDSN)
			case "down":
				return migrate.Down(ctx, cfg.DBDriver, cfg.DBDSN)
			case "status":
				return migrate.Status(ctx, cfg.DBDriver, cfg.DBDSN)
			default:
				return fmt.Errorf("unknown migrate action %q", action)
			}
		},
	}
}

func newParseCmd() *cobra.Command {
	var (
		tdspSlug  string
		tolerance float64
		useDraft  bool
	)

	cmd := &cobra.Command{
		Use:   "parse <efl.pdf|efl.txt>",
		Short: "Parse a local EFL document and print the engine outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			var doc *efl.Document
			if bytes.HasPrefix(raw, []byte("%PDF-")) || strings.EqualFold(filepath.Ext(args[0]), ".pdf") {
				doc, err = efl.DocumentFromPDF(raw)
				if err != nil {
					return fmt.Errorf("extract pdf text: %w", err)
				}
			} else {
				doc = efl.DocumentFromText(string(raw), efl.Sha256Hex(raw))
			}

			var trates *plan.TdspRates
			if tdspSlug != "" {
				trates, err = tdsp.FromRegistry()(ctx, tdspSlug, time.Now())
				if err != nil {
					return err
				}
			}

			var parser efl.DraftParser
			if useDraft {
				cfg := config.FromEnv()
				if cfg.DraftEndpoint == "" {
					return errors.New("--draft requires PICKWATT_DRAFT_ENDPOINT")
				}
				parser = efl.NewHTTPDraftParser(cfg.DraftEndpoint, cfg.DraftAPIKey, draftTimeout)
			}

			out := efl.Process(ctx, efl.ParseRequest{
				Document:       doc,
				Parser:         parser,
				TerritoryRates: trates,
				ToleranceCents: tolerance,
			})

			result := struct {
				Sha256        string               `json:"sha256"`
				Persistable   bool                 `json:"persistable"`
				Structure     *plan.RateStructure  `json:"structure,omitempty"`
				Validation    *plan.Validation     `json:"validation,omitempty"`
				Strength      *plan.StrengthResult `json:"strength,omitempty"`
				Computability plan.Computability   `json:"computability"`
				SolverSteps   []string             `json:"solverSteps,omitempty"`
				Warnings      []string             `json:"warnings,omitempty"`
			}{
				Sha256:        doc.Sha256,
				Persistable:   out.Persistable(),
				Structure:     out.Solve.RateStructure,
				Validation:    out.Solve.ValidationAfter,
				Strength:      out.Strength,
				Computability: out.Computability,
				SolverSteps:   out.Solve.SolverApplied,
				Warnings:      out.Draft.ParseWarnings,
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVar(&tdspSlug, "tdsp", "", "TDSP slug for delivery-rate validation (oncor, centerpoint, ...)")
	cmd.Flags().Float64Var(&tolerance, "tolerance", 0, "avg-price tolerance in cents (0 = default)")
	cmd.Flags().BoolVar(&useDraft, "draft", false, "call the configured AI draft parser")
	return cmd
}

// draftTimeout bounds one AI draft call; the pipeline tolerates a slow or
// absent draft, so this only needs to beat the run's time budget.
const draftTimeout = 30 * time.Second

// buildRunner assembles the pipeline from env config. An empty offers
// endpoint leaves snapshot-only mode; an empty draft endpoint runs the
// deterministic extractors alone.
func buildRunner(cfg config.Config, store storage.Storage) (*pipeline.Runner, error) {
	fetcher := fetch.NewHTTPFetcher(0, false)
	fetcher.CacheDir = cfg.EflCacheDir

	var parser efl.DraftParser
	if cfg.DraftEndpoint != "" {
		parser = efl.NewHTTPDraftParser(cfg.DraftEndpoint, cfg.DraftAPIKey, draftTimeout)
	}

	svc := offers.NewService(store, offers.NewHTTPClient(cfg.OffersEndpoint, cfg.OffersAPIKey))

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Store:   store,
		Offers:  svc,
		Fetcher: fetcher,
		Parser:  parser,
	})
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return runner, nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}
