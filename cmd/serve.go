package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aydarnuman/procheff-v3-sub000/internal/fusion"
	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
	"github.com/aydarnuman/procheff-v3-sub000/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the price API server",
	Long:  "Serves fused prices over HTTP and accepts collection and outcome requests.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		// The server processes its own queue so POST /collect requests
		// complete without a separate worker.
		go func() {
			if err := env.Scheduler.Run(ctx); err != nil {
				zap.L().Error("scheduler stopped", zap.Error(err))
			}
		}()
		go func() {
			if err := env.Cache.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				zap.L().Error("cache sweeper stopped", zap.Error(err))
			}
		}()

		metrics := monitoring.NewCollector(env.Store, env.Health, env.Cache,
			time.Duration(cfg.Monitoring.LookbackWindowHours)*time.Hour)
		mux := buildMux(env, metrics)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func buildMux(env *appEnv, metrics *monitoring.Collector) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /price/{key}", func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")

		var result model.FusionResult
		var err error
		if r.URL.Query().Get("refresh") == "true" {
			result, err = env.Refresher.Refresh(r.Context(), key)
		} else {
			result, err = env.Refresher.FusedPrice(r.Context(), key)
		}
		if eris.Is(err, fusion.ErrNoReliableData) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no reliable price data"})
			return
		}
		if err != nil {
			zap.L().Error("price lookup failed", zap.String("product", key), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}

		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("POST /collect", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProductKey string   `json:"product_key"`
			Sources    []string `json:"sources"`
			Priority   int      `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if req.ProductKey == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "product_key is required"})
			return
		}

		sources := req.Sources
		if len(sources) == 0 {
			for _, id := range env.Sources.Sources() {
				sources = append(sources, string(id))
			}
		}
		priority := req.Priority
		if priority == 0 {
			priority = 5
		}

		type queuedJob struct {
			ID         string `json:"id"`
			SourceID   string `json:"source_id"`
			ProductKey string `json:"product_key"`
		}
		jobs := make([]queuedJob, 0, len(sources))
		for _, src := range sources {
			job, err := env.Scheduler.Enqueue(r.Context(), model.SourceID(src), req.ProductKey, priority)
			if err != nil {
				zap.L().Error("enqueue failed", zap.String("source", src), zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
				return
			}
			jobs = append(jobs, queuedJob{ID: job.ID, SourceID: string(job.SourceID), ProductKey: job.ProductKey})
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"status": "accepted",
			"jobs":   jobs,
		})
	})

	mux.HandleFunc("GET /sources", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"sources": env.Health.All()})
	})

	mux.HandleFunc("POST /outcomes", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SourceID    string  `json:"source_id"`
			ProductKey  string  `json:"product_key"`
			QuotedPrice float64 `json:"quoted_price"`
			ActualPrice float64 `json:"actual_price"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if req.SourceID == "" || req.ProductKey == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source_id and product_key are required"})
			return
		}
		if req.ActualPrice <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "actual_price must be positive"})
			return
		}

		err := env.Refresher.RecordOutcome(r.Context(), model.SourceID(req.SourceID), req.ProductKey, req.QuotedPrice, req.ActualPrice)
		if err != nil {
			zap.L().Error("outcome record failed", zap.String("product", req.ProductKey), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	})

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := metrics.Collect(r.Context())
		if err != nil {
			zap.L().Error("stats collection failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("response encode failed", zap.Error(err))
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
