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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridianbio/drugintel/internal/category"
	"github.com/meridianbio/drugintel/internal/resolver"
	"github.com/meridianbio/drugintel/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(ctx, env),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func newRouter(serverCtx context.Context, env *pipelineEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"circuits": env.Scheduler.CircuitStates(),
		})
	})

	r.Post("/requests", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			DrugName       string   `json:"drug_name"`
			DeliveryMethod string   `json:"delivery_method"`
			Categories     []string `json:"categories"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.DrugName == "" {
			writeError(w, http.StatusBadRequest, "drug_name is required")
			return
		}

		dr, cats, err := env.Pipeline.Submit(req.Context(), body.DrugName, body.DeliveryMethod, body.Categories)
		if err != nil {
			var cfgErr *category.ConfigError
			var tmplErr *resolver.TemplateError
			if errors.As(err, &cfgErr) || errors.As(err, &tmplErr) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			zap.L().Error("submit failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "submit failed")
			return
		}

		// Processing continues past this HTTP exchange; it stops only on
		// server shutdown.
		go func() {
			if runErr := env.Pipeline.Run(serverCtx, dr, cats); runErr != nil {
				zap.L().Error("request processing failed",
					zap.String("request_id", dr.ID),
					zap.Error(runErr),
				)
			}
		}()

		writeJSON(w, http.StatusAccepted, dr)
	})

	r.Get("/requests/{id}", func(w http.ResponseWriter, req *http.Request) {
		view, err := env.Pipeline.Status(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	})

	r.Get("/requests/{id}/results", func(w http.ResponseWriter, req *http.Request) {
		results, err := env.Store.ListMergedResults(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	})

	r.Get("/requests/{id}/results/{category}", func(w http.ResponseWriter, req *http.Request) {
		result, err := env.Store.GetMergedResult(req.Context(), chi.URLParam(req, "id"), chi.URLParam(req, "category"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	r.Get("/requests/{id}/stages", func(w http.ResponseWriter, req *http.Request) {
		stages, err := env.Store.ListStages(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stages)
	})

	r.Get("/events", func(w http.ResponseWriter, req *http.Request) {
		serveEvents(w, req, env)
	})

	return r
}

// serveEvents streams stage progress events as server-sent events. An
// optional request_id query parameter narrows the stream to one request.
func serveEvents(w http.ResponseWriter, req *http.Request, env *pipelineEnv) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	filter := req.URL.Query().Get("request_id")
	events, cancel := env.Recorder.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-req.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if filter != "" && ev.RequestID != filter {
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: stage\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if eris.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	zap.L().Error("store read failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
