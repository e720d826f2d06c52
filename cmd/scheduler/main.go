package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/wsmolak/airflow/internal/bootstrap"
	"github.com/wsmolak/airflow/internal/dag"
	"github.com/wsmolak/airflow/internal/observability"
)

func main() {
	port := strings.TrimSpace(os.Getenv("AIRFLOW_SCHEDULER_PORT"))
	if port == "" {
		port = "8082"
	}
	intervalMillis := 1000
	if raw := strings.TrimSpace(os.Getenv("AIRFLOW_SCHEDULER_INTERVAL_MILLIS")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			intervalMillis = v
		}
	}

	shutdownTrace, err := observability.InitTracingFromEnv("airflow-scheduler")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	registry := dag.NewRegistry()
	if err := loadDAGs(context.Background(), registry); err != nil {
		log.Fatalf("load dags: %v", err)
	}
	log.Printf("loaded %d dags", len(registry.IDs()))

	engine, err := bootstrap.NewEngineFromEnv(registry)
	if err != nil {
		log.Fatalf("bootstrap engine: %v", err)
	}
	if err := engine.SyncDAGs(context.Background()); err != nil {
		log.Fatalf("sync dags: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/v1/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, observability.Default.Snapshot())
	})
	mux.HandleFunc("/v1/metrics/prometheus", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
	})
	// Drains callback requests accumulated in defer mode for an external
	// dispatcher. Empty unless AIRFLOW_DEFER_CALLBACKS is set.
	mux.HandleFunc("/v1/callbacks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		reqs := engine.DrainDeferredCallbacks()
		writeJSON(w, http.StatusOK, map[string]any{"returned": len(reqs), "callbacks": reqs})
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(time.Duration(intervalMillis) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := engine.Tick(ctx); err != nil && ctx.Err() == nil {
					log.Printf("scheduler tick: %v", err)
				}
			}
		}
	}()

	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("airflow scheduler listening on :%s", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("scheduler failed: %v", err)
	}
	log.Println("airflow scheduler shutting down")
}

// loadDAGs fills the registry from the configured definition source: a local
// folder by default, or an S3-compatible bucket when
// AIRFLOW_DAGS_BACKEND=minio.
func loadDAGs(ctx context.Context, registry *dag.Registry) error {
	backend := strings.TrimSpace(os.Getenv("AIRFLOW_DAGS_BACKEND"))
	if backend == "minio" {
		source, err := dag.NewBucketSource(dag.BucketSourceConfig{
			Endpoint:  os.Getenv("AIRFLOW_DAGS_MINIO_ENDPOINT"),
			AccessKey: os.Getenv("AIRFLOW_DAGS_MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("AIRFLOW_DAGS_MINIO_SECRET_KEY"),
			UseSSL:    strings.EqualFold(os.Getenv("AIRFLOW_DAGS_MINIO_USE_SSL"), "true"),
			Bucket:    os.Getenv("AIRFLOW_DAGS_MINIO_BUCKET"),
			Prefix:    os.Getenv("AIRFLOW_DAGS_MINIO_PREFIX"),
		})
		if err != nil {
			return err
		}
		dags, err := source.Load(ctx)
		if err != nil {
			return err
		}
		return registry.ReplaceAll(dags)
	}
	folder := strings.TrimSpace(os.Getenv("AIRFLOW_DAGS_FOLDER"))
	if folder == "" {
		folder = "dags"
	}
	dags, err := dag.LoadDir(folder)
	if err != nil {
		return err
	}
	return registry.ReplaceAll(dags)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
