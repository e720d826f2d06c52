package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	// Registers the pgx database/sql driver the postgres store expects.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wsmolak/airflow/internal/callback"
	"github.com/wsmolak/airflow/internal/dag"
	"github.com/wsmolak/airflow/internal/policy"
	"github.com/wsmolak/airflow/internal/scheduler"
	"github.com/wsmolak/airflow/internal/state"
)

// NewEngineFromEnv wires a run-state engine from AIRFLOW_* environment
// variables: store backend (memory|postgres), queue backend (memory|redis),
// cluster policy file, callback dispatcher and loop sizing.
func NewEngineFromEnv(dags *dag.Registry) (*scheduler.Engine, error) {
	store, err := NewStoreFromEnv()
	if err != nil {
		return nil, err
	}
	queue, err := NewQueueFromEnv()
	if err != nil {
		return nil, err
	}
	policyEngine, err := policy.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	return scheduler.NewEngine(store, queue, dags, scheduler.Options{
		PolicyEngine:   policyEngine,
		Dispatcher:     callback.FromEnv(),
		DeferCallbacks: getenvBool("AIRFLOW_DEFER_CALLBACKS", false),
		ExamineBatch:   getenvInt("AIRFLOW_EXAMINE_BATCH", 20),
		Parallelism:    getenvInt("AIRFLOW_EXAMINE_PARALLELISM", 4),
	}), nil
}

func NewStoreFromEnv() (state.Store, error) {
	kind := getenv("AIRFLOW_STORE", "memory")
	switch kind {
	case "memory":
		return state.NewMemoryStore(), nil
	case "postgres":
		dsn := os.Getenv("AIRFLOW_POSTGRES_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("AIRFLOW_POSTGRES_DSN is required when AIRFLOW_STORE=postgres")
		}
		return state.NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported AIRFLOW_STORE value %q", kind)
	}
}

func NewQueueFromEnv() (state.Queue, error) {
	kind := getenv("AIRFLOW_QUEUE", "memory")
	switch kind {
	case "memory":
		return state.NewMemoryQueue(), nil
	case "redis":
		return state.NewRedisQueue(state.RedisQueueConfig{
			Addr:          getenv("AIRFLOW_REDIS_ADDR", "127.0.0.1:6379"),
			Password:      os.Getenv("AIRFLOW_REDIS_PASSWORD"),
			DB:            getenvInt("AIRFLOW_REDIS_DB", 0),
			Key:           getenv("AIRFLOW_REDIS_KEY", "airflow:task_instances"),
			Timeout:       3 * time.Second,
			DeadLetterMax: getenvInt("AIRFLOW_REDIS_DEADLETTER_MAX", 5),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported AIRFLOW_QUEUE value %q", kind)
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
