package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/wsmolak/airflow/internal/bootstrap"
	"github.com/wsmolak/airflow/internal/dag"
	"github.com/wsmolak/airflow/internal/scheduler"
	"github.com/wsmolak/airflow/internal/state"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "trigger":
		runTrigger(os.Args[2:])
	case "runs":
		runRuns(os.Args[2:])
	case "state":
		runState(os.Args[2:])
	case "latest":
		runLatest(os.Args[2:])
	case "pause":
		runPause(os.Args[2:], true)
	case "unpause":
		runPause(os.Args[2:], false)
	case "queue":
		runQueue(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: airflowctl <trigger|runs|state|latest|pause|unpause|queue> [...]")
}

func newEngine() *scheduler.Engine {
	registry := dag.NewRegistry()
	folder := strings.TrimSpace(os.Getenv("AIRFLOW_DAGS_FOLDER"))
	if folder == "" {
		folder = "dags"
	}
	dags, err := dag.LoadDir(folder)
	if err != nil {
		fatalf("load dags from %s: %v", folder, err)
	}
	if err := registry.ReplaceAll(dags); err != nil {
		fatalf("register dags: %v", err)
	}
	engine, err := bootstrap.NewEngineFromEnv(registry)
	if err != nil {
		fatalf("bootstrap engine: %v", err)
	}
	if err := engine.SyncDAGs(context.Background()); err != nil {
		fatalf("sync dags: %v", err)
	}
	return engine
}

func runTrigger(args []string) {
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)
	dagID := fs.String("dag", "", "dag id")
	logicalRaw := fs.String("logical-date", "", "logical date (RFC3339), defaults to now")
	_ = fs.Parse(args)
	if strings.TrimSpace(*dagID) == "" {
		fatalf("--dag is required")
	}
	logical := time.Now().UTC()
	if strings.TrimSpace(*logicalRaw) != "" {
		ts, err := time.Parse(time.RFC3339, *logicalRaw)
		if err != nil {
			fatalf("parse --logical-date: %v", err)
		}
		logical = ts
	}
	engine := newEngine()
	run, err := engine.CreateManualRun(context.Background(), *dagID, logical, nil)
	if err != nil {
		fatalf("trigger run: %v", err)
	}
	fmt.Printf("created %s/%s at %s\n", run.DAGID, run.RunID, run.ExecutionDate.Format(time.RFC3339))
}

func runRuns(args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	dagID := fs.String("dag", "", "dag id")
	runState := fs.String("state", "", "filter by run state")
	runType := fs.String("type", "", "filter by run type")
	noBackfills := fs.Bool("no-backfills", false, "exclude backfill runs")
	limit := fs.Int("limit", 50, "max rows")
	_ = fs.Parse(args)

	engine := newEngine()
	runs, err := engine.FindRuns(context.Background(), state.RunFilter{
		DAGID:       *dagID,
		State:       *runState,
		RunType:     *runType,
		NoBackfills: *noBackfills,
		Limit:       *limit,
	})
	if err != nil {
		fatalf("find runs: %v", err)
	}
	for _, run := range runs {
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", run.DAGID, run.RunID, run.RunType, run.State, run.ExecutionDate.Format(time.RFC3339))
	}
}

func runState(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	dagID := fs.String("dag", "", "dag id")
	runID := fs.String("run", "", "run id")
	_ = fs.Parse(args)
	if strings.TrimSpace(*dagID) == "" || strings.TrimSpace(*runID) == "" {
		fatalf("--dag and --run are required")
	}

	engine := newEngine()
	run, tis, ok, err := engine.RunDetails(context.Background(), *dagID, *runID)
	if err != nil {
		fatalf("run details: %v", err)
	}
	if !ok {
		fatalf("run %s/%s not found", *dagID, *runID)
	}
	out := map[string]any{"run": run, "task_instances": tis}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func runLatest(args []string) {
	fs := flag.NewFlagSet("latest", flag.ExitOnError)
	_ = fs.Parse(args)
	engine := newEngine()
	runs, err := engine.LatestRuns(context.Background())
	if err != nil {
		fatalf("latest runs: %v", err)
	}
	for _, run := range runs {
		fmt.Printf("%s\t%s\t%s\t%s\n", run.DAGID, run.RunID, run.State, run.ExecutionDate.Format(time.RFC3339))
	}
}

func runPause(args []string, paused bool) {
	name := "pause"
	if !paused {
		name = "unpause"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	dagID := fs.String("dag", "", "dag id")
	_ = fs.Parse(args)
	if strings.TrimSpace(*dagID) == "" {
		fatalf("--dag is required")
	}
	engine := newEngine()
	if err := engine.SetDAGPaused(context.Background(), *dagID, paused); err != nil {
		fatalf("%s: %v", name, err)
	}
	fmt.Printf("%sd %s\n", name, *dagID)
}

func runQueue(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: airflowctl queue <dead-letters|requeue> [...]")
		os.Exit(1)
	}
	switch args[0] {
	case "dead-letters":
		fs := flag.NewFlagSet("queue dead-letters", flag.ExitOnError)
		limit := fs.Int("limit", 50, "max rows")
		_ = fs.Parse(args[1:])
		engine := newEngine()
		keys, err := engine.ListDeadLetters(context.Background(), *limit)
		if err != nil {
			fatalf("list dead letters: %v", err)
		}
		for _, key := range keys {
			fmt.Printf("%s\t%s\t%s\n", key.DAGID, key.RunID, key.TaskID)
		}
	case "requeue":
		fs := flag.NewFlagSet("queue requeue", flag.ExitOnError)
		dagID := fs.String("dag", "", "dag id")
		runID := fs.String("run", "", "run id")
		taskID := fs.String("task", "", "task id")
		_ = fs.Parse(args[1:])
		if *dagID == "" || *runID == "" || *taskID == "" {
			fatalf("--dag, --run and --task are required")
		}
		engine := newEngine()
		n, err := engine.RequeueDeadLetters(context.Background(), []state.TaskInstanceKey{
			{DAGID: *dagID, RunID: *runID, TaskID: *taskID},
		})
		if err != nil {
			fatalf("requeue: %v", err)
		}
		fmt.Printf("requeued %d\n", n)
	default:
		fmt.Fprintln(os.Stderr, "usage: airflowctl queue <dead-letters|requeue> [...]")
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
