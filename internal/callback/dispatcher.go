package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/wsmolak/airflow/internal/observability"
)

// Reason codes carried on callback requests.
const (
	ReasonSuccess     = "success"
	ReasonTaskFailure = "task_failure"
	ReasonDeadlocked  = "all_tasks_deadlocked"
)

// Request describes one DAG-level callback to deliver. It is immutable once
// produced by the run state machine.
type Request struct {
	FilePath          string `json:"full_filepath"`
	DAGID             string `json:"dag_id"`
	RunID             string `json:"run_id"`
	IsFailureCallback bool   `json:"is_failure_callback"`
	Msg               string `json:"msg"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) error
}

// LogDispatcher records callback requests on the process log. It is the
// default when no webhook is configured.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(_ context.Context, req Request) error {
	log.Printf("callback: dag=%s run=%s failure=%v msg=%s", req.DAGID, req.RunID, req.IsFailureCallback, req.Msg)
	observability.Default.IncCounter("callback_dispatched_total", map[string]string{"kind": "log", "result": "ok"}, 1)
	return nil
}

// WebhookDispatcher posts callback requests as JSON to a fixed URL.
type WebhookDispatcher struct {
	url    string
	client *http.Client
}

func NewWebhookDispatcher(url string, timeout time.Duration) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookDispatcher{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(httpReq)
	if err != nil {
		observability.Default.IncCounter("callback_dispatched_total", map[string]string{"kind": "webhook", "result": "error"}, 1)
		return fmt.Errorf("dispatch callback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		observability.Default.IncCounter("callback_dispatched_total", map[string]string{"kind": "webhook", "result": "error"}, 1)
		return fmt.Errorf("dispatch callback: unexpected status %d", resp.StatusCode)
	}
	observability.Default.IncCounter("callback_dispatched_total", map[string]string{"kind": "webhook", "result": "ok"}, 1)
	return nil
}

// FromEnv picks the webhook dispatcher when AIRFLOW_CALLBACK_WEBHOOK_URL is
// set and falls back to log delivery otherwise.
func FromEnv() Dispatcher {
	url := strings.TrimSpace(os.Getenv("AIRFLOW_CALLBACK_WEBHOOK_URL"))
	if url == "" {
		return LogDispatcher{}
	}
	return NewWebhookDispatcher(url, 10*time.Second)
}
