package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/finsight/capcore/audit"
	"github.com/finsight/capcore/core"
)

func newTestServer(t *testing.T) (*httptest.Server, *MemoryTaskQueue) {
	t.Helper()
	registry := core.NewRegistry()

	err := registry.Register(&core.Capability{
		ID:    "scan-market",
		Group: core.GroupScreening,
		Handler: func(ctx context.Context, call *core.Call) (any, error) {
			return map[string]any{"hits": 2}, nil
		},
		Params: []core.ParamSpec{
			{Name: "symbol", Type: "string", Required: true},
		},
		Execution: core.ExecutionConfig{Mode: core.ModeAsync, Timeout: time.Second},
		API:       &core.APIExposure{},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	err = registry.Register(&core.Capability{
		ID:    "inline-only",
		Group: core.GroupSystem,
		Handler: func(ctx context.Context, call *core.Call) (any, error) {
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	queue := NewMemoryTaskQueue(registry, audit.NopLogger{}, &MemoryTaskQueueConfig{
		WorkerCount:     1,
		ShutdownTimeout: 5 * time.Second,
	})
	if err := queue.Start(context.Background()); err != nil {
		t.Fatalf("queue Start failed: %v", err)
	}
	t.Cleanup(func() { _ = queue.Stop(context.Background()) })

	orchestrator := NewOrchestrator(registry, queue, nil, nil)
	mux := http.NewServeMux()
	NewTaskAPI(orchestrator, registry, nil).RegisterRoutes(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, queue
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
}

func TestTaskAPISubmitAndPoll(t *testing.T) {
	server, queue := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/executions", map[string]any{
		"capability_id": "scan-market",
		"input":         map[string]any{"symbol": "AAPL"},
		"user_id":       "u1",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var submitted submitResponse
	decodeBody(t, resp, &submitted)
	if submitted.TaskID == "" {
		t.Fatal("expected a task ID")
	}
	if submitted.StatusURL != "/api/v1/executions/"+submitted.TaskID {
		t.Errorf("unexpected status URL %s", submitted.StatusURL)
	}

	waitForStatus(t, queue, submitted.TaskID, core.StatusCompleted, 3*time.Second)

	pollResp, err := http.Get(server.URL + submitted.StatusURL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if pollResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", pollResp.StatusCode)
	}
	var task core.TaskResult
	decodeBody(t, pollResp, &task)
	if task.Status != core.StatusCompleted {
		t.Errorf("expected completed, got %s", task.Status)
	}
}

func TestTaskAPISubmitErrors(t *testing.T) {
	server, _ := newTestServer(t)
	url := server.URL + "/api/v1/executions"

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{
			"missing capability_id",
			map[string]any{"input": map[string]any{}},
			http.StatusBadRequest,
		},
		{
			"unknown capability",
			map[string]any{"capability_id": "nope"},
			http.StatusNotFound,
		},
		{
			"validation failure",
			map[string]any{"capability_id": "scan-market", "input": map[string]any{}},
			http.StatusBadRequest,
		},
		{
			"not async",
			map[string]any{"capability_id": "inline-only"},
			http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, url, tt.body)
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}

	// Validation errors carry structured causes.
	resp := postJSON(t, url, map[string]any{"capability_id": "scan-market", "input": map[string]any{}})
	var body errorResponse
	decodeBody(t, resp, &body)
	if body.ErrorType != core.ErrorTypeValidation {
		t.Errorf("expected ValidationError type, got %q", body.ErrorType)
	}
}

func TestTaskAPICancel(t *testing.T) {
	server, _ := newTestServer(t)

	// Delay eligibility so the task is still cancellable.
	resp := postJSON(t, server.URL+"/api/v1/executions", map[string]any{
		"capability_id":     "scan-market",
		"input":             map[string]any{"symbol": "AAPL"},
		"countdown_seconds": 60,
	})
	var submitted submitResponse
	decodeBody(t, resp, &submitted)

	cancelResp := postJSON(t, server.URL+submitted.StatusURL+"/cancel", nil)
	if cancelResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", cancelResp.StatusCode)
	}
	var cancelBody map[string]any
	decodeBody(t, cancelResp, &cancelBody)
	if cancelBody["cancelled"] != true {
		t.Errorf("expected cancelled=true, got %v", cancelBody)
	}

	// Second cancel conflicts; unknown task is 404.
	again := postJSON(t, server.URL+submitted.StatusURL+"/cancel", nil)
	defer again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", again.StatusCode)
	}
	missing := postJSON(t, server.URL+"/api/v1/executions/absent/cancel", nil)
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", missing.StatusCode)
	}
}

func TestTaskAPIListExecutions(t *testing.T) {
	server, queue := newTestServer(t)

	for i := 0; i < 3; i++ {
		resp := postJSON(t, server.URL+"/api/v1/executions", map[string]any{
			"capability_id": "scan-market",
			"input":         map[string]any{"symbol": "AAPL"},
		})
		var submitted submitResponse
		decodeBody(t, resp, &submitted)
		waitForStatus(t, queue, submitted.TaskID, core.StatusCompleted, 3*time.Second)
	}

	resp, err := http.Get(server.URL + "/api/v1/executions?status=completed")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var body struct {
		Tasks []core.TaskResult `json:"tasks"`
		Count int               `json:"count"`
	}
	decodeBody(t, resp, &body)
	if body.Count != 3 {
		t.Errorf("expected 3 completed tasks, got %d", body.Count)
	}
}

func TestTaskAPIListCapabilities(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/v1/capabilities")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var body struct {
		Capabilities []map[string]any `json:"capabilities"`
		Count        int              `json:"count"`
	}
	decodeBody(t, resp, &body)
	// Only API-exposed capabilities by default.
	if body.Count != 1 || body.Capabilities[0]["id"] != "scan-market" {
		t.Errorf("expected [scan-market], got %v", body.Capabilities)
	}

	resp, err = http.Get(server.URL + "/api/v1/capabilities?all=true")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	decodeBody(t, resp, &body)
	if body.Count != 2 {
		t.Errorf("expected 2 capabilities with all=true, got %d", body.Count)
	}
}
