package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/flowkit/flowengine/internal/handler/echo"
	"github.com/flowkit/flowengine/internal/store"
)

func newTestServer() *Server {
	return New(store.New(), echo.New())
}

const singleStepFlow = `
name: greet
steps:
  - name: hello
    request: { method: greeter.say, params: { name: "${context.name}" } }
`

func doJSON(t *testing.T, srv *Server, method, path string, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	var out map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("Unmarshal(%s): %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func TestRegisterAndGetFlow(t *testing.T) {
	srv := newTestServer()

	status, body := doJSON(t, srv, http.MethodPost, "/flows", singleStepFlow)
	if status != 201 {
		t.Fatalf("register status = %d, body = %+v", status, body)
	}
	if body["name"] != "greet" {
		t.Fatalf("register body = %+v", body)
	}

	status, body = doJSON(t, srv, http.MethodGet, "/flows/greet", "")
	if status != 200 {
		t.Fatalf("getFlow status = %d", status)
	}
	if body["name"] != "greet" {
		t.Fatalf("getFlow body = %+v", body)
	}
}

func TestGetUnknownFlowReturns404(t *testing.T) {
	srv := newTestServer()
	status, _ := doJSON(t, srv, http.MethodGet, "/flows/nope", "")
	if status != 404 {
		t.Fatalf("status = %d, want 404", status)
	}
}

func TestStartRunToCompletion(t *testing.T) {
	srv := newTestServer()
	if status, _ := doJSON(t, srv, http.MethodPost, "/flows", singleStepFlow); status != 201 {
		t.Fatalf("register failed with status %d", status)
	}

	status, body := doJSON(t, srv, http.MethodPost, "/flows/greet/runs", `{"context":{"name":"ada"}}`)
	if status != 202 {
		t.Fatalf("startRun status = %d, body = %+v", status, body)
	}
	runID, _ := body["runId"].(string)
	if runID == "" {
		t.Fatalf("startRun body missing runId: %+v", body)
	}

	rec := pollRunUntilDone(t, srv, runID)
	if rec["state"] != string(succeededState) {
		t.Fatalf("final run state = %v, body = %+v", rec["state"], rec)
	}
	stepStatus, _ := rec["stepStatus"].(map[string]interface{})
	if stepStatus["hello"] != "succeeded" {
		t.Fatalf("stepStatus = %+v", stepStatus)
	}
}

func TestPauseInactiveRunReturns409(t *testing.T) {
	srv := newTestServer()
	doJSON(t, srv, http.MethodPost, "/flows", singleStepFlow)
	_, body := doJSON(t, srv, http.MethodPost, "/flows/greet/runs", `{"context":{"name":"ada"}}`)
	runID := body["runId"].(string)
	pollRunUntilDone(t, srv, runID)

	status, body := doJSON(t, srv, http.MethodPost, "/flows/greet/runs/"+runID+"/pause", "")
	if status != 409 {
		t.Fatalf("pause status = %d, body = %+v", status, body)
	}
}

func TestRetryWithoutFailedStepReturns400(t *testing.T) {
	srv := newTestServer()
	doJSON(t, srv, http.MethodPost, "/flows", singleStepFlow)
	_, body := doJSON(t, srv, http.MethodPost, "/flows/greet/runs", `{"context":{"name":"ada"}}`)
	runID := body["runId"].(string)
	pollRunUntilDone(t, srv, runID)

	status, body := doJSON(t, srv, http.MethodPost, "/flows/greet/runs/"+runID+"/retry", "")
	if status != 400 {
		t.Fatalf("retry status = %d, body = %+v", status, body)
	}
}

const succeededState = "succeeded"

func pollRunUntilDone(t *testing.T, srv *Server, runID string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		status, body := doJSON(t, srv, http.MethodGet, "/flows/greet/runs/"+runID, "")
		if status != 200 {
			t.Fatalf("getRun status = %d, body = %+v", status, body)
		}
		if s, _ := body["state"].(string); s != "running" && s != "" {
			return body
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %q never finished", runID)
	return nil
}
