// Package api implements the HTTP REST surface over the Run Store and
// Flow Executor: a gofiber/fiber router with one handler method per
// route, returning the same {error:{code,message,status}} envelope
// for failures.
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/flowkit/flowengine/internal/store"
	"github.com/flowkit/flowengine/pkg/errs"
	"github.com/flowkit/flowengine/pkg/events"
	"github.com/flowkit/flowengine/pkg/executor"
	"github.com/flowkit/flowengine/pkg/flow"
	"github.com/flowkit/flowengine/pkg/parser"
	"github.com/flowkit/flowengine/pkg/types"
)

// Server is the flow engine's HTTP API: flow registration, run
// lifecycle (execute/pause/resume/retry/resumeFrom), and an event
// stream, all backed by an internal/store.Store and a shared request
// handler (internal/handler/httprpc.Handler by default, or any caller
// handler satisfying executor.Handler).
type Server struct {
	app     *fiber.App
	store   *store.Store
	handler executor.Handler

	executors map[string]*flow.Executor // by flow name, built once per registration
}

// New creates a Server backed by s, issuing outbound request-step calls
// through handler.
func New(s *store.Store, handler executor.Handler) *Server {
	srv := &Server{
		store:     s,
		handler:   handler,
		executors: make(map[string]*flow.Executor),
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          0, // the event stream holds the connection open
	})

	app.Post("/flows", srv.registerFlow)
	app.Get("/flows/:name", srv.getFlow)
	app.Post("/flows/:name/runs", srv.startRun)
	app.Get("/flows/:name/runs/:runId", srv.getRun)
	app.Post("/flows/:name/runs/:runId/pause", srv.pauseRun)
	app.Post("/flows/:name/runs/:runId/resume", srv.resumeRun)
	app.Post("/flows/:name/runs/:runId/retry", srv.retryRun)
	app.Post("/flows/:name/runs/:runId/resumeFrom", srv.resumeFromRun)
	app.Get("/flows/:name/runs/:runId/events", srv.streamEvents)

	srv.app = app
	return srv
}

// App exposes the underlying Fiber app for tests and for the CLI's
// "serve" command to attach additional routes (e.g. a web UI).
func (s *Server) App() *fiber.App { return s.app }

// Listen starts the HTTP server on addr.
func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error { return s.app.Shutdown() }

func errorJSON(c *fiber.Ctx, status int, statusName string, err error) error {
	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    status,
			"message": err.Error(),
			"status":  statusName,
		},
	})
}

func statusForErr(err error) (int, string) {
	kind, ok := errs.KindOf(err)
	if !ok {
		return 500, "INTERNAL"
	}
	switch kind {
	case errs.KindValidation, errs.KindDependency, errs.KindUnknownReference,
		errs.KindPropertyAccess, errs.KindPathSyntax, errs.KindCircularRef,
		errs.KindInvalidReference, errs.KindExpression, errs.KindState:
		return 400, "INVALID_ARGUMENT"
	default:
		return 500, "INTERNAL"
	}
}

// --- Flow registration ---

func (s *Server) registerFlow(c *fiber.Ctx) error {
	body := c.Body()
	f, err := parser.Parse(body)
	if err != nil {
		status, name := statusForErr(err)
		return errorJSON(c, status, name, err)
	}

	ex, err := flow.New(f, s.handler, events.NewBus(events.DefaultVerbosity()))
	if err != nil {
		status, name := statusForErr(err)
		return errorJSON(c, status, name, err)
	}
	ex.OnRunStart = func(runID string, r *flow.Run) {
		s.store.RegisterLiveRun(f.Name, runID, r)
	}

	s.store.PutFlow(string(body), f)
	s.executors[f.Name] = ex

	return c.Status(201).JSON(fiber.Map{"name": f.Name, "description": f.Description, "stepCount": len(f.Steps)})
}

func (s *Server) getFlow(c *fiber.Ctx) error {
	entry, err := s.store.GetFlow(c.Params("name"))
	if err != nil {
		return errorJSON(c, 404, "NOT_FOUND", err)
	}
	return c.JSON(fiber.Map{
		"name":        entry.Flow.Name,
		"description": entry.Flow.Description,
		"revision":    entry.Revision,
		"stepCount":   len(entry.Flow.Steps),
	})
}

// --- Run lifecycle ---

type startRunRequest struct {
	Context map[string]interface{} `json:"context"`
}

func (s *Server) startRun(c *fiber.Ctx) error {
	name := c.Params("name")
	ex, ok := s.executors[name]
	if !ok {
		return errorJSON(c, 404, "NOT_FOUND", fmt.Errorf("flow %q not registered", name))
	}

	var req startRunRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return errorJSON(c, 400, "INVALID_ARGUMENT", err)
		}
	}
	if req.Context != nil {
		ex.Flow.Context = req.Context
	}

	runID := s.store.NewRunID(name)

	// Execute runs synchronously inside the Flow Executor's own
	// goroutine tree but this handler returns immediately: the run
	// proceeds in the background and callers poll GET .../runs/:runId
	// instead of blocking the request on a potentially long-running flow.
	go func() {
		res, err := ex.Execute(c.Context(), runID)
		if res != nil {
			s.store.PutRun(name, nil, res)
		} else if err != nil {
			s.store.PutRun(name, nil, &flow.Result{RunID: runID, State: flow.RunFailed, Err: err})
		}
	}()

	return c.Status(202).JSON(fiber.Map{"runId": runID, "flowName": name, "state": "running"})
}

func (s *Server) getRun(c *fiber.Ctx) error {
	rec, err := s.store.GetRun(c.Params("runId"))
	if err != nil {
		return errorJSON(c, 404, "NOT_FOUND", err)
	}
	return c.JSON(runJSON(rec))
}

func (s *Server) pauseRun(c *fiber.Ctx) error {
	rec, err := s.store.GetRun(c.Params("runId"))
	if err != nil {
		return errorJSON(c, 404, "NOT_FOUND", err)
	}
	live := rec.LiveRun()
	if live == nil {
		return errorJSON(c, 409, "FAILED_PRECONDITION", fmt.Errorf("run %q is not active", rec.RunID))
	}
	live.Pause()
	return c.JSON(fiber.Map{"runId": rec.RunID, "state": "paused"})
}

func (s *Server) resumeRun(c *fiber.Ctx) error {
	name := c.Params("name")
	rec, err := s.store.GetRun(c.Params("runId"))
	if err != nil {
		return errorJSON(c, 404, "NOT_FOUND", err)
	}
	if rec.LiveRun() != nil {
		return errorJSON(c, 409, "FAILED_PRECONDITION", fmt.Errorf("run %q has not finished pausing yet", rec.RunID))
	}

	ex, ok := s.executors[name]
	if !ok {
		return errorJSON(c, 404, "NOT_FOUND", fmt.Errorf("flow %q not registered", name))
	}
	prior := rec.Snapshot()
	go func() {
		res, _ := ex.Resume(c.Context(), rec.RunID, prior)
		if res != nil {
			s.store.PutRun(name, nil, res)
		}
	}()
	return c.Status(202).JSON(fiber.Map{"runId": rec.RunID, "state": "resuming"})
}

func (s *Server) retryRun(c *fiber.Ctx) error {
	name := c.Params("name")
	ex, ok := s.executors[name]
	if !ok {
		return errorJSON(c, 404, "NOT_FOUND", fmt.Errorf("flow %q not registered", name))
	}
	rec, err := s.store.GetRun(c.Params("runId"))
	if err != nil {
		return errorJSON(c, 404, "NOT_FOUND", err)
	}
	if rec.LastFailed == "" {
		return errorJSON(c, 400, "FAILED_PRECONDITION", fmt.Errorf("no failed step to retry"))
	}
	prior := rec.Snapshot()
	go func() {
		res, _ := ex.Retry(c.Context(), rec.RunID, prior)
		if res != nil {
			s.store.PutRun(name, nil, res)
		}
	}()
	return c.Status(202).JSON(fiber.Map{"runId": rec.RunID, "state": "retrying"})
}

type resumeFromRequest struct {
	StepName string `json:"stepName"`
}

func (s *Server) resumeFromRun(c *fiber.Ctx) error {
	name := c.Params("name")
	ex, ok := s.executors[name]
	if !ok {
		return errorJSON(c, 404, "NOT_FOUND", fmt.Errorf("flow %q not registered", name))
	}
	var req resumeFromRequest
	if err := c.BodyParser(&req); err != nil || req.StepName == "" {
		return errorJSON(c, 400, "INVALID_ARGUMENT", fmt.Errorf("stepName is required"))
	}
	rec, err := s.store.GetRun(c.Params("runId"))
	if err != nil {
		return errorJSON(c, 404, "NOT_FOUND", err)
	}
	prior := rec.Snapshot()
	go func() {
		res, _ := ex.ResumeFrom(c.Context(), rec.RunID, prior, req.StepName)
		if res != nil {
			s.store.PutRun(name, nil, res)
		}
	}()
	return c.Status(202).JSON(fiber.Map{"runId": rec.RunID, "state": "resuming", "from": req.StepName})
}

// streamEvents relays the flow's event bus as newline-delimited JSON,
// filtered to the requested run, a simple streaming endpoint instead
// of a websocket upgrade.
func (s *Server) streamEvents(c *fiber.Ctx) error {
	name := c.Params("name")
	runID := c.Params("runId")
	ex, ok := s.executors[name]
	if !ok {
		return errorJSON(c, 404, "NOT_FOUND", fmt.Errorf("flow %q not registered", name))
	}

	c.Set("Content-Type", "application/x-ndjson")
	c.Set("Cache-Control", "no-cache")
	c.Set("X-Accel-Buffering", "no")

	ch, unsubscribe := ex.Bus.Subscribe()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()
		for ev := range ch {
			if ev.RunID != "" && ev.RunID != runID {
				continue
			}
			b, err := json.Marshal(eventJSON(ev))
			if err != nil {
				continue
			}
			if _, err := w.Write(b); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
			if ev.Kind == events.FlowFinish {
				return
			}
		}
	})
	return nil
}

func eventJSON(ev events.Event) fiber.Map {
	m := fiber.Map{
		"kind":      ev.Kind,
		"flowName":  ev.FlowName,
		"runId":     ev.RunID,
		"timestamp": ev.Timestamp,
	}
	if ev.StepName != "" {
		m["stepName"] = ev.StepName
	}
	if ev.CorrelationID != "" {
		m["correlationId"] = ev.CorrelationID
	}
	if ev.Result != nil {
		m["result"] = ev.Result
	}
	if ev.Err != "" {
		m["error"] = ev.Err
	}
	if ev.Reason != "" {
		m["reason"] = ev.Reason
	}
	return m
}

func runJSON(rec *store.RunRecord) fiber.Map {
	results := make(map[string]interface{}, len(rec.StepResults))
	for k, v := range rec.StepResults {
		results[k] = v.ToGo()
	}
	status := make(map[string]string, len(rec.StepStatus))
	for k, v := range rec.StepStatus {
		status[k] = string(v)
	}
	m := fiber.Map{
		"runId":       rec.RunID,
		"flowName":    rec.FlowName,
		"state":       rec.State,
		"stepResults": results,
		"stepStatus":  status,
	}
	if rec.Context.Type() != types.TypeNull || !rec.Context.IsNull() {
		m["context"] = rec.Context.ToGo()
	}
	if rec.LastFailed != "" {
		m["lastFailedStepName"] = rec.LastFailed
	}
	if rec.Err != nil {
		m["error"] = rec.Err.Error()
	}
	return m
}
