// Package store provides in-memory storage for registered flows and their
// runs: sync.RWMutex-guarded maps plus a monotonic counter for generated
// run IDs. The store never drives scheduling; it is a passive record the
// HTTP API reads and writes around calls into pkg/flow.Executor.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/flowkit/flowengine/pkg/ast"
	"github.com/flowkit/flowengine/pkg/executor"
	"github.com/flowkit/flowengine/pkg/flow"
	"github.com/flowkit/flowengine/pkg/types"
)

// FlowEntry is a registered flow definition with revision tracking.
type FlowEntry struct {
	Name       string
	Source     string
	Flow       *ast.Flow
	Revision   int
	CreateTime time.Time
	UpdateTime time.Time
}

// RunRecord is the persisted-state layout for a single run: the
// executor's live *flow.Run (while running) plus the terminal result
// snapshot (once finished) so polling works after the run completes.
type RunRecord struct {
	RunID         string
	FlowName      string
	StartTime     time.Time
	EndTime       time.Time
	State         flow.RunState
	Context       types.Value
	StepResults   map[string]types.Value
	StepStatus    map[string]executor.Status
	LastFailed    string
	Err           error
	run           *flow.Run
}

// Store is a thread-safe in-memory registry of flows and runs.
type Store struct {
	mu        sync.RWMutex
	flows     map[string]*FlowEntry
	runs      map[string]*RunRecord
	runCounter int64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		flows: make(map[string]*FlowEntry),
		runs:  make(map[string]*RunRecord),
	}
}

// PutFlow registers or replaces a flow definition, bumping its revision.
func (s *Store) PutFlow(source string, f *ast.Flow) *FlowEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, exists := s.flows[f.Name]
	if !exists {
		entry = &FlowEntry{Name: f.Name, CreateTime: now}
	}
	entry.Source = source
	entry.Flow = f
	entry.Revision++
	entry.UpdateTime = now
	s.flows[f.Name] = entry
	return entry
}

// GetFlow retrieves a registered flow by name.
func (s *Store) GetFlow(name string) (*FlowEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.flows[name]
	if !ok {
		return nil, fmt.Errorf("flow %q not found", name)
	}
	return entry, nil
}

// NewRunID generates a unique run identifier for a flow.
func (s *Store) NewRunID(flowName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCounter++
	return fmt.Sprintf("%s-run-%06d", flowName, s.runCounter)
}

// RegisterLiveRun records the in-flight *flow.Run the instant it
// starts (wired to flow.Executor.OnRunStart), before any terminal
// Result exists, so pause/resume/cancel requests can reach it while
// Execute/Retry/ResumeFrom is still blocked running the flow.
func (s *Store) RegisterLiveRun(flowName, runID string, run *flow.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.runs[runID]
	if !exists {
		rec = &RunRecord{RunID: runID, FlowName: flowName, StartTime: time.Now(), State: flow.RunRunning}
		s.runs[runID] = rec
	}
	rec.run = run
}

// PutRun records a run's current snapshot, keyed by its run ID.
func (s *Store) PutRun(flowName string, run *flow.Run, res *flow.Result) *RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.runs[res.RunID]
	if !exists {
		rec = &RunRecord{RunID: res.RunID, FlowName: flowName, StartTime: time.Now()}
	}
	rec.run = run
	rec.State = res.State
	rec.Context = res.Context
	rec.StepResults = res.StepResults
	rec.StepStatus = res.StepStatus
	rec.LastFailed = res.LastFailed
	rec.Err = res.Err
	if res.State == flow.RunSucceeded || res.State == flow.RunFailed {
		rec.EndTime = time.Now()
	}
	s.runs[res.RunID] = rec
	return rec
}

// GetRun retrieves a run record by ID.
func (s *Store) GetRun(runID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %q not found", runID)
	}
	return rec, nil
}

// LiveRun returns the in-flight *flow.Run for pause/resume/cancel
// actions, or nil if the run has already finished (or never started
// with a live handle, e.g. after process restart).
func (rec *RunRecord) LiveRun() *flow.Run {
	return rec.run
}

// Snapshot reconstructs a *flow.Result from the stored record, for
// feeding Retry/ResumeFrom as the "prior" result.
func (rec *RunRecord) Snapshot() *flow.Result {
	return &flow.Result{
		RunID:       rec.RunID,
		State:       rec.State,
		Context:     rec.Context,
		StepResults: rec.StepResults,
		StepStatus:  rec.StepStatus,
		LastFailed:  rec.LastFailed,
		Err:         rec.Err,
	}
}
