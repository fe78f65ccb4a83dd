// Package events implements the flow engine's typed event bus (spec
// §4.G): every step transition and flow-level milestone is published as
// a typed Event, so a caller (the HTTP API's run stream, a CLI
// progress printer, or a test) can observe execution without polling
// the Run Store.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies one of the event taxonomy's members.
type Kind string

const (
	FlowStart          Kind = "FLOW_START"
	FlowComplete       Kind = "FLOW_COMPLETE"
	FlowError          Kind = "FLOW_ERROR"
	FlowFinish         Kind = "FLOW_FINISH"
	StepStart          Kind = "STEP_START"
	StepComplete       Kind = "STEP_COMPLETE"
	StepError          Kind = "STEP_ERROR"
	StepSkip           Kind = "STEP_SKIP"
	DependencyResolved Kind = "DEPENDENCY_RESOLVED"
)

// Event is one published occurrence. Not every field is populated for
// every Kind: flow-level events leave StepName/CorrelationID empty.
type Event struct {
	Kind          Kind
	FlowName      string
	RunID         string
	StepName      string
	CorrelationID string
	Timestamp     time.Time

	Result  interface{} `json:"result,omitempty"`
	Err     string      `json:"error,omitempty"`
	Context interface{} `json:"context,omitempty"`

	// Reason is set on STEP_SKIP events (spec §4.G): "timeout", "stop",
	// "pause", "manual", "upstream-failure", or "already executed".
	Reason string `json:"reason,omitempty"`
}

// Verbosity controls which events are emitted and how much payload they
// carry (spec §4.G: "verbosity config flags").
type Verbosity struct {
	EmitFlowEvents       bool
	EmitStepEvents       bool
	EmitDependencyEvents bool
	IncludeResults       bool
	IncludeContext       bool
}

// DefaultVerbosity emits everything except raw context snapshots, which
// can be large and are rarely needed by a subscriber.
func DefaultVerbosity() Verbosity {
	return Verbosity{
		EmitFlowEvents:       true,
		EmitStepEvents:       true,
		EmitDependencyEvents: true,
		IncludeResults:       true,
		IncludeContext:       false,
	}
}

// NewCorrelationID generates a fresh per-step-invocation correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Bus is a thread-safe, multi-subscriber event publisher. Publish calls
// are serialized under a single lock so that subscribers observe events
// in the exact order the Flow Executor emitted them, even when multiple
// steps run concurrently (spec §4.G: "event emission ordering
// guarantees").
type Bus struct {
	mu        sync.Mutex
	verbosity Verbosity
	subs      map[int]chan Event
	nextID    int
}

// NewBus creates an event bus with the given verbosity configuration.
func NewBus(v Verbosity) *Bus {
	return &Bus{verbosity: v, subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. The channel is buffered generously; a slow
// subscriber that falls behind blocks Publish rather than silently
// dropping events, since dropped events would violate the ordering
// guarantee.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 256)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers e to every current subscriber, filtered by the
// configured verbosity.
func (b *Bus) Publish(e Event) {
	if !b.shouldEmit(e.Kind) {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if !b.verbosity.IncludeResults {
		e.Result = nil
	}
	if !b.verbosity.IncludeContext {
		e.Context = nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		ch <- e
	}
}

func (b *Bus) shouldEmit(k Kind) bool {
	switch k {
	case FlowStart, FlowComplete, FlowError, FlowFinish:
		return b.verbosity.EmitFlowEvents
	case StepStart, StepComplete, StepError, StepSkip:
		return b.verbosity.EmitStepEvents
	case DependencyResolved:
		return b.verbosity.EmitDependencyEvents
	default:
		return true
	}
}

// Close tears down all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
