package flow

import (
	"context"
	"log"
	"sync"

	"github.com/flowkit/flowengine/pkg/ast"
	"github.com/flowkit/flowengine/pkg/errs"
	"github.com/flowkit/flowengine/pkg/types"
)

// discovery caches the OpenRPC method list an Executor's handler
// advertises via "rpc.discover" (spec §6), attempted at most once per
// Executor and shared by every run against it.
type discovery struct {
	once    sync.Once
	allowed map[string]bool // nil means discovery never produced a usable document
}

// ensure performs the one-time "rpc.discover" call against handler, at
// the start of the first run of a flow that contains a request step,
// before any step executes. A failed or malformed
// discovery is logged and leaves validation disabled, per spec §9's
// conservative choice ("ignore invalid documents and execute without
// validation, logging a warning").
func (d *discovery) ensure(ctx context.Context, handler interface {
	Call(context.Context, string, types.Value) (types.Value, error)
}) {
	d.once.Do(func() {
		if handler == nil {
			return
		}
		doc, err := handler.Call(ctx, "rpc.discover", types.Null)
		if err != nil {
			log.Printf("flow: rpc.discover failed, proceeding without method validation: %v", err)
			return
		}
		methods, ok := parseOpenRPCMethods(doc)
		if !ok {
			log.Printf("flow: rpc.discover returned a malformed OpenRPC document, proceeding without method validation")
			return
		}
		d.allowed = methods
	})
}

// parseOpenRPCMethods extracts the method name set from an OpenRPC-
// shaped document: {"methods": [{"name": "foo.bar"}, ...]}.
func parseOpenRPCMethods(doc types.Value) (map[string]bool, bool) {
	if doc.Type() != types.TypeMap {
		return nil, false
	}
	raw, ok := doc.AsMap().Get("methods")
	if !ok || raw.Type() != types.TypeList {
		return nil, false
	}
	out := make(map[string]bool)
	for _, entry := range raw.AsList() {
		if entry.Type() != types.TypeMap {
			return nil, false
		}
		nameVal, ok := entry.AsMap().Get("name")
		if !ok || nameVal.Type() != types.TypeString {
			return nil, false
		}
		out[nameVal.AsString()] = true
	}
	return out, true
}

// validateMethod checks method against the cached discovery document,
// if one was obtained. No document (discovery never run, failed, or
// malformed) means validation is a no-op.
func (d *discovery) validateMethod(method string) error {
	if d.allowed == nil {
		return nil
	}
	if !d.allowed[method] {
		return errs.Newf(errs.KindValidation, "method %q is not listed in the handler's rpc.discover document", method).With("method", method)
	}
	return nil
}

// hasRequestStep reports whether a flow contains any request-bodied
// step, top-level or nested, so discovery is skipped entirely for flows
// that never call the handler.
func hasRequestStep(steps []*ast.Step) bool {
	for _, s := range steps {
		if s == nil {
			continue
		}
		if s.Request != nil {
			return true
		}
		if s.Condition != nil && (hasRequestStep([]*ast.Step{s.Condition.Then}) || hasRequestStep([]*ast.Step{s.Condition.Else})) {
			return true
		}
		if s.Loop != nil && (hasRequestStep([]*ast.Step{s.Loop.Step}) || hasRequestStep(s.Loop.Steps)) {
			return true
		}
		if s.Delay != nil && hasRequestStep([]*ast.Step{s.Delay.Step}) {
			return true
		}
	}
	return false
}
