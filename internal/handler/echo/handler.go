// Package echo implements an in-process request handler for local
// testing (spec §4.L's "flowctl run --mock"): instead of issuing an
// outbound call, it hands each request's params straight back as its
// result, wrapped with the method name it was called for.
package echo

import (
	"context"

	"github.com/flowkit/flowengine/pkg/types"
)

// Handler implements executor.Handler by echoing params back as the
// call's result. It never fails, so it is only useful for exercising a
// flow's own control flow (dependencies, conditions, loops) without a
// real collaborator.
type Handler struct{}

// New builds an echo Handler.
func New() *Handler {
	return &Handler{}
}

// Call implements executor.Handler.
func (h *Handler) Call(ctx context.Context, method string, params types.Value) (types.Value, error) {
	m := types.NewOrderedMap()
	m.Set("method", types.NewString(method))
	m.Set("params", params)
	return types.NewMap(m), nil
}
