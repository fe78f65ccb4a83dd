package flow

import (
	"context"
	"testing"

	"github.com/flowkit/flowengine/pkg/types"
)

type discoverStub struct {
	doc types.Value
	err error
}

func (d discoverStub) Call(ctx context.Context, method string, params types.Value) (types.Value, error) {
	return d.doc, d.err
}

func openrpcDoc(methods ...string) types.Value {
	list := make([]types.Value, 0, len(methods))
	for _, m := range methods {
		entry := types.NewOrderedMap()
		entry.Set("name", types.NewString(m))
		list = append(list, types.NewMap(entry))
	}
	doc := types.NewOrderedMap()
	doc.Set("methods", types.NewList(list))
	return types.NewMap(doc)
}

func TestDiscoveryValidatesAgainstDocument(t *testing.T) {
	var d discovery
	d.ensure(context.Background(), discoverStub{doc: openrpcDoc("orders.validate", "payments.charge")})

	if err := d.validateMethod("orders.validate"); err != nil {
		t.Fatalf("validateMethod(listed): %v", err)
	}
	if err := d.validateMethod("shipping.create"); err == nil {
		t.Fatalf("validateMethod(unlisted): want error")
	}
}

func TestDiscoveryRunsOnlyOnce(t *testing.T) {
	calls := 0
	var d discovery
	handler := handlerFunc(func(ctx context.Context, method string, params types.Value) (types.Value, error) {
		calls++
		return openrpcDoc("orders.validate"), nil
	})
	d.ensure(context.Background(), handler)
	d.ensure(context.Background(), handler)
	if calls != 1 {
		t.Fatalf("handler called %d times, want 1", calls)
	}
}

func TestDiscoveryFailureDisablesValidation(t *testing.T) {
	var d discovery
	d.ensure(context.Background(), discoverStub{err: errBoom})
	if err := d.validateMethod("anything.goes"); err != nil {
		t.Fatalf("validateMethod after failed discovery: %v, want no-op", err)
	}
}

func TestDiscoveryMalformedDocumentDisablesValidation(t *testing.T) {
	var d discovery
	d.ensure(context.Background(), discoverStub{doc: types.NewString("not an object")})
	if err := d.validateMethod("anything.goes"); err != nil {
		t.Fatalf("validateMethod after malformed discovery: %v, want no-op", err)
	}
}

func TestDiscoveryNilHandlerDisablesValidation(t *testing.T) {
	var d discovery
	d.ensure(context.Background(), nil)
	if err := d.validateMethod("anything.goes"); err != nil {
		t.Fatalf("validateMethod with nil handler: %v, want no-op", err)
	}
}

type handlerFunc func(ctx context.Context, method string, params types.Value) (types.Value, error)

func (f handlerFunc) Call(ctx context.Context, method string, params types.Value) (types.Value, error) {
	return f(ctx, method, params)
}

var errBoom = &discoverErr{"boom"}

type discoverErr struct{ msg string }

func (e *discoverErr) Error() string { return e.msg }
