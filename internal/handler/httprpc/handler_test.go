package httprpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowkit/flowengine/pkg/errs"
	"github.com/flowkit/flowengine/pkg/types"
)

func TestHandlerCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Method != "orders.validate" {
			t.Fatalf("method = %q", req.Method)
		}
		resp := Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	h := New(srv.URL)
	params := types.NewMapFromGo(map[string]types.Value{"id": types.NewString("123")})
	result, err := h.Call(context.Background(), "orders.validate", params)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	ok, _ := result.AsMap().Get("ok")
	if !ok.Truthy() {
		t.Fatalf("result.ok = %+v", ok)
	}
}

func TestHandlerCallErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := Response{JSONRPC: "2.0", ID: "x", Error: &Error{Code: 400, Message: "bad input"}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	h := New(srv.URL)
	_, err := h.Call(context.Background(), "orders.validate", types.Null)
	if err == nil {
		t.Fatal("expected error")
	}
	kind, ok := errs.KindOf(err)
	if !ok || kind != errs.KindJsonRpcRequest {
		t.Fatalf("kind = %v, ok=%v", kind, ok)
	}
}
