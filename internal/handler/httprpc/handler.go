// Package httprpc implements the engine's default request handler: it
// issues a JSON-RPC 2.0 call over HTTP for every request step, using a
// standard {jsonrpc,id,method,params} envelope, transported with
// valyala/fasthttp (already pulled in transitively by gofiber/fiber).
package httprpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/flowkit/flowengine/pkg/errs"
	"github.com/flowkit/flowengine/pkg/types"
)

// Request is the JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is the JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is the JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Handler implements executor.Handler by POSTing a JSON-RPC request to
// BaseURL for every call, using the method name itself as the request
// ID seed (suffixed with a counter to keep concurrent calls distinct).
type Handler struct {
	BaseURL string
	Client  *fasthttp.Client
	Timeout time.Duration

	seq int64
}

// New builds a Handler posting JSON-RPC requests to baseURL.
func New(baseURL string) *Handler {
	return &Handler{
		BaseURL: baseURL,
		Client:  &fasthttp.Client{},
		Timeout: 30 * time.Second,
	}
}

// Call implements executor.Handler.
func (h *Handler) Call(ctx context.Context, method string, params types.Value) (types.Value, error) {
	id := h.nextID(method)

	var paramsJSON json.RawMessage
	if !params.IsNull() {
		b, err := params.MarshalJSON()
		if err != nil {
			return types.Null, errs.Wrap(errs.KindJsonRpcRequest, "failed to marshal params", err).With("method", method)
		}
		paramsJSON = b
	}

	reqBody, err := json.Marshal(Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON})
	if err != nil {
		return types.Null, errs.Wrap(errs.KindJsonRpcRequest, "failed to marshal request", err).With("method", method)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetRequestURI(h.BaseURL + "/" + method)
	req.SetBody(reqBody)

	timeout := h.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	if err := h.Client.DoTimeout(req, resp, timeout); err != nil {
		if err == fasthttp.ErrTimeout {
			return types.Null, errs.Wrap(errs.KindTimeout, "request timed out", err).With("method", method)
		}
		return types.Null, errs.Wrap(errs.KindNetwork, "request failed", err).With("method", method)
	}

	if resp.StatusCode() >= 500 {
		return types.Null, errs.Newf(errs.KindNetwork, "handler returned status %d", resp.StatusCode()).With("method", method)
	}

	var rpcResp Response
	if err := json.Unmarshal(resp.Body(), &rpcResp); err != nil {
		return types.Null, errs.Wrap(errs.KindJsonRpcRequest, "invalid JSON-RPC response body", err).With("method", method)
	}

	if rpcResp.Error != nil {
		return types.Null, errs.Newf(errs.KindJsonRpcRequest, "%s", rpcResp.Error.Message).
			With("method", method).
			With("code", rpcResp.Error.Code)
	}

	if rpcResp.Result == nil {
		return types.Null, nil
	}
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(rpcResp.Result))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return types.Null, errs.Wrap(errs.KindJsonRpcRequest, "invalid JSON-RPC result payload", err).With("method", method)
	}
	return types.FromJSON(raw), nil
}

func (h *Handler) nextID(method string) string {
	n := atomic.AddInt64(&h.seq, 1)
	return fmt.Sprintf("%s-%d", method, n)
}
