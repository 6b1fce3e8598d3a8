package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/tolelom/idprovider/forward"
	"github.com/tolelom/idprovider/identity"
	"github.com/tolelom/idprovider/txn"
)

var (
	// ErrNotHandled is returned by a Handler to pass a request on to the
	// next handler.
	ErrNotHandled    = errors.New("request not handled")
	ErrInvalidParams = errors.New("invalid params")
)

// Handler answers requests it recognises and returns ErrNotHandled for
// the rest.
type Handler interface {
	HandleRPC(ctx context.Context, req *Request) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

func (f HandlerFunc) HandleRPC(ctx context.Context, req *Request) (any, error) {
	return f(ctx, req)
}

// Engine runs a request through an ordered list of handlers. The first
// handler that does not return ErrNotHandled answers it.
//
// Engine also serves as an in-process RPC client, so code written against
// the go-ethereum client surface sees the same identities as remote
// callers.
type Engine struct {
	handlers []Handler
	log      log.Logger
}

// NewEngine creates an engine trying handlers in the given order.
func NewEngine(handlers ...Handler) *Engine {
	return &Engine{handlers: handlers, log: log.New("module", "rpc")}
}

func (e *Engine) dispatch(ctx context.Context, req *Request) (any, error) {
	for _, h := range e.handlers {
		res, err := h.HandleRPC(ctx, req)
		if errors.Is(err, ErrNotHandled) {
			continue
		}
		return res, err
	}
	return nil, fmt.Errorf("%w: method %q", ErrNotHandled, req.Method)
}

// HandleRPC lets an engine be nested as a handler of another engine.
func (e *Engine) HandleRPC(ctx context.Context, req *Request) (any, error) {
	return e.dispatch(ctx, req)
}

// Handle answers one request envelope.
func (e *Engine) Handle(ctx context.Context, req Request) Response {
	res, err := e.dispatch(ctx, &req)
	if err != nil {
		rerr := toError(err)
		e.log.Debug("RPC request failed", "method", req.Method, "code", rerr.Code, "err", err)
		return Response{JSONRPC: "2.0", ID: req.ID, Error: rerr}
	}
	return okResponse(req.ID, res)
}

// CallContext performs method in process and decodes the answer into
// result, which must be a pointer or nil.
func (e *Engine) CallContext(ctx context.Context, result any, method string, args ...any) error {
	req, err := newRequest(method, args)
	if err != nil {
		return err
	}
	res, err := e.dispatch(ctx, req)
	if err != nil {
		return toError(err)
	}
	if result == nil {
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

// BatchCallContext performs each element in order. Per-call failures are
// reported on the element.
func (e *Engine) BatchCallContext(ctx context.Context, b []gethrpc.BatchElem) error {
	for i := range b {
		if err := ctx.Err(); err != nil {
			return err
		}
		b[i].Error = e.CallContext(ctx, b[i].Result, b[i].Method, b[i].Args...)
	}
	return nil
}

func newRequest(method string, args []any) (*Request, error) {
	req := &Request{JSONRPC: "2.0", ID: 1, Method: method}
	if args != nil {
		params, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		req.Params = params
	}
	return req, nil
}

// positional splits params into its array elements. Absent params are an
// empty list.
func positional(params json.RawMessage) ([]json.RawMessage, error) {
	if len(params) == 0 || string(params) == "null" {
		return nil, nil
	}
	var out []json.RawMessage
	if err := json.Unmarshal(params, &out); err != nil {
		return nil, fmt.Errorf("%w: params must be an array", ErrInvalidParams)
	}
	return out, nil
}

// toError maps err to the JSON-RPC error a caller sees.
func toError(err error) *Error {
	var subErr *txn.SubmissionError
	if errors.As(err, &subErr) {
		return &Error{Code: CodeSubmission, Message: err.Error()}
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr
	}
	var gerr gethrpc.Error
	if errors.As(err, &gerr) {
		out := &Error{Code: gerr.ErrorCode(), Message: gerr.Error()}
		var derr gethrpc.DataError
		if errors.As(err, &derr) {
			out.Data = derr.ErrorData()
		}
		return out
	}
	switch {
	case errors.Is(err, ErrNotHandled):
		return &Error{Code: CodeMethodNotFound, Message: err.Error()}
	case errors.Is(err, ErrInvalidParams),
		errors.Is(err, ErrMissingSender),
		errors.Is(err, identity.ErrInvalidAddress),
		errors.Is(err, forward.ErrContractCreation),
		errors.Is(err, forward.ErrValueOverflow):
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, ErrUnknownSender),
		errors.Is(err, forward.ErrUnsupportedMethod),
		errors.Is(err, forward.ErrUnknownVersion):
		return &Error{Code: CodeUnknownSender, Message: err.Error()}
	default:
		return &Error{Code: CodeInternalError, Message: err.Error()}
	}
}
