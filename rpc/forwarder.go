package rpc

import (
	"context"
	"encoding/json"

	"github.com/tolelom/idprovider/transport"
)

// Forwarder passes every request on to the upstream node unchanged. It is
// the last handler of an engine.
type Forwarder struct {
	upstream transport.Caller
}

// NewForwarder creates a forwarder to upstream.
func NewForwarder(upstream transport.Caller) *Forwarder {
	return &Forwarder{upstream: upstream}
}

// HandleRPC implements Handler.
func (f *Forwarder) HandleRPC(ctx context.Context, req *Request) (any, error) {
	params, err := positional(req.Params)
	if err != nil {
		return nil, err
	}
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p
	}
	var out json.RawMessage
	if err := f.upstream.CallContext(ctx, &out, req.Method, args...); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
