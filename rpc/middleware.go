package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tolelom/idprovider/events"
	"github.com/tolelom/idprovider/forward"
	"github.com/tolelom/idprovider/identity"
	"github.com/tolelom/idprovider/transport"
	"github.com/tolelom/idprovider/txn"
	"github.com/tolelom/idprovider/wallet"
)

var (
	ErrMissingSender = errors.New("transaction has no from address")
	ErrUnknownSender = errors.New("from address does not match a controlled identity")
)

// Signer signs fully populated transactions for keystore addresses.
type Signer interface {
	SignTransaction(ctx context.Context, req wallet.SignRequest) ([]byte, error)
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(ctx context.Context, req wallet.SignRequest) ([]byte, error)

func (f SignerFunc) SignTransaction(ctx context.Context, req wallet.SignRequest) ([]byte, error) {
	return f(ctx, req)
}

// Upstream is the node transactions are completed against and submitted
// to.
type Upstream interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, args transport.TxArgs) (uint64, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
}

// IdentityMiddleware answers eth_accounts, eth_coinbase and
// eth_sendTransaction from the identity registry. It holds no state of
// its own: the registry is read on every request.
type IdentityMiddleware struct {
	registry *identity.Registry
	signer   Signer
	upstream Upstream
	emitter  *events.Emitter
	log      log.Logger
}

// MiddlewareOption configures an IdentityMiddleware.
type MiddlewareOption func(*IdentityMiddleware)

// WithEmitter announces every submitted transaction on e.
func WithEmitter(e *events.Emitter) MiddlewareOption {
	return func(m *IdentityMiddleware) { m.emitter = e }
}

// NewIdentityMiddleware creates the middleware.
func NewIdentityMiddleware(registry *identity.Registry, signer Signer, upstream Upstream, opts ...MiddlewareOption) *IdentityMiddleware {
	m := &IdentityMiddleware{
		registry: registry,
		signer:   signer,
		upstream: upstream,
		log:      log.New("module", "identity-rpc"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// HandleRPC implements Handler.
func (m *IdentityMiddleware) HandleRPC(ctx context.Context, req *Request) (any, error) {
	switch req.Method {
	case "eth_accounts":
		return m.registry.Addresses(), nil
	case "eth_coinbase":
		addrs := m.registry.Addresses()
		if len(addrs) == 0 {
			return nil, nil
		}
		return addrs[0], nil
	case "eth_sendTransaction":
		return m.sendTransaction(ctx, req)
	default:
		return nil, ErrNotHandled
	}
}

func (m *IdentityMiddleware) sendTransaction(ctx context.Context, req *Request) (common.Hash, error) {
	params, err := positional(req.Params)
	if err != nil {
		return common.Hash{}, err
	}
	if len(params) == 0 {
		return common.Hash{}, fmt.Errorf("%w: missing transaction object", ErrInvalidParams)
	}
	var args transport.TxArgs
	if err := json.Unmarshal(params[0], &args); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if args.From == nil {
		return common.Hash{}, ErrMissingSender
	}

	id, err := m.registry.Resolve(*args.From)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownSender, args.From.Hex())
	}
	signArgs := args
	if id.IsContract() {
		wrapped, err := forward.Wrap(args, id)
		if err != nil {
			return common.Hash{}, err
		}
		key, err := m.registry.Resolve(id.ControllingKey)
		if err != nil || key.IsContract() {
			return common.Hash{}, fmt.Errorf("%w: controlling key %s of %s is not a key identity", ErrUnknownSender, id.ControllingKey.Hex(), id.Address.Hex())
		}
		signArgs = wrapped
	}

	sreq, err := m.complete(ctx, signArgs)
	if err != nil {
		return common.Hash{}, err
	}
	raw, err := m.signer.SignTransaction(ctx, sreq)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	hash, err := m.upstream.SendRawTransaction(ctx, raw)
	if err != nil {
		return common.Hash{}, &txn.SubmissionError{Err: err}
	}
	m.log.Info("Submitted transaction", "identity", id.Kind, "from", id.Address, "signer", sreq.From, "nonce", sreq.Nonce, "hash", hash)
	m.emitter.Emit(events.Event{
		Type: events.EventTxSubmitted,
		Data: map[string]any{
			"identity": identity.FormatAddress(id.Address),
			"signer":   identity.FormatAddress(sreq.From),
			"hash":     hash.Hex(),
		},
	})
	return hash, nil
}

// complete fills the fields a signature needs that the caller left out.
func (m *IdentityMiddleware) complete(ctx context.Context, args transport.TxArgs) (wallet.SignRequest, error) {
	req := wallet.SignRequest{
		From:  *args.From,
		To:    args.To,
		Value: args.ValueOrZero(),
		Data:  args.Calldata(),
	}
	if args.Nonce != nil {
		req.Nonce = uint64(*args.Nonce)
	} else {
		n, err := m.upstream.PendingNonceAt(ctx, req.From)
		if err != nil {
			return req, fmt.Errorf("get nonce: %w", err)
		}
		req.Nonce = n
	}
	if args.GasPrice != nil {
		req.GasPrice = new(big.Int).Set(args.GasPrice.ToInt())
	} else {
		p, err := m.upstream.SuggestGasPrice(ctx)
		if err != nil {
			return req, fmt.Errorf("get gas price: %w", err)
		}
		req.GasPrice = p
	}
	if args.Gas != nil {
		req.Gas = uint64(*args.Gas)
	} else {
		g, err := m.upstream.EstimateGas(ctx, args)
		if err != nil {
			return req, fmt.Errorf("estimate gas: %w", err)
		}
		req.Gas = g
	}
	id, err := m.upstream.ChainID(ctx)
	if err != nil {
		return req, fmt.Errorf("get chain id: %w", err)
	}
	req.ChainID = id
	return req, nil
}
