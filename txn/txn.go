// Package txn describes a transaction to submit together with a chain of
// follow-up steps to run on its result, without sending anything until
// Transact is called.
package txn

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tolelom/idprovider/receipt"
	"github.com/tolelom/idprovider/transport"
)

// Backend submits and simulates transactions and can be watched for
// receipts.
type Backend interface {
	SendTransaction(ctx context.Context, args transport.TxArgs) (common.Hash, error)
	EstimateGas(ctx context.Context, args transport.TxArgs) (uint64, error)
	receipt.Backend
}

// SubmissionError is returned when the node rejects the submission.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string { return "submit transaction: " + e.Err.Error() }
func (e *SubmissionError) Unwrap() error { return e.Err }

// Override adjusts the submitted options of a single Transact call.
type Override func(*transport.TxArgs)

// WithGas sets the gas limit.
func WithGas(gas uint64) Override {
	return func(a *transport.TxArgs) { a.Gas = transport.Uint64(gas) }
}

// WithGasPrice sets the gas price.
func WithGasPrice(price *big.Int) Override {
	return func(a *transport.TxArgs) { a.GasPrice = transport.Big(new(big.Int).Set(price)) }
}

// WithValue sets the transferred value.
func WithValue(v *big.Int) Override {
	return func(a *transport.TxArgs) { a.Value = transport.Big(new(big.Int).Set(v)) }
}

// Transaction is a submittable transaction whose result is a T.
type Transaction[T any] struct {
	options     transport.TxArgs
	expectedGas *uint64
	run         func(ctx context.Context, b Backend, overrides []Override) (T, error)
}

// New returns a transaction that submits opts and yields the transaction
// hash. expectedGas, when set, is a precomputed gas usage that spares a
// node estimate.
func New(opts transport.TxArgs, expectedGas *uint64) *Transaction[common.Hash] {
	t := &Transaction[common.Hash]{options: opts.Copy()}
	if expectedGas != nil {
		g := *expectedGas
		t.expectedGas = &g
	}
	t.run = t.submit
	return t
}

// Gas returns a pointer to g, for New.
func Gas(g uint64) *uint64 { return &g }

func (t *Transaction[T]) submit(ctx context.Context, b Backend, overrides []Override) (common.Hash, error) {
	args := t.options.Copy()
	for _, o := range overrides {
		o(&args)
	}
	hash, err := b.SendTransaction(ctx, args)
	if err != nil {
		return common.Hash{}, &SubmissionError{Err: err}
	}
	return hash, nil
}

// Map returns a transaction that, once t has produced its value, passes it
// to fn. Options and expected gas are shared with t, and a failure of t
// skips fn.
func Map[T, U any](t *Transaction[T], fn func(ctx context.Context, v T, b Backend) (U, error)) *Transaction[U] {
	inner := t.run
	return &Transaction[U]{
		options:     t.options,
		expectedGas: t.expectedGas,
		run: func(ctx context.Context, b Backend, overrides []Override) (U, error) {
			v, err := inner(ctx, b, overrides)
			if err != nil {
				var zero U
				return zero, err
			}
			return fn(ctx, v, b)
		},
	}
}

// Transact submits the transaction through b and runs any mapped steps.
func (t *Transaction[T]) Transact(ctx context.Context, b Backend, overrides ...Override) (T, error) {
	return t.run(ctx, b, overrides)
}

// Options returns a copy of the submitted options.
func (t *Transaction[T]) Options() transport.TxArgs {
	return t.options.Copy()
}

// ExpectedGas returns the precomputed gas usage, if any.
func (t *Transaction[T]) ExpectedGas() (uint64, bool) {
	if t.expectedGas == nil {
		return 0, false
	}
	return *t.expectedGas, true
}

// EstimateGas asks the node to simulate the options.
func (t *Transaction[T]) EstimateGas(ctx context.Context, b Backend) (uint64, error) {
	gas, err := b.EstimateGas(ctx, t.options.Copy())
	if err != nil {
		return 0, fmt.Errorf("estimate gas: %w", err)
	}
	return gas, nil
}

// QuickestGasEstimate returns the expected gas when known and a node
// estimate otherwise.
func (t *Transaction[T]) QuickestGasEstimate(ctx context.Context, b Backend) (uint64, error) {
	if g, ok := t.ExpectedGas(); ok {
		return g, nil
	}
	return t.EstimateGas(ctx, b)
}
