// Package transport talks JSON-RPC to an Ethereum-style node. It works
// over anything with the go-ethereum rpc client surface, including the
// in-process middleware engine.
package transport

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Caller is the subset of *rpc.Client the transport needs.
type Caller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

// TxArgs are the unsigned transaction fields of eth_sendTransaction and
// eth_estimateGas.
type TxArgs struct {
	From     *common.Address `json:"from,omitempty"`
	To       *common.Address `json:"to,omitempty"`
	Gas      *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice *hexutil.Big    `json:"gasPrice,omitempty"`
	Value    *hexutil.Big    `json:"value,omitempty"`
	Nonce    *hexutil.Uint64 `json:"nonce,omitempty"`
	Data     *hexutil.Bytes  `json:"data,omitempty"`
	// Input is accepted as an alias of Data; Data wins when both are set.
	Input *hexutil.Bytes `json:"input,omitempty"`
}

// Calldata returns the call payload, preferring Data over Input.
func (a *TxArgs) Calldata() []byte {
	if a.Data != nil {
		return *a.Data
	}
	if a.Input != nil {
		return *a.Input
	}
	return nil
}

// ValueOrZero returns the transferred value, zero when unset.
func (a *TxArgs) ValueOrZero() *big.Int {
	if a.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.Value.ToInt())
}

// Copy returns a deep copy of a.
func (a TxArgs) Copy() TxArgs {
	out := TxArgs{}
	if a.From != nil {
		v := *a.From
		out.From = &v
	}
	if a.To != nil {
		v := *a.To
		out.To = &v
	}
	if a.Gas != nil {
		v := *a.Gas
		out.Gas = &v
	}
	if a.GasPrice != nil {
		out.GasPrice = (*hexutil.Big)(new(big.Int).Set(a.GasPrice.ToInt()))
	}
	if a.Value != nil {
		out.Value = (*hexutil.Big)(new(big.Int).Set(a.Value.ToInt()))
	}
	if a.Nonce != nil {
		v := *a.Nonce
		out.Nonce = &v
	}
	if a.Data != nil {
		v := hexutil.Bytes(common.CopyBytes(*a.Data))
		out.Data = &v
	}
	if a.Input != nil {
		v := hexutil.Bytes(common.CopyBytes(*a.Input))
		out.Input = &v
	}
	return out
}

// Address returns a pointer to a copy of addr, for filling TxArgs.
func Address(addr common.Address) *common.Address { return &addr }

// Uint64 returns v as a *hexutil.Uint64.
func Uint64(v uint64) *hexutil.Uint64 { return (*hexutil.Uint64)(&v) }

// Big returns v as a *hexutil.Big.
func Big(v *big.Int) *hexutil.Big { return (*hexutil.Big)(v) }

// Bytes returns a pointer to a copy of b as hexutil.Bytes.
func Bytes(b []byte) *hexutil.Bytes {
	v := hexutil.Bytes(common.CopyBytes(b))
	return &v
}
