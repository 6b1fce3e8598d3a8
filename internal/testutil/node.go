package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

// RPCError is a JSON-RPC error returned by Node.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string  { return e.Message }
func (e *RPCError) ErrorCode() int { return e.Code }

// SentTx is a transaction accepted by Node together with its sender.
type SentTx struct {
	Tx     *types.Transaction
	From   common.Address
	Signed bool
}

// Node is an in-memory Ethereum JSON-RPC node. It implements the
// go-ethereum rpc client surface (CallContext, BatchCallContext).
type Node struct {
	ChainID      *big.Int
	GasPrice     *big.Int
	EstimatedGas uint64
	// AutoMine includes every accepted transaction in a new block at once.
	AutoMine bool
	// NoFilters makes eth_newBlockFilter answer "method not found".
	NoFilters bool
	// EmptyDeploy stores no code for contract creations, as when a
	// deployment runs out of gas.
	EmptyDeploy bool
	// RejectSend fails every submission with this error.
	RejectSend error

	mu       sync.Mutex
	accounts []common.Address
	nonces   map[common.Address]uint64
	pending  []SentTx
	sent     []SentTx
	receipts map[common.Hash]*types.Receipt
	code     map[common.Address][]byte
	blocks   []common.Hash
	filters  map[string]int
	nextID   int
	calls    map[string]int
}

// NewNode creates a node on chain 1337 whose own unlocked accounts are
// accounts.
func NewNode(accounts ...common.Address) *Node {
	return &Node{
		ChainID:      big.NewInt(1337),
		GasPrice:     big.NewInt(1_000_000_000),
		EstimatedGas: 21_000,
		accounts:     accounts,
		nonces:       make(map[common.Address]uint64),
		receipts:     make(map[common.Hash]*types.Receipt),
		code:         make(map[common.Address][]byte),
		blocks:       []common.Hash{blockHash(0)},
		filters:      make(map[string]int),
		calls:        make(map[string]int),
	}
}

// Calls returns how often method was called.
func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

// Sent returns every accepted transaction in submission order.
func (n *Node) Sent() []SentTx {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]SentTx, len(n.sent))
	copy(out, n.sent)
	return out
}

// Filters returns the number of installed block filters.
func (n *Node) Filters() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.filters)
}

// SetCode installs code at addr.
func (n *Node) SetCode(addr common.Address, code []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.code[addr] = code
}

// Mine includes all pending transactions in a new block and returns its
// hash. An empty block is produced when nothing is pending.
func (n *Node) Mine() common.Hash {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mineLocked()
}

func (n *Node) mineLocked() common.Hash {
	number := uint64(len(n.blocks))
	hash := blockHash(number)
	n.blocks = append(n.blocks, hash)
	for i, s := range n.pending {
		r := &types.Receipt{
			Type:              s.Tx.Type(),
			Status:            types.ReceiptStatusSuccessful,
			CumulativeGasUsed: s.Tx.Gas(),
			Logs:              []*types.Log{},
			TxHash:            s.Tx.Hash(),
			GasUsed:           s.Tx.Gas(),
			EffectiveGasPrice: s.Tx.GasPrice(),
			BlockHash:         hash,
			BlockNumber:       new(big.Int).SetUint64(number),
			TransactionIndex:  uint(i),
		}
		if s.Tx.To() == nil {
			r.ContractAddress = crypto.CreateAddress(s.From, s.Tx.Nonce())
			if !n.EmptyDeploy {
				n.code[r.ContractAddress] = common.CopyBytes(s.Tx.Data())
			}
		}
		n.receipts[r.TxHash] = r
	}
	n.pending = nil
	return hash
}

func blockHash(number uint64) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("block-%d", number)))
}

// CallContext dispatches a JSON-RPC call to the node.
func (n *Node) CallContext(ctx context.Context, result any, method string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params, err := json.Marshal(args)
	if err != nil {
		return err
	}
	if args == nil {
		params = []byte("[]")
	}
	out, err := n.call(method, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

// BatchCallContext runs each element as an individual call.
func (n *Node) BatchCallContext(ctx context.Context, b []rpc.BatchElem) error {
	n.mu.Lock()
	n.calls["batch"]++
	n.mu.Unlock()
	for i := range b {
		b[i].Error = n.CallContext(ctx, b[i].Result, b[i].Method, b[i].Args...)
	}
	return nil
}

func (n *Node) call(method string, params json.RawMessage) (any, error) {
	var p []json.RawMessage
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: -32602, Message: err.Error()}
	}
	arg := func(i int, v any) error {
		if i >= len(p) {
			return &RPCError{Code: -32602, Message: fmt.Sprintf("missing param %d", i)}
		}
		if err := json.Unmarshal(p[i], v); err != nil {
			return &RPCError{Code: -32602, Message: err.Error()}
		}
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[method]++

	switch method {
	case "eth_chainId":
		return (*hexutil.Big)(n.ChainID), nil
	case "eth_gasPrice":
		return (*hexutil.Big)(n.GasPrice), nil
	case "eth_blockNumber":
		return hexutil.Uint64(len(n.blocks) - 1), nil
	case "eth_getBlockByNumber":
		last := len(n.blocks) - 1
		return map[string]any{"hash": n.blocks[last], "number": hexutil.Uint64(last)}, nil
	case "eth_accounts":
		out := make([]common.Address, len(n.accounts))
		copy(out, n.accounts)
		return out, nil
	case "eth_getTransactionCount":
		var addr common.Address
		if err := arg(0, &addr); err != nil {
			return nil, err
		}
		return hexutil.Uint64(n.nonces[addr]), nil
	case "eth_estimateGas":
		return hexutil.Uint64(n.EstimatedGas), nil
	case "eth_getCode":
		var addr common.Address
		if err := arg(0, &addr); err != nil {
			return nil, err
		}
		return hexutil.Bytes(n.code[addr]), nil
	case "eth_getTransactionReceipt":
		var h common.Hash
		if err := arg(0, &h); err != nil {
			return nil, err
		}
		r, ok := n.receipts[h]
		if !ok {
			return nil, nil
		}
		return r, nil
	case "eth_sendRawTransaction":
		var raw hexutil.Bytes
		if err := arg(0, &raw); err != nil {
			return nil, err
		}
		return n.acceptRaw(raw)
	case "eth_sendTransaction":
		var args struct {
			From     common.Address  `json:"from"`
			To       *common.Address `json:"to"`
			Gas      *hexutil.Uint64 `json:"gas"`
			GasPrice *hexutil.Big    `json:"gasPrice"`
			Value    *hexutil.Big    `json:"value"`
			Data     hexutil.Bytes   `json:"data"`
		}
		if err := arg(0, &args); err != nil {
			return nil, err
		}
		return n.acceptUnsigned(args.From, args.To, args.Gas, args.GasPrice, args.Value, args.Data)
	case "eth_newBlockFilter":
		if n.NoFilters {
			return nil, &RPCError{Code: -32601, Message: "the method eth_newBlockFilter does not exist/is not available"}
		}
		n.nextID++
		id := hexutil.EncodeUint64(uint64(n.nextID))
		n.filters[id] = len(n.blocks)
		return id, nil
	case "eth_getFilterChanges":
		var id string
		if err := arg(0, &id); err != nil {
			return nil, err
		}
		seen, ok := n.filters[id]
		if !ok {
			return nil, &RPCError{Code: -32000, Message: "filter not found"}
		}
		changes := append([]common.Hash{}, n.blocks[seen:]...)
		n.filters[id] = len(n.blocks)
		return changes, nil
	case "eth_uninstallFilter":
		var id string
		if err := arg(0, &id); err != nil {
			return nil, err
		}
		_, ok := n.filters[id]
		delete(n.filters, id)
		return ok, nil
	default:
		return nil, &RPCError{Code: -32601, Message: fmt.Sprintf("the method %s does not exist/is not available", method)}
	}
}

func (n *Node) acceptRaw(raw []byte) (any, error) {
	if n.RejectSend != nil {
		return nil, &RPCError{Code: -32000, Message: n.RejectSend.Error()}
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, &RPCError{Code: -32602, Message: err.Error()}
	}
	from, err := types.Sender(types.LatestSignerForChainID(n.ChainID), tx)
	if err != nil {
		return nil, &RPCError{Code: -32000, Message: "invalid sender: " + err.Error()}
	}
	if tx.Nonce() != n.nonces[from] {
		return nil, &RPCError{Code: -32000, Message: fmt.Sprintf("nonce too low: have %d want %d", tx.Nonce(), n.nonces[from])}
	}
	n.record(SentTx{Tx: tx, From: from, Signed: true})
	return tx.Hash(), nil
}

func (n *Node) acceptUnsigned(from common.Address, to *common.Address, gas *hexutil.Uint64, gasPrice, value *hexutil.Big, data []byte) (any, error) {
	if n.RejectSend != nil {
		return nil, &RPCError{Code: -32000, Message: n.RejectSend.Error()}
	}
	unlocked := false
	for _, a := range n.accounts {
		if a == from {
			unlocked = true
		}
	}
	if !unlocked {
		return nil, &RPCError{Code: -32000, Message: "unknown account"}
	}
	inner := &types.LegacyTx{
		Nonce:    n.nonces[from],
		To:       to,
		Gas:      n.EstimatedGas,
		GasPrice: new(big.Int).Set(n.GasPrice),
		Value:    new(big.Int),
		Data:     data,
	}
	if gas != nil {
		inner.Gas = uint64(*gas)
	}
	if gasPrice != nil {
		inner.GasPrice = gasPrice.ToInt()
	}
	if value != nil {
		inner.Value = value.ToInt()
	}
	tx := types.NewTx(inner)
	n.record(SentTx{Tx: tx, From: from})
	return tx.Hash(), nil
}

func (n *Node) record(s SentTx) {
	n.nonces[s.From]++
	n.sent = append(n.sent, s)
	n.pending = append(n.pending, s)
	if n.AutoMine {
		n.mineLocked()
	}
}
