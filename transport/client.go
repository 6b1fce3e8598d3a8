package transport

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client issues typed eth_* calls over a Caller.
type Client struct {
	c            Caller
	pollInterval time.Duration

	mu      sync.Mutex
	chainID *big.Int
}

// Option configures a Client.
type Option func(*Client)

// WithPollInterval sets how often block subscriptions poll the node.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithChainID answers ChainID with id instead of asking the node. A nil
// id is ignored.
func WithChainID(id *big.Int) Option {
	return func(c *Client) {
		if id != nil {
			c.chainID = new(big.Int).Set(id)
		}
	}
}

// NewClient wraps c.
func NewClient(c Caller, opts ...Option) *Client {
	cl := &Client{c: c, pollInterval: DefaultPollInterval}
	for _, o := range opts {
		o(cl)
	}
	return cl
}

// Caller returns the underlying RPC handle.
func (c *Client) Caller() Caller { return c.c }

// ChainID returns the chain id used for replay-protected signing. The
// node is asked once; later calls return the cached value.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID == nil {
		var id hexutil.Big
		if err := c.c.CallContext(ctx, &id, "eth_chainId"); err != nil {
			return nil, err
		}
		c.chainID = (*big.Int)(&id)
	}
	return new(big.Int).Set(c.chainID), nil
}

// PendingNonceAt returns the next nonce for account, counting pending
// transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var n hexutil.Uint64
	if err := c.c.CallContext(ctx, &n, "eth_getTransactionCount", account, "pending"); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// SuggestGasPrice returns the node's gas price suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var p hexutil.Big
	if err := c.c.CallContext(ctx, &p, "eth_gasPrice"); err != nil {
		return nil, err
	}
	return (*big.Int)(&p), nil
}

// EstimateGas simulates args without submitting them.
func (c *Client) EstimateGas(ctx context.Context, args TxArgs) (uint64, error) {
	var gas hexutil.Uint64
	if err := c.c.CallContext(ctx, &gas, "eth_estimateGas", args); err != nil {
		return 0, err
	}
	return uint64(gas), nil
}

// SendTransaction submits unsigned fields for the handle to sign.
func (c *Client) SendTransaction(ctx context.Context, args TxArgs) (common.Hash, error) {
	var hash common.Hash
	if err := c.c.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// SendRawTransaction submits a signed, encoded transaction.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var hash common.Hash
	if err := c.c.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Bytes(raw)); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// TransactionReceipt returns the receipt of hash, or nil if the
// transaction has not been included yet.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var r *types.Receipt
	if err := c.c.CallContext(ctx, &r, "eth_getTransactionReceipt", hash); err != nil {
		return nil, err
	}
	return r, nil
}

// TransactionReceipts fetches the receipts of hashes in one batch call.
// Entries are nil for transactions that have not been included yet.
func (c *Client) TransactionReceipts(ctx context.Context, hashes []common.Hash) ([]*types.Receipt, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	receipts := make([]*types.Receipt, len(hashes))
	batch := make([]rpc.BatchElem, len(hashes))
	for i, h := range hashes {
		batch[i] = rpc.BatchElem{
			Method: "eth_getTransactionReceipt",
			Args:   []any{h},
			Result: &receipts[i],
		}
	}
	if err := c.c.BatchCallContext(ctx, batch); err != nil {
		return nil, err
	}
	for i, el := range batch {
		if errors.Is(el.Error, rpc.ErrNoResult) {
			receipts[i] = nil
			continue
		}
		if el.Error != nil {
			return nil, fmt.Errorf("receipt %s: %w", hashes[i].Hex(), el.Error)
		}
	}
	return receipts, nil
}

// CodeAt returns the code deployed at addr in the latest block.
func (c *Client) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var code hexutil.Bytes
	if err := c.c.CallContext(ctx, &code, "eth_getCode", addr, "latest"); err != nil {
		return nil, err
	}
	return code, nil
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := c.c.CallContext(ctx, &n, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// Accounts lists the addresses the handle can sign for.
func (c *Client) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := c.c.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, err
	}
	return accounts, nil
}

// IsMethodNotFound reports whether err is a JSON-RPC "method not found"
// error from the node.
func IsMethodNotFound(err error) bool {
	var rerr rpc.Error
	return errors.As(err, &rerr) && rerr.ErrorCode() == -32601
}
