package transport

import (
	"context"
	"errors"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/tolelom/idprovider/internal/testutil"
)

var nodeAccount = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestClientBasicCalls(t *testing.T) {
	ctx := context.Background()
	node := testutil.NewNode(nodeAccount)
	c := NewClient(node)

	id, err := c.ChainID(ctx)
	if err != nil || id.Cmp(big.NewInt(1337)) != 0 {
		t.Fatalf("ChainID: %v %v", id, err)
	}
	price, err := c.SuggestGasPrice(ctx)
	if err != nil || price.Cmp(node.GasPrice) != 0 {
		t.Fatalf("SuggestGasPrice: %v %v", price, err)
	}
	accounts, err := c.Accounts(ctx)
	if err != nil || len(accounts) != 1 || accounts[0] != nodeAccount {
		t.Fatalf("Accounts: %v %v", accounts, err)
	}
	gas, err := c.EstimateGas(ctx, TxArgs{From: Address(nodeAccount)})
	if err != nil || gas != 21_000 {
		t.Fatalf("EstimateGas: %d %v", gas, err)
	}
}

func TestChainIDIsCached(t *testing.T) {
	ctx := context.Background()
	node := testutil.NewNode(nodeAccount)
	c := NewClient(node)
	for i := 0; i < 3; i++ {
		if id, err := c.ChainID(ctx); err != nil || id.Int64() != 1337 {
			t.Fatalf("ChainID: %v %v", id, err)
		}
	}
	if n := node.Calls("eth_chainId"); n != 1 {
		t.Errorf("eth_chainId calls: got %d want 1", n)
	}

	id, _ := c.ChainID(ctx)
	id.SetInt64(1)
	if again, _ := c.ChainID(ctx); again.Int64() != 1337 {
		t.Errorf("cached chain id was mutated through a returned value: %s", again)
	}

	pinned := NewClient(node, WithChainID(big.NewInt(5)))
	if id, err := pinned.ChainID(ctx); err != nil || id.Int64() != 5 {
		t.Errorf("pinned ChainID: %v %v", id, err)
	}
	if n := node.Calls("eth_chainId"); n != 1 {
		t.Errorf("pinned client asked the node: %d calls", n)
	}
}

func TestSendTransactionAndReceipt(t *testing.T) {
	ctx := context.Background()
	node := testutil.NewNode(nodeAccount)
	c := NewClient(node)

	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	hash, err := c.SendTransaction(ctx, TxArgs{From: Address(nodeAccount), To: &to, Value: Big(big.NewInt(5))})
	if err != nil {
		t.Fatalf("SendTransaction: %v", err)
	}
	r, err := c.TransactionReceipt(ctx, hash)
	if err != nil {
		t.Fatalf("TransactionReceipt: %v", err)
	}
	if r != nil {
		t.Fatal("receipt should be absent before mining")
	}

	node.Mine()
	r, err = c.TransactionReceipt(ctx, hash)
	if err != nil || r == nil {
		t.Fatalf("TransactionReceipt after mining: %v %v", r, err)
	}
	if r.TxHash != hash {
		t.Errorf("receipt hash: got %s want %s", r.TxHash, hash)
	}
	nonce, err := c.PendingNonceAt(ctx, nodeAccount)
	if err != nil || nonce != 1 {
		t.Errorf("PendingNonceAt: %d %v", nonce, err)
	}
}

func TestSendRawTransactionDeploysCode(t *testing.T) {
	ctx := context.Background()
	node := testutil.NewNode()
	node.AutoMine = true
	c := NewClient(node)

	key, _ := crypto.GenerateKey()
	from := crypto.PubkeyToAddress(key.PublicKey)
	code := []byte{0x60, 0x00, 0x60, 0x00}
	tx, err := types.SignNewTx(key, types.NewEIP155Signer(node.ChainID), &types.LegacyTx{
		Gas:      100_000,
		GasPrice: big.NewInt(1),
		Data:     code,
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := tx.MarshalBinary()
	hash, err := c.SendRawTransaction(ctx, raw)
	if err != nil {
		t.Fatalf("SendRawTransaction: %v", err)
	}
	r, err := c.TransactionReceipt(ctx, hash)
	if err != nil || r == nil {
		t.Fatalf("receipt: %v %v", r, err)
	}
	want := crypto.CreateAddress(from, 0)
	if r.ContractAddress != want {
		t.Fatalf("contract address: got %s want %s", r.ContractAddress, want)
	}
	got, err := c.CodeAt(ctx, want)
	if err != nil || string(got) != string(code) {
		t.Errorf("CodeAt: %x %v", got, err)
	}
}

func TestTransactionReceiptsBatch(t *testing.T) {
	ctx := context.Background()
	node := testutil.NewNode(nodeAccount)
	c := NewClient(node)

	mined, err := c.SendTransaction(ctx, TxArgs{From: Address(nodeAccount), To: Address(nodeAccount)})
	if err != nil {
		t.Fatal(err)
	}
	node.Mine()
	missing := common.HexToHash("0x01")

	receipts, err := c.TransactionReceipts(ctx, []common.Hash{missing, mined})
	if err != nil {
		t.Fatalf("TransactionReceipts: %v", err)
	}
	if receipts[0] != nil {
		t.Error("unknown hash should have no receipt")
	}
	if receipts[1] == nil || receipts[1].TxHash != mined {
		t.Errorf("mined receipt: %+v", receipts[1])
	}
	if n := node.Calls("batch"); n != 1 {
		t.Errorf("batch calls: got %d want 1", n)
	}
}

func TestIsMethodNotFound(t *testing.T) {
	node := testutil.NewNode()
	err := node.CallContext(context.Background(), nil, "eth_nope")
	if !IsMethodNotFound(err) {
		t.Errorf("expected method not found, got %v", err)
	}
	if IsMethodNotFound(errors.New("plain")) {
		t.Error("plain error is not method not found")
	}
}

func waitHash(t *testing.T, ch <-chan common.Hash, want common.Hash) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case h := <-ch:
			if h == want {
				return
			}
		case <-timeout:
			t.Fatalf("block %s not delivered", want)
		}
	}
}

func TestSubscribeNewBlocksFilter(t *testing.T) {
	node := testutil.NewNode()
	c := NewClient(node, WithPollInterval(5*time.Millisecond))

	ch := make(chan common.Hash, 16)
	sub, err := c.SubscribeNewBlocks(context.Background(), func(h common.Hash) { ch <- h })
	if err != nil {
		t.Fatalf("SubscribeNewBlocks: %v", err)
	}
	if node.Filters() != 1 {
		t.Fatalf("filters: got %d want 1", node.Filters())
	}
	waitHash(t, ch, node.Mine())

	sub.Unsubscribe()
	if node.Filters() != 0 {
		t.Errorf("filter should be uninstalled, %d left", node.Filters())
	}
}

func TestSubscribeNewBlocksFallback(t *testing.T) {
	node := testutil.NewNode()
	node.NoFilters = true
	c := NewClient(node, WithPollInterval(5*time.Millisecond))

	ch := make(chan common.Hash, 16)
	sub, err := c.SubscribeNewBlocks(context.Background(), func(h common.Hash) { ch <- h })
	if err != nil {
		t.Fatalf("SubscribeNewBlocks: %v", err)
	}
	defer sub.Unsubscribe()
	waitHash(t, ch, node.Mine())
}

type chainService struct{}

func (chainService) ChainId() *hexutil.Big { return (*hexutil.Big)(big.NewInt(7)) }

func TestDial(t *testing.T) {
	srv := rpc.NewServer()
	if err := srv.RegisterName("eth", chainService{}); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()
	hs := httptest.NewServer(srv)
	defer hs.Close()

	client, err := Dial(context.Background(), hs.URL)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	id, err := NewClient(client).ChainID(context.Background())
	if err != nil || id.Int64() != 7 {
		t.Errorf("ChainID: %v %v", id, err)
	}
}

func TestDialCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Dial(ctx, "http://127.0.0.1:1"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
