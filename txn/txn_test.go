package txn

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tolelom/idprovider/internal/testutil"
	"github.com/tolelom/idprovider/receipt"
	"github.com/tolelom/idprovider/transport"
)

type recordingBackend struct {
	receipt.Backend
	sent      []transport.TxArgs
	estimates int
	sendErr   error
}

func (b *recordingBackend) SendTransaction(_ context.Context, args transport.TxArgs) (common.Hash, error) {
	if b.sendErr != nil {
		return common.Hash{}, b.sendErr
	}
	b.sent = append(b.sent, args)
	return common.BigToHash(big.NewInt(int64(len(b.sent)))), nil
}

func (b *recordingBackend) EstimateGas(context.Context, transport.TxArgs) (uint64, error) {
	b.estimates++
	return 50_000, nil
}

var from = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestTransactSubmitsOptions(t *testing.T) {
	b := &recordingBackend{}
	tx := New(transport.TxArgs{From: transport.Address(from), Value: transport.Big(big.NewInt(3))}, nil)
	hash, err := tx.Transact(context.Background(), b)
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if hash != common.BigToHash(big.NewInt(1)) {
		t.Errorf("hash: got %s", hash)
	}
	if len(b.sent) != 1 || *b.sent[0].From != from || b.sent[0].Value.ToInt().Int64() != 3 {
		t.Errorf("sent: %+v", b.sent)
	}
}

func TestTransactOverrides(t *testing.T) {
	b := &recordingBackend{}
	tx := New(transport.TxArgs{From: transport.Address(from), Gas: transport.Uint64(1)}, nil)
	if _, err := tx.Transact(context.Background(), b, WithGas(99), WithGasPrice(big.NewInt(5)), WithValue(big.NewInt(7))); err != nil {
		t.Fatal(err)
	}
	got := b.sent[0]
	if uint64(*got.Gas) != 99 || got.GasPrice.ToInt().Int64() != 5 || got.Value.ToInt().Int64() != 7 {
		t.Errorf("overrides not applied: %+v", got)
	}
	if uint64(*tx.Options().Gas) != 1 {
		t.Error("overrides must not change the stored options")
	}
}

func TestMapChainRunsInOrderWithSingleSubmission(t *testing.T) {
	b := &recordingBackend{}
	var order []string
	base := New(transport.TxArgs{From: transport.Address(from)}, Gas(100))
	step1 := Map(base, func(_ context.Context, h common.Hash, _ Backend) (int, error) {
		order = append(order, "first")
		return int(h.Big().Int64()) + 10, nil
	})
	step2 := Map(step1, func(_ context.Context, v int, _ Backend) (string, error) {
		order = append(order, "second")
		if v != 11 {
			t.Errorf("second step got %d want 11", v)
		}
		return "done", nil
	})

	got, err := step2.Transact(context.Background(), b)
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if got != "done" {
		t.Errorf("result: %q", got)
	}
	if len(b.sent) != 1 {
		t.Errorf("submissions: got %d want 1", len(b.sent))
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order: %v", order)
	}
	if g, ok := step2.ExpectedGas(); !ok || g != 100 {
		t.Errorf("mapped transaction should keep expected gas, got %d %v", g, ok)
	}
}

func TestMapAssociativity(t *testing.T) {
	add := func(n int) func(context.Context, int, Backend) (int, error) {
		return func(_ context.Context, v int, _ Backend) (int, error) { return v + n, nil }
	}
	start := func(tx *Transaction[common.Hash]) *Transaction[int] {
		return Map(tx, func(context.Context, common.Hash, Backend) (int, error) { return 1, nil })
	}

	b1 := &recordingBackend{}
	left, err := Map(Map(start(New(transport.TxArgs{}, nil)), add(2)), add(3)).Transact(context.Background(), b1)
	if err != nil {
		t.Fatal(err)
	}
	b2 := &recordingBackend{}
	right, err := Map(start(New(transport.TxArgs{}, nil)), func(ctx context.Context, v int, b Backend) (int, error) {
		w, _ := add(2)(ctx, v, b)
		return add(3)(ctx, w, b)
	}).Transact(context.Background(), b2)
	if err != nil {
		t.Fatal(err)
	}
	if left != right || left != 6 {
		t.Errorf("left %d right %d want 6", left, right)
	}
	if len(b1.sent) != 1 || len(b2.sent) != 1 {
		t.Errorf("submissions: %d %d", len(b1.sent), len(b2.sent))
	}
}

func TestSubmissionFailureShortCircuits(t *testing.T) {
	cause := errors.New("insufficient funds")
	b := &recordingBackend{sendErr: cause}
	called := false
	tx := Map(New(transport.TxArgs{}, nil), func(context.Context, common.Hash, Backend) (int, error) {
		called = true
		return 0, nil
	})
	_, err := tx.Transact(context.Background(), b)
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("got %v want *SubmissionError", err)
	}
	if !errors.Is(err, cause) {
		t.Error("submission error should unwrap to the transport error")
	}
	if called {
		t.Error("mapped step ran after failed submission")
	}
}

func TestMappedStepErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	tx := Map(New(transport.TxArgs{}, nil), func(context.Context, common.Hash, Backend) (int, error) {
		return 0, boom
	})
	if _, err := tx.Transact(context.Background(), &recordingBackend{}); !errors.Is(err, boom) {
		t.Errorf("got %v want boom", err)
	}
}

func TestQuickestGasEstimate(t *testing.T) {
	b := &recordingBackend{}
	known := New(transport.TxArgs{}, Gas(188561))
	g, err := known.QuickestGasEstimate(context.Background(), b)
	if err != nil || g != 188561 {
		t.Errorf("known: %d %v", g, err)
	}
	if b.estimates != 0 {
		t.Error("expected gas should skip the node estimate")
	}

	unknown := New(transport.TxArgs{}, nil)
	g, err = unknown.QuickestGasEstimate(context.Background(), b)
	if err != nil || g != 50_000 {
		t.Errorf("unknown: %d %v", g, err)
	}
	if b.estimates != 1 {
		t.Errorf("estimates: got %d want 1", b.estimates)
	}
	if _, err := known.EstimateGas(context.Background(), b); err != nil || b.estimates != 2 {
		t.Error("EstimateGas should always ask the node")
	}
}

func TestMapWaitsForReceipt(t *testing.T) {
	node := testutil.NewNode(from)
	node.AutoMine = true
	c := transport.NewClient(node, transport.WithPollInterval(5*time.Millisecond))
	pool := receipt.NewPool()

	tx := Map(New(transport.TxArgs{From: transport.Address(from), To: transport.Address(from)}, nil),
		func(ctx context.Context, h common.Hash, b Backend) (uint64, error) {
			r, err := pool.WaitForReceipt(ctx, h, b)
			if err != nil {
				return 0, err
			}
			return r.BlockNumber.Uint64(), nil
		})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	block, err := tx.Transact(ctx, c)
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if block != 1 {
		t.Errorf("block: got %d want 1", block)
	}
}
