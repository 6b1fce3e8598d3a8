package receipt

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"

	"github.com/tolelom/idprovider/internal/testutil"
	"github.com/tolelom/idprovider/transport"
)

var account = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func newTestBackend() (*testutil.Node, *transport.Client) {
	node := testutil.NewNode(account)
	return node, transport.NewClient(node, transport.WithPollInterval(5*time.Millisecond))
}

func send(t *testing.T, c *transport.Client) common.Hash {
	t.Helper()
	h, err := c.SendTransaction(context.Background(), transport.TxArgs{From: transport.Address(account), To: transport.Address(account)})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWaitForReceiptResolvesOnNewBlock(t *testing.T) {
	node, c := newTestBackend()
	w := NewWatcher(c)
	hash := send(t, c)

	done := make(chan *types.Receipt, 1)
	go func() {
		r, err := w.WaitForReceipt(context.Background(), hash)
		if err != nil {
			t.Error(err)
		}
		done <- r
	}()
	eventually(t, "subscription", func() bool { return node.Filters() == 1 })
	node.Mine()

	select {
	case r := <-done:
		if r == nil || r.TxHash != hash {
			t.Fatalf("unexpected receipt %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receipt not delivered")
	}
	if w.Pending() != 0 {
		t.Errorf("pending: got %d want 0", w.Pending())
	}
	eventually(t, "subscription teardown", func() bool { return !w.Subscribed() && node.Filters() == 0 })
}

func TestWaitForReceiptAlreadyMined(t *testing.T) {
	node, c := newTestBackend()
	hash := send(t, c)
	node.Mine()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := NewWatcher(c).WaitForReceipt(ctx, hash)
	if err != nil {
		t.Fatalf("WaitForReceipt: %v", err)
	}
	if r.TxHash != hash {
		t.Errorf("receipt hash: got %s", r.TxHash)
	}
}

func TestConcurrentWaitsShareSubscription(t *testing.T) {
	node, c := newTestBackend()
	w := NewWatcher(c)
	h1 := send(t, c)
	h2 := send(t, c)

	var wg sync.WaitGroup
	for _, h := range []common.Hash{h1, h1, h2} {
		wg.Add(1)
		go func(h common.Hash) {
			defer wg.Done()
			r, err := w.WaitForReceipt(context.Background(), h)
			if err != nil || r.TxHash != h {
				t.Errorf("wait %s: %v %v", h, r, err)
			}
		}(h)
	}
	eventually(t, "waits registered", func() bool { return w.Pending() == 2 })
	time.Sleep(20 * time.Millisecond)
	node.Mine()
	wg.Wait()

	if n := node.Calls("eth_newBlockFilter"); n != 1 {
		t.Errorf("block subscriptions: got %d want 1", n)
	}
}

func TestWaitForReceiptCancelled(t *testing.T) {
	node, c := newTestBackend()
	w := NewWatcher(c)
	hash := send(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := w.WaitForReceipt(ctx, hash)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v want deadline exceeded", err)
	}
	if w.Pending() != 0 {
		t.Errorf("abandoned wait still pending")
	}
	eventually(t, "subscription teardown", func() bool { return node.Filters() == 0 })
}

func TestResolvedReceiptsAreNotCached(t *testing.T) {
	node, c := newTestBackend()
	w := NewWatcher(c)
	hash := send(t, c)
	node.Mine()

	if _, err := w.WaitForReceipt(context.Background(), hash); err != nil {
		t.Fatal(err)
	}
	before := node.Calls("eth_getTransactionReceipt")
	if _, err := w.WaitForReceipt(context.Background(), hash); err != nil {
		t.Fatal(err)
	}
	if node.Calls("eth_getTransactionReceipt") <= before {
		t.Error("second wait should query the node again")
	}
}

func TestWaitForContract(t *testing.T) {
	for _, empty := range []bool{false, true} {
		node, c := newTestBackend()
		node.AutoMine = true
		node.EmptyDeploy = empty

		key, _ := crypto.GenerateKey()
		tx, _ := types.SignNewTx(key, types.NewEIP155Signer(node.ChainID), &types.LegacyTx{
			Gas:      200_000,
			GasPrice: big.NewInt(1),
			Data:     []byte{0x60, 0x80},
		})
		raw, _ := tx.MarshalBinary()
		hash, err := c.SendRawTransaction(context.Background(), raw)
		if err != nil {
			t.Fatal(err)
		}

		addr, err := NewWatcher(c).WaitForContract(context.Background(), hash)
		if empty {
			if !errors.Is(err, ErrNoContractCode) {
				t.Errorf("empty deploy: got %v want ErrNoContractCode", err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("WaitForContract: %v", err)
		}
		if want := crypto.CreateAddress(crypto.PubkeyToAddress(key.PublicKey), 0); addr != want {
			t.Errorf("address: got %s want %s", addr, want)
		}
	}
}

func TestWaitForContractNotCreation(t *testing.T) {
	node, c := newTestBackend()
	hash := send(t, c)
	node.Mine()
	if _, err := NewWatcher(c).WaitForContract(context.Background(), hash); !errors.Is(err, ErrNotCreation) {
		t.Errorf("got %v want ErrNotCreation", err)
	}
}

var errStalled = errors.New("upstream stalled")

// stalledBackend holds SubscribeNewBlocks until release is closed and then
// fails it.
type stalledBackend struct {
	*transport.Client
	release chan struct{}
}

func (b *stalledBackend) SubscribeNewBlocks(context.Context, func(common.Hash)) (event.Subscription, error) {
	<-b.release
	return nil, errStalled
}

// slowUnsubscribeBackend opens subscriptions whose Unsubscribe does not
// return until release is closed.
type slowUnsubscribeBackend struct {
	*transport.Client
	release chan struct{}
}

func (b *slowUnsubscribeBackend) SubscribeNewBlocks(context.Context, func(common.Hash)) (event.Subscription, error) {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		<-b.release
		return nil
	}), nil
}

func returnsWithin(t *testing.T, what string, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s still blocked after %v", what, d)
	}
}

func TestStalledSubscribeDoesNotBlockOtherWaits(t *testing.T) {
	_, c := newTestBackend()
	b := &stalledBackend{Client: c, release: make(chan struct{})}
	w := NewWatcher(b)

	first := make(chan error, 1)
	go func() {
		_, err := w.WaitForReceipt(context.Background(), common.Hash{1})
		first <- err
	}()
	eventually(t, "first wait registered", func() bool { return w.Pending() == 1 })

	returnsWithin(t, "second wait", time.Second, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		if _, err := w.WaitForReceipt(ctx, common.Hash{2}); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("second wait: got %v want deadline exceeded", err)
		}
	})
	returnsWithin(t, "Pending", time.Second, func() { w.Pending() })
	returnsWithin(t, "Subscribed", time.Second, func() { w.Subscribed() })

	close(b.release)
	select {
	case err := <-first:
		if !errors.Is(err, errStalled) {
			t.Errorf("first wait: got %v want %v", err, errStalled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first wait not failed after subscribe error")
	}
	if w.Pending() != 0 || w.Subscribed() {
		t.Errorf("after failed subscribe: pending %d subscribed %v", w.Pending(), w.Subscribed())
	}
}

func TestCancelledWaitDoesNotWaitForUnsubscribe(t *testing.T) {
	_, c := newTestBackend()
	b := &slowUnsubscribeBackend{Client: c, release: make(chan struct{})}
	defer close(b.release)
	w := NewWatcher(b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := w.WaitForReceipt(ctx, common.Hash{1})
		done <- err
	}()
	eventually(t, "subscription", w.Subscribed)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v want canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled wait blocked on Unsubscribe")
	}
	if w.Subscribed() {
		t.Error("subscription not detached after the last wait left")
	}
}

func TestPoolWatcherPerBackend(t *testing.T) {
	_, c1 := newTestBackend()
	_, c2 := newTestBackend()
	p := NewPool()
	if p.Watcher(c1) != p.Watcher(c1) {
		t.Error("same backend should share a watcher")
	}
	if p.Watcher(c1) == p.Watcher(c2) {
		t.Error("different backends should not share a watcher")
	}
}
