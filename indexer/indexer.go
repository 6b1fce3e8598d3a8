// Package indexer keeps per-address lists of the transactions the provider
// submitted, so operators can audit what each identity and signing key
// has sent without scanning the chain.
//
// Every submission is one key per address, suffixed with a sequence
// number, so a listing is a single prefix scan in submission order.
package indexer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tolelom/idprovider/events"
	"github.com/tolelom/idprovider/identity"
	"github.com/tolelom/idprovider/storage"
)

const (
	prefixIdentityTxs = "idx:identity:tx:"
	prefixSignerTxs   = "idx:signer:tx:"
	keySeq            = "idx:seq"
)

// Indexer subscribes to submission events and updates lookup tables.
type Indexer struct {
	mu     sync.Mutex
	db     storage.DB
	seq    uint64
	loaded bool
}

// New creates an Indexer backed by db and subscribes it to emitter.
func New(db storage.DB, emitter *events.Emitter) *Indexer {
	idx := &Indexer{db: db}
	emitter.Subscribe(events.EventTxSubmitted, idx.onTxSubmitted)
	return idx
}

// TransactionsBy returns the hashes submitted on behalf of the identity
// at addr, oldest first.
func (idx *Indexer) TransactionsBy(addr common.Address) ([]common.Hash, error) {
	return idx.scan(listPrefix(prefixIdentityTxs, identity.FormatAddress(addr)))
}

// TransactionsSignedBy returns the hashes signed by the key at addr,
// including those forwarded for contract identities.
func (idx *Indexer) TransactionsSignedBy(addr common.Address) ([]common.Hash, error) {
	return idx.scan(listPrefix(prefixSignerTxs, identity.FormatAddress(addr)))
}

func (idx *Indexer) onTxSubmitted(ev events.Event) {
	from, _ := ev.Data["identity"].(string)
	signer, _ := ev.Data["signer"].(string)
	hex, _ := ev.Data["hash"].(string)
	if from == "" || signer == "" || hex == "" {
		return
	}
	hash := common.HexToHash(hex)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	seq, err := idx.next()
	if err != nil {
		log.Error("Failed to index transaction", "hash", hash, "err", err)
		return
	}
	b := idx.db.NewBatch()
	b.Set(entryKey(prefixIdentityTxs, from, seq), hash.Bytes())
	b.Set(entryKey(prefixSignerTxs, signer, seq), hash.Bytes())
	b.Set([]byte(keySeq), binary.BigEndian.AppendUint64(nil, seq))
	if err := b.Write(); err != nil {
		log.Error("Failed to index transaction", "hash", hash, "err", err)
		return
	}
	idx.seq = seq
}

// next returns the sequence number for the next submission, reading the
// last one stored on first use.
func (idx *Indexer) next() (uint64, error) {
	if !idx.loaded {
		data, err := idx.db.Get([]byte(keySeq))
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return 0, err
		case len(data) != 8:
			return 0, fmt.Errorf("indexer sequence: bad length %d", len(data))
		default:
			idx.seq = binary.BigEndian.Uint64(data)
		}
		idx.loaded = true
	}
	return idx.seq + 1, nil
}

// ---- key helpers ----

func listPrefix(prefix, addr string) []byte {
	return []byte(prefix + addr + ":")
}

func entryKey(prefix, addr string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(listPrefix(prefix, addr), seq)
}

func (idx *Indexer) scan(prefix []byte) ([]common.Hash, error) {
	it := idx.db.NewIterator(prefix)
	defer it.Release()
	var hashes []common.Hash
	for it.Next() {
		if len(it.Value()) != common.HashLength {
			return nil, fmt.Errorf("indexer entry %x: bad value length %d", it.Key(), len(it.Value()))
		}
		hashes = append(hashes, common.BytesToHash(it.Value()))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return hashes, nil
}
