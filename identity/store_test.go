package identity

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tolelom/idprovider/events"
	"github.com/tolelom/idprovider/internal/testutil"
)

func TestStoreTracksRegistry(t *testing.T) {
	db := testutil.NewMemDB()
	store := NewStore(db)
	ids, err := store.Load()
	if err != nil || ids != nil {
		t.Fatalf("empty store: got %v, %v", ids, err)
	}

	emitter := events.NewEmitter()
	r := NewRegistry(nil, emitter)
	store.Track(r, emitter)

	r.Merge([]common.Address{addrA})
	contract, _ := NewContractIdentity(addrC, addrA, MethodSender, "1")
	if err := r.Add(contract); err != nil {
		t.Fatal(err)
	}

	loaded, err := NewStore(db).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 || loaded[0] != contract || loaded[1] != NewKeyIdentity(addrA) {
		t.Errorf("loaded %v", loaded)
	}
}
