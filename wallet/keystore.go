// Package wallet keeps the password-protected secp256k1 keys that key
// identities sign with.
package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
	"lukechampine.com/frand"

	"github.com/tolelom/idprovider/events"
	"github.com/tolelom/idprovider/storage"
)

var (
	ErrWrongPassword = errors.New("wrong password or corrupted keystore")
	ErrNotCreated    = errors.New("keystore has not been created")
	ErrUnknownKey    = errors.New("no key for address")
	ErrKeyExists     = errors.New("key already in keystore")
)

// DefaultIterations is the pbkdf2 work factor for new keystores.
const DefaultIterations = 210_000

var (
	metaKey      = []byte("keystore:meta")
	addressesKey = []byte("keystore:addresses")
	recordPrefix = "keystore:key:"
)

// KeyMaterial is the symmetric key derived from the keystore password.
type KeyMaterial []byte

type keystoreMeta struct {
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
	Check      string `json:"check"`
}

type keyRecord struct {
	ID         string         `json:"id"`
	Address    common.Address `json:"address"`
	Nonce      string         `json:"nonce"`
	CipherText string         `json:"cipher_text"`
	Created    time.Time      `json:"created"`
}

// Keystore stores encrypted keys in a storage.DB. All keys share one
// salt, so a single derived KeyMaterial unlocks every key.
type Keystore struct {
	mu         sync.Mutex
	db         storage.DB
	emitter    *events.Emitter
	iterations int
}

// KeystoreOption configures a Keystore.
type KeystoreOption func(*Keystore)

// WithIterations sets the pbkdf2 work factor used when the keystore is
// first created. Existing keystores keep the factor they were created with.
func WithIterations(n int) KeystoreOption {
	return func(k *Keystore) { k.iterations = n }
}

// WithEmitter announces created and imported keys on e.
func WithEmitter(e *events.Emitter) KeystoreOption {
	return func(k *Keystore) { k.emitter = e }
}

// NewKeystore opens the keystore kept in db.
func NewKeystore(db storage.DB, opts ...KeystoreOption) *Keystore {
	k := &Keystore{db: db, iterations: DefaultIterations}
	for _, o := range opts {
		o(k)
	}
	return k
}

// DeriveSigningKey derives the key material for password. The first call
// on an empty store creates the keystore with a fresh salt; later calls
// verify the password against it.
func (k *Keystore) DeriveSigningKey(password string) (KeyMaterial, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	meta, err := k.loadMeta()
	if errors.Is(err, ErrNotCreated) {
		salt := frand.Bytes(16)
		key := deriveKey(password, salt, k.iterations)
		meta = &keystoreMeta{
			Salt:       hex.EncodeToString(salt),
			Iterations: k.iterations,
			Check:      hex.EncodeToString(checkValue(key)),
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		if err := k.db.Set(metaKey, data); err != nil {
			return nil, fmt.Errorf("save keystore: %w", err)
		}
		log.Info("Created keystore", "iterations", k.iterations)
		return key, nil
	}
	if err != nil {
		return nil, err
	}
	salt, err := hex.DecodeString(meta.Salt)
	if err != nil {
		return nil, fmt.Errorf("keystore salt: %w", err)
	}
	key := deriveKey(password, salt, meta.Iterations)
	if err := k.verify(meta, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Addresses lists the keystore's addresses in creation order.
func (k *Keystore) Addresses() ([]common.Address, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.addresses()
}

// NewAddress generates and stores a new key.
func (k *Keystore) NewAddress(key KeyMaterial) (common.Address, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, err
	}
	return k.ImportKey(priv, key)
}

// ImportKey encrypts priv under key and stores it.
func (k *Keystore) ImportKey(priv *ecdsa.PrivateKey, key KeyMaterial) (common.Address, error) {
	k.mu.Lock()
	addr, err := k.importKey(priv, key)
	k.mu.Unlock()
	if err != nil {
		return common.Address{}, err
	}
	log.Info("Stored new key", "address", addr)
	k.emitter.Emit(events.Event{
		Type: events.EventKeyCreated,
		Data: map[string]any{"address": strings.ToLower(addr.Hex())},
	})
	return addr, nil
}

func (k *Keystore) importKey(priv *ecdsa.PrivateKey, key KeyMaterial) (common.Address, error) {
	if err := k.checkKey(key); err != nil {
		return common.Address{}, err
	}
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	addrs, err := k.addresses()
	if err != nil {
		return common.Address{}, err
	}
	for _, a := range addrs {
		if a == addr {
			return common.Address{}, fmt.Errorf("%w: %s", ErrKeyExists, addr.Hex())
		}
	}

	gcm, err := newGCM(key)
	if err != nil {
		return common.Address{}, err
	}
	nonce := frand.Bytes(gcm.NonceSize())
	rec := keyRecord{
		ID:         uuid.NewString(),
		Address:    addr,
		Nonce:      hex.EncodeToString(nonce),
		CipherText: hex.EncodeToString(gcm.Seal(nil, nonce, crypto.FromECDSA(priv), addr.Bytes())),
		Created:    time.Now().UTC(),
	}
	recData, err := json.Marshal(rec)
	if err != nil {
		return common.Address{}, err
	}
	listData, err := json.Marshal(append(addrs, addr))
	if err != nil {
		return common.Address{}, err
	}
	b := k.db.NewBatch()
	b.Set(recordKey(addr), recData)
	b.Set(addressesKey, listData)
	if err := b.Write(); err != nil {
		return common.Address{}, fmt.Errorf("save key: %w", err)
	}
	return addr, nil
}

// EnsureAtLeastOneAddress creates a key when the keystore has none and
// returns all addresses.
func (k *Keystore) EnsureAtLeastOneAddress(key KeyMaterial) ([]common.Address, error) {
	addrs, err := k.Addresses()
	if err != nil {
		return nil, err
	}
	if len(addrs) > 0 {
		return addrs, nil
	}
	if _, err := k.NewAddress(key); err != nil {
		return nil, err
	}
	return k.Addresses()
}

// Unlock decrypts the key of addr.
func (k *Keystore) Unlock(addr common.Address, key KeyMaterial) (*Wallet, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.checkKey(key); err != nil {
		return nil, err
	}
	data, err := k.db.Get(recordKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, addr.Hex())
	}
	if err != nil {
		return nil, err
	}
	var rec keyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode key record: %w", err)
	}
	nonce, err := hex.DecodeString(rec.Nonce)
	if err != nil {
		return nil, err
	}
	cipherText, err := hex.DecodeString(rec.CipherText)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, cipherText, addr.Bytes())
	if err != nil {
		return nil, ErrWrongPassword
	}
	priv, err := crypto.ToECDSA(plain)
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// SignRequest is a fully populated legacy transaction to sign.
type SignRequest struct {
	From     common.Address
	To       *common.Address
	Nonce    uint64
	Gas      uint64
	GasPrice *big.Int
	Value    *big.Int
	Data     []byte
	ChainID  *big.Int
}

// SignTransaction signs req with the key of req.From and returns the
// binary encoding ready for eth_sendRawTransaction.
func (k *Keystore) SignTransaction(req SignRequest, key KeyMaterial) ([]byte, error) {
	w, err := k.Unlock(req.From, key)
	if err != nil {
		return nil, err
	}
	tx, err := w.NewTx(req)
	if err != nil {
		return nil, err
	}
	return tx.MarshalBinary()
}

func (k *Keystore) addresses() ([]common.Address, error) {
	data, err := k.db.Get(addressesKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var addrs []common.Address
	if err := json.Unmarshal(data, &addrs); err != nil {
		return nil, fmt.Errorf("decode keystore addresses: %w", err)
	}
	return addrs, nil
}

func (k *Keystore) loadMeta() (*keystoreMeta, error) {
	data, err := k.db.Get(metaKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotCreated
	}
	if err != nil {
		return nil, err
	}
	var meta keystoreMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode keystore: %w", err)
	}
	return &meta, nil
}

func (k *Keystore) checkKey(key KeyMaterial) error {
	meta, err := k.loadMeta()
	if err != nil {
		return err
	}
	return k.verify(meta, key)
}

func (k *Keystore) verify(meta *keystoreMeta, key KeyMaterial) error {
	want, err := hex.DecodeString(meta.Check)
	if err != nil {
		return fmt.Errorf("keystore check value: %w", err)
	}
	if subtle.ConstantTimeCompare(checkValue(key), want) != 1 {
		return ErrWrongPassword
	}
	return nil
}

func recordKey(addr common.Address) []byte {
	return []byte(recordPrefix + strings.ToLower(addr.Hex()))
}

func deriveKey(password string, salt []byte, iterations int) KeyMaterial {
	return pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
}

// checkValue lets a derived key be verified without decrypting a record.
func checkValue(key KeyMaterial) []byte {
	return crypto.Keccak256([]byte("keystore-check"), key)
}

func newGCM(key KeyMaterial) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
