package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoPassword is returned by a PasswordProvider with nothing to offer.
var ErrNoPassword = errors.New("no keystore password available")

// Wallet holds one unlocked key.
type Wallet struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

// New creates a Wallet from an existing private key.
func New(priv *ecdsa.PrivateKey) *Wallet {
	return &Wallet{priv: priv, addr: crypto.PubkeyToAddress(priv.PublicKey)}
}

// Generate creates a Wallet with a fresh key.
func Generate() (*Wallet, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// PrivKey returns the private key (handle with care).
func (w *Wallet) PrivKey() *ecdsa.PrivateKey {
	return w.priv
}

// Address returns the account address of the key.
func (w *Wallet) Address() common.Address {
	return w.addr
}

// NewTx builds and signs a legacy EIP-155 transaction from req. req.From
// must be the wallet's address.
func (w *Wallet) NewTx(req SignRequest) (*types.Transaction, error) {
	if req.From != w.addr {
		return nil, fmt.Errorf("wallet %s cannot sign for %s", w.addr.Hex(), req.From.Hex())
	}
	if req.ChainID == nil {
		return nil, errors.New("sign request has no chain id")
	}
	inner := &types.LegacyTx{
		Nonce:    req.Nonce,
		To:       req.To,
		Gas:      req.Gas,
		GasPrice: new(big.Int),
		Value:    new(big.Int),
		Data:     common.CopyBytes(req.Data),
	}
	if req.GasPrice != nil {
		inner.GasPrice.Set(req.GasPrice)
	}
	if req.Value != nil {
		inner.Value.Set(req.Value)
	}
	return w.SignTx(types.NewTx(inner), req.ChainID)
}

// SignTx signs tx for chainID.
func (w *Wallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.NewEIP155Signer(chainID), w.priv)
}

// PasswordProvider supplies the keystore password on demand.
type PasswordProvider func(ctx context.Context) (string, error)

// EnvPassword reads the password from the environment variable name.
func EnvPassword(name string) PasswordProvider {
	return func(context.Context) (string, error) {
		pw, ok := os.LookupEnv(name)
		if !ok || pw == "" {
			return "", fmt.Errorf("%w: set %s", ErrNoPassword, name)
		}
		return pw, nil
	}
}

// StaticPassword always returns pw.
func StaticPassword(pw string) PasswordProvider {
	return func(context.Context) (string, error) { return pw, nil }
}
