// Package forward rewrites a transaction requested from a contract
// identity into the proxy call its controlling key sends.
package forward

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/tolelom/idprovider/contracts"
	"github.com/tolelom/idprovider/identity"
	"github.com/tolelom/idprovider/transport"
)

var (
	ErrNotContract       = errors.New("identity is not a contract identity")
	ErrContractCreation  = errors.New("contract identities cannot create contracts")
	ErrValueOverflow     = errors.New("value does not fit in uint256")
	ErrUnknownVersion    = errors.New("unknown method version")
	ErrForwardLayout     = errors.New("proxy abi has no forward(address,uint256,bytes)")
	ErrUnsupportedMethod = identity.ErrUnsupportedMethod
)

// Encoder packs one forwarded call into proxy calldata.
type Encoder interface {
	Encode(to common.Address, value *big.Int, data []byte) ([]byte, error)
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(to common.Address, value *big.Int, data []byte) ([]byte, error)

func (f EncoderFunc) Encode(to common.Address, value *big.Int, data []byte) ([]byte, error) {
	return f(to, value, data)
}

var (
	mu       sync.RWMutex
	encoders = map[string]Encoder{"1": EncoderFunc(encodeV1)}
)

// Register installs the encoder for a sender method version, replacing
// any previous one.
func Register(version string, e Encoder) {
	mu.Lock()
	defer mu.Unlock()
	encoders[version] = e
}

// Lookup returns the encoder for version.
func Lookup(version string) (Encoder, error) {
	mu.RLock()
	defer mu.RUnlock()
	e, ok := encoders[version]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVersion, version)
	}
	return e, nil
}

// Versions lists the registered method versions.
func Versions() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(encoders))
	for v := range encoders {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

const forwardSig = "forward(address,uint256,bytes)"

type abiEncoder struct {
	abi abi.ABI
}

// NewABIEncoder returns an encoder packing forward calls with parsed. It
// fails with ErrForwardLayout unless parsed declares forward with the
// (address,uint256,bytes) layout.
func NewABIEncoder(parsed abi.ABI) (Encoder, error) {
	m, ok := parsed.Methods["forward"]
	if !ok {
		return nil, fmt.Errorf("%w: method missing", ErrForwardLayout)
	}
	if m.Sig != forwardSig {
		return nil, fmt.Errorf("%w: found %s", ErrForwardLayout, m.Sig)
	}
	return &abiEncoder{abi: parsed}, nil
}

func (e *abiEncoder) Encode(to common.Address, value *big.Int, data []byte) ([]byte, error) {
	if data == nil {
		data = []byte{}
	}
	return e.abi.Pack("forward", to, value, data)
}

// encodeV1 packs with the embedded proxy ABI until an artifact's encoder
// is registered.
func encodeV1(to common.Address, value *big.Int, data []byte) ([]byte, error) {
	parsed, err := contracts.ProxyABI()
	if err != nil {
		return nil, err
	}
	enc, err := NewABIEncoder(parsed)
	if err != nil {
		return nil, err
	}
	return enc.Encode(to, value, data)
}

// Wrap returns the transaction the controlling key of id must send so
// that the proxy at id.Address performs args. Gas and gas price carry
// over unchanged; the nonce is dropped because it belongs to the
// controlling key.
func Wrap(args transport.TxArgs, id identity.Identity) (transport.TxArgs, error) {
	if !id.IsContract() {
		return transport.TxArgs{}, fmt.Errorf("%w: %s", ErrNotContract, id)
	}
	if id.Method != identity.MethodSender {
		return transport.TxArgs{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, id.Method)
	}
	if args.To == nil {
		return transport.TxArgs{}, ErrContractCreation
	}
	value := args.ValueOrZero()
	if value.Sign() < 0 {
		return transport.TxArgs{}, fmt.Errorf("%w: negative value %s", ErrValueOverflow, value)
	}
	if _, overflow := uint256.FromBig(value); overflow {
		return transport.TxArgs{}, fmt.Errorf("%w: %s", ErrValueOverflow, value)
	}
	enc, err := Lookup(id.MethodVersion)
	if err != nil {
		return transport.TxArgs{}, err
	}
	data, err := enc.Encode(*args.To, value, args.Calldata())
	if err != nil {
		return transport.TxArgs{}, fmt.Errorf("encode forward: %w", err)
	}

	src := args.Copy()
	return transport.TxArgs{
		From:     transport.Address(id.ControllingKey),
		To:       transport.Address(id.Address),
		Gas:      src.Gas,
		GasPrice: src.GasPrice,
		Data:     transport.Bytes(data),
	}, nil
}
