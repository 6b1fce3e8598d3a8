// Package identity describes the identities a caller can transact as and
// the registry that resolves an address to one of them.
//
// An identity is either a key identity, backed directly by a keystore key,
// or a contract identity, backed by a proxy contract whose calls are
// forwarded by a controlling key identity.
package identity

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrInvalidAddress    = errors.New("invalid address")
	ErrUnknownMethod     = errors.New("unknown contract identity method")
	ErrUnsupportedMethod = errors.New("contract identity method not supported")
	ErrUnknownKind       = errors.New("unknown identity kind")
)

// ParseAddress decodes a 0x-prefixed, 40 hex digit address. Anything else
// is rejected; the input is never padded or truncated.
func ParseAddress(s string) (common.Address, error) {
	if len(s) != 2+2*common.AddressLength || !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.BytesToAddress(b), nil
}

// FormatAddress renders a as lowercase 0x-prefixed hex.
func FormatAddress(a common.Address) string {
	return hexutil.Encode(a.Bytes())
}

// Kind discriminates the identity variants.
type Kind uint8

const (
	KindKey Kind = iota + 1
	KindContract
)

func (k Kind) String() string {
	switch k {
	case KindKey:
		return "key"
	case KindContract:
		return "contract"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	if k != KindKey && k != KindContract {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "key":
		*k = KindKey
	case "contract":
		*k = KindContract
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, b)
	}
	return nil
}

// Method is how a contract identity acts on chain.
type Method string

const (
	// MethodSender forwards calls through the proxy's forward function,
	// sent directly by the controlling key.
	MethodSender Method = "sender"
	// MethodOwnerMetaTx relays signed meta-transactions through an owner
	// contract. It is recognised but cannot be signed for.
	MethodOwnerMetaTx Method = "owner.metatx"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	return m == MethodSender || m == MethodOwnerMetaTx
}

// Identity is an address plus what is needed to authorise transactions
// from it. Kind is fixed at construction; contract-only fields are zero for
// key identities.
type Identity struct {
	Kind    Kind
	Address common.Address

	ControllingKey common.Address
	Method         Method
	// MethodVersion selects the proxy/owner ABI used to encode calls.
	MethodVersion string
	// Owner is the owner contract of an owner.metatx identity.
	Owner *common.Address
}

// NewKeyIdentity returns an identity controlled by a keystore key.
func NewKeyIdentity(addr common.Address) Identity {
	return Identity{Kind: KindKey, Address: addr}
}

// NewContractIdentity returns an identity controlled through the proxy at
// addr by the key identity at key.
func NewContractIdentity(addr, key common.Address, method Method, version string) (Identity, error) {
	if !method.Valid() {
		return Identity{}, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return Identity{
		Kind:           KindContract,
		Address:        addr,
		ControllingKey: key,
		Method:         method,
		MethodVersion:  version,
	}, nil
}

// IsContract reports whether id is a contract identity.
func (id Identity) IsContract() bool {
	return id.Kind == KindContract
}

func (id Identity) String() string {
	if id.IsContract() {
		return fmt.Sprintf("contract:%s(%s v%s via %s)", FormatAddress(id.Address), id.Method, id.MethodVersion, FormatAddress(id.ControllingKey))
	}
	return "key:" + FormatAddress(id.Address)
}

type identityJSON struct {
	Kind           Kind            `json:"kind"`
	Address        common.Address  `json:"address"`
	ControllingKey *common.Address `json:"controllingKey,omitempty"`
	Method         Method          `json:"method,omitempty"`
	MethodVersion  string          `json:"methodVersion,omitempty"`
	Owner          *common.Address `json:"owner,omitempty"`
}

func (id Identity) MarshalJSON() ([]byte, error) {
	enc := identityJSON{Kind: id.Kind, Address: id.Address}
	if id.IsContract() {
		key := id.ControllingKey
		enc.ControllingKey = &key
		enc.Method = id.Method
		enc.MethodVersion = id.MethodVersion
		enc.Owner = id.Owner
	}
	return json.Marshal(enc)
}

func (id *Identity) UnmarshalJSON(b []byte) error {
	var dec identityJSON
	if err := json.Unmarshal(b, &dec); err != nil {
		return err
	}
	switch dec.Kind {
	case KindKey:
		*id = NewKeyIdentity(dec.Address)
	case KindContract:
		if dec.ControllingKey == nil {
			return errors.New("contract identity missing controllingKey")
		}
		cid, err := NewContractIdentity(dec.Address, *dec.ControllingKey, dec.Method, dec.MethodVersion)
		if err != nil {
			return err
		}
		cid.Owner = dec.Owner
		*id = cid
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(dec.Kind))
	}
	return nil
}
