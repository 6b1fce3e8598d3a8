// Package provider assembles the identity provider: the registry of
// identities, the keystore that signs for them, and the RPC engine that
// routes requests between callers and the upstream node.
//
// A Provider is built once and passed explicitly to whatever needs it.
// Its engine serves remote callers, and Client offers the same view to
// in-process code.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tolelom/idprovider/contracts"
	"github.com/tolelom/idprovider/events"
	"github.com/tolelom/idprovider/forward"
	"github.com/tolelom/idprovider/identity"
	"github.com/tolelom/idprovider/receipt"
	"github.com/tolelom/idprovider/rpc"
	"github.com/tolelom/idprovider/transport"
	"github.com/tolelom/idprovider/txn"
	"github.com/tolelom/idprovider/wallet"
)

// DefaultGas is the gas limit for transactions the provider sends itself.
const DefaultGas uint64 = 3_000_000

var ErrNotInitialized = errors.New("provider is not initialized")

// Options configures a Provider.
type Options struct {
	// Upstream is the node requests are forwarded to. Required.
	Upstream transport.Caller
	// Keystore holds the keys of key identities. Required.
	Keystore *wallet.Keystore
	// Password unlocks the keystore during Init. Required.
	Password wallet.PasswordProvider
	// Identities seeds the registry, in order.
	Identities []identity.Identity
	// Store, when set, contributes persisted identities after Identities
	// and records every later change.
	Store   *identity.Store
	Emitter *events.Emitter
	// Proxy is the artifact contract identities are deployed from. Its
	// forward method encodes calls for ProxyMethodVersion identities.
	Proxy        *contracts.Artifact
	DefaultGas   uint64
	PollInterval time.Duration
	// ChainID overrides the upstream node's chain id for signing.
	ChainID *big.Int
}

// Provider is the assembled identity provider.
type Provider struct {
	registry   *identity.Registry
	keystore   *wallet.Keystore
	password   wallet.PasswordProvider
	emitter    *events.Emitter
	upstream   *transport.Client
	engine     *rpc.Engine
	client     *transport.Client
	pool       *receipt.Pool
	proxy      *contracts.Artifact
	defaultGas uint64
	log        log.Logger

	mu  sync.RWMutex
	key wallet.KeyMaterial
}

// New assembles a provider. It performs no I/O against the upstream node
// or the keystore; call Init before sending transactions.
func New(opts Options) (*Provider, error) {
	if opts.Upstream == nil {
		return nil, errors.New("provider: upstream is required")
	}
	if opts.Keystore == nil {
		return nil, errors.New("provider: keystore is required")
	}
	if opts.Password == nil {
		return nil, errors.New("provider: password provider is required")
	}
	if opts.Proxy != nil {
		enc, err := forward.NewABIEncoder(opts.Proxy.ABI)
		if err != nil {
			return nil, fmt.Errorf("provider: proxy artifact: %w", err)
		}
		forward.Register(ProxyMethodVersion, enc)
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NewEmitter()
	}
	ids := append([]identity.Identity(nil), opts.Identities...)
	if opts.Store != nil {
		stored, err := opts.Store.Load()
		if err != nil {
			return nil, fmt.Errorf("load identities: %w", err)
		}
		ids = append(ids, stored...)
	}
	p := &Provider{
		registry:   identity.NewRegistry(ids, emitter),
		keystore:   opts.Keystore,
		password:   opts.Password,
		emitter:    emitter,
		pool:       receipt.NewPool(),
		proxy:      opts.Proxy,
		defaultGas: opts.DefaultGas,
		log:        log.New("module", "provider"),
	}
	if p.defaultGas == 0 {
		p.defaultGas = DefaultGas
	}
	if opts.Store != nil {
		opts.Store.Track(p.registry, emitter)
	}

	var clientOpts []transport.Option
	if opts.PollInterval > 0 {
		clientOpts = append(clientOpts, transport.WithPollInterval(opts.PollInterval))
	}
	upstreamOpts := append([]transport.Option{transport.WithChainID(opts.ChainID)}, clientOpts...)
	p.upstream = transport.NewClient(opts.Upstream, upstreamOpts...)
	mw := rpc.NewIdentityMiddleware(p.registry, rpc.SignerFunc(p.sign), p.upstream, rpc.WithEmitter(emitter))
	p.engine = rpc.NewEngine(mw, rpc.NewForwarder(opts.Upstream))
	p.client = transport.NewClient(p.engine, clientOpts...)
	return p, nil
}

// Initialize assembles a provider and runs Init.
func Initialize(ctx context.Context, opts Options) (*Provider, error) {
	p, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := p.Init(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Init unlocks the keystore, makes sure it holds at least one key and
// registers every keystore address missing from the registry.
func (p *Provider) Init(ctx context.Context) error {
	pw, err := p.password(ctx)
	if err != nil {
		return fmt.Errorf("keystore password: %w", err)
	}
	key, err := p.keystore.DeriveSigningKey(pw)
	if err != nil {
		return fmt.Errorf("unlock keystore: %w", err)
	}
	addrs, err := p.keystore.EnsureAtLeastOneAddress(key)
	if err != nil {
		return fmt.Errorf("ensure keystore address: %w", err)
	}
	p.mu.Lock()
	p.key = key
	p.mu.Unlock()

	added := p.registry.Merge(addrs)
	p.log.Info("Identity provider initialized", "identities", p.registry.Len(), "new", len(added))
	return nil
}

func (p *Provider) signingKey() (wallet.KeyMaterial, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.key == nil {
		return nil, ErrNotInitialized
	}
	return p.key, nil
}

func (p *Provider) sign(_ context.Context, req wallet.SignRequest) ([]byte, error) {
	key, err := p.signingKey()
	if err != nil {
		return nil, err
	}
	return p.keystore.SignTransaction(req, key)
}

// Registry returns the identity registry.
func (p *Provider) Registry() *identity.Registry { return p.registry }

// Engine returns the RPC engine serving callers.
func (p *Provider) Engine() *rpc.Engine { return p.engine }

// Client returns an RPC client that sees the provider's identities.
func (p *Provider) Client() *transport.Client { return p.client }

// Upstream returns a client of the upstream node.
func (p *Provider) Upstream() *transport.Client { return p.upstream }

// Pool returns the receipt watchers.
func (p *Provider) Pool() *receipt.Pool { return p.pool }

// Emitter returns the event emitter.
func (p *Provider) Emitter() *events.Emitter { return p.emitter }

// NewKeyIdentity creates a keystore key and registers it.
func (p *Provider) NewKeyIdentity() (identity.Identity, error) {
	key, err := p.signingKey()
	if err != nil {
		return identity.Identity{}, err
	}
	addr, err := p.keystore.NewAddress(key)
	if err != nil {
		return identity.Identity{}, err
	}
	p.registry.Merge([]common.Address{addr})
	return p.registry.Resolve(addr)
}

// CreateContractIdentity deploys a proxy controlled by from, or by the
// first key identity when from is nil, and puts the new identity at the
// front of the registry so it becomes the default account.
func (p *Provider) CreateContractIdentity(ctx context.Context, from *common.Address) (identity.Identity, error) {
	if p.proxy == nil {
		return identity.Identity{}, fmt.Errorf("create contract identity: %w", contracts.ErrNoBytecode)
	}
	var sender common.Address
	if from != nil {
		sender = *from
	} else {
		primary, err := p.registry.PrimaryKeyIdentity()
		if err != nil {
			return identity.Identity{}, err
		}
		sender = primary.Address
	}

	tx, err := CreateContractIdentity(p.pool, sender, p.proxy)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("create contract identity: %w", err)
	}
	id, err := tx.Transact(ctx, p.client, txn.WithGas(p.defaultGas))
	if err != nil {
		return identity.Identity{}, fmt.Errorf("create contract identity: %w", err)
	}
	if err := p.registry.Add(id); err != nil {
		return identity.Identity{}, err
	}
	p.log.Info("Created contract identity", "address", id.Address, "key", sender)
	return id, nil
}

// FundAddress sends wei to addr from the upstream node's first account.
func (p *Provider) FundAddress(ctx context.Context, addr common.Address, wei *big.Int) (common.Hash, error) {
	return FundAddressFromNode(ctx, p.upstream, addr, wei)
}
