package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tolelom/idprovider/contracts"
	"github.com/tolelom/idprovider/identity"
	"github.com/tolelom/idprovider/receipt"
	"github.com/tolelom/idprovider/transport"
	"github.com/tolelom/idprovider/txn"
)

// ProxyDeployGas is the measured gas cost of deploying the proxy.
const ProxyDeployGas uint64 = 188561

// ProxyMethodVersion is the sender method version of proxies deployed here.
const ProxyMethodVersion = "1"

var ErrNoNodeAccounts = errors.New("node has no accounts")

// DeployProxyContract returns a transaction that deploys proxy from the
// key identity at from and yields the new contract address once code is
// present there.
func DeployProxyContract(pool *receipt.Pool, from common.Address, proxy *contracts.Artifact) (*txn.Transaction[common.Address], error) {
	code, err := proxy.DeployData()
	if err != nil {
		return nil, err
	}
	deploy := txn.New(transport.TxArgs{
		From: transport.Address(from),
		Data: transport.Bytes(code),
	}, txn.Gas(ProxyDeployGas))
	return txn.Map(deploy, func(ctx context.Context, hash common.Hash, b txn.Backend) (common.Address, error) {
		return pool.WaitForContract(ctx, hash, b)
	}), nil
}

// CreateContractIdentity returns a transaction that deploys a proxy and
// yields the sender identity controlled by from.
func CreateContractIdentity(pool *receipt.Pool, from common.Address, proxy *contracts.Artifact) (*txn.Transaction[identity.Identity], error) {
	deploy, err := DeployProxyContract(pool, from, proxy)
	if err != nil {
		return nil, err
	}
	return txn.Map(deploy, func(_ context.Context, addr common.Address, _ txn.Backend) (identity.Identity, error) {
		return identity.NewContractIdentity(addr, from, identity.MethodSender, ProxyMethodVersion)
	}), nil
}

// FundAddressFromNode sends wei to addr from the node's first account.
// Development nodes start with funded accounts that can bootstrap a new
// key identity.
func FundAddressFromNode(ctx context.Context, client *transport.Client, addr common.Address, wei *big.Int) (common.Hash, error) {
	accounts, err := client.Accounts(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("list node accounts: %w", err)
	}
	if len(accounts) == 0 {
		return common.Hash{}, ErrNoNodeAccounts
	}
	hash, err := client.SendTransaction(ctx, transport.TxArgs{
		From:  transport.Address(accounts[0]),
		To:    transport.Address(addr),
		Value: transport.Big(new(big.Int).Set(wei)),
	})
	if err != nil {
		return common.Hash{}, &txn.SubmissionError{Err: err}
	}
	return hash, nil
}
