package chainclient

import (
	"context"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/atomic"
	"moff.io/coursewallet/internal/chains"
	"moff.io/coursewallet/internal/session"
	"moff.io/coursewallet/pkg/errors"
	"moff.io/coursewallet/pkg/log"
	"strings"
	"time"
)

// EthFactory builds clients backed by a JSON-RPC node from the chain registry.
type EthFactory struct {
	Registry *chains.Registry
	// Contracts is the marketplace contract address per chain id.
	Contracts map[int64]common.Address
	// ABI overrides MarketplaceABI.
	ABI         string
	DialTimeout time.Duration
}

func (f *EthFactory) Build(ctx context.Context, b Binding) (Client, error) {
	if b.Signer == nil {
		return nil, ConstructionFailed(session.ErrNoActiveSession, "binding without signer")
	}
	if f.Registry == nil {
		return nil, ConstructionFailed(nil, "no chain registry configured")
	}
	rpcURL, err := f.Registry.RPCURL(b.ChainID)
	if err != nil {
		return nil, ConstructionFailed(err, "resolve rpc url")
	}
	address, ok := f.Contracts[b.ChainID]
	if !ok {
		return nil, ConstructionFailed(nil, "no marketplace contract deployed on chain %d", b.ChainID)
	}
	abiJSON := f.ABI
	if abiJSON == "" {
		abiJSON = MarketplaceABI
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, ConstructionFailed(err, "parse marketplace abi")
	}

	if f.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.DialTimeout)
		defer cancel()
	}
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, ConstructionFailed(err, "dial %s", rpcURL)
	}
	remote, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, ConstructionFailed(err, "query chain id from %s", rpcURL)
	}
	if !remote.IsInt64() || remote.Int64() != b.ChainID {
		ec.Close()
		return nil, ConstructionFailed(nil, "node %s serves chain %s, want %d", rpcURL, remote, b.ChainID)
	}
	log.WithFields(log.Fields{
		"account": b.Account.Hex(),
		"chain":   b.ChainID,
		"epoch":   b.Epoch,
	}).Infof("chain client bound to %s at %s", address.Hex(), rpcURL)
	return &ethClient{
		binding:  b,
		address:  address,
		abi:      parsed,
		eth:      ec,
		contract: bind.NewBoundContract(address, parsed, ec, ec, ec),
	}, nil
}

type ethClient struct {
	binding  Binding
	address  common.Address
	abi      abi.ABI
	eth      *ethclient.Client
	contract *bind.BoundContract
	closed   atomic.Bool
}

func (c *ethClient) Binding() Binding {
	return c.binding
}

func (c *ethClient) Call(ctx context.Context, results *[]interface{}, method string, args ...interface{}) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	opts := &bind.CallOpts{From: c.binding.Account, Context: ctx}
	if err := c.contract.Call(opts, results, method, args...); err != nil {
		return errors.Wrapf(err, "call %s", method)
	}
	return nil
}

func (c *ethClient) Transact(ctx context.Context, opts TransactOpts, method string, args ...interface{}) (common.Hash, error) {
	if c.closed.Load() {
		return common.Hash{}, ErrClientClosed
	}
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "pack %s", method)
	}
	to := c.address
	hash, err := c.binding.Signer.SendTransaction(ctx, session.TxRequest{
		To:    &to,
		Value: opts.Value,
		Data:  data,
		Gas:   opts.Gas,
	})
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "transact %s", method)
	}
	return hash, nil
}

func (c *ethClient) Close() {
	if c.closed.CAS(false, true) {
		c.eth.Close()
	}
}
