// Package sessiontest provides an in-memory wallet connector for tests.
package sessiontest

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"moff.io/coursewallet/internal/session"
	"moff.io/coursewallet/pkg/emitter"
	"moff.io/coursewallet/pkg/errors"
	"sync"
)

// TxHash is returned for every eth_sendTransaction.
var TxHash = common.HexToHash("0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060")

// PendingConnect is a Connect call held until the test resolves it.
type PendingConnect struct {
	Opts session.ConnectOptions
	done chan connectReply
}

type connectReply struct {
	res *session.ConnectResult
	err error
}

// Resolve answers the held Connect with accounts on chainID.
func (p *PendingConnect) Resolve(chainID int64, accounts ...common.Address) {
	p.done <- connectReply{res: &session.ConnectResult{Accounts: accounts, ChainID: chainID}}
}

// Fail answers the held Connect with err.
func (p *PendingConnect) Fail(err error) {
	p.done <- connectReply{err: err}
}

// Connector is a wallet that signs with in-memory keys. Connect answers at
// once with the primary account unless Hold was called.
type Connector struct {
	ChainID int64

	mu          sync.Mutex
	keys        map[common.Address]*ecdsa.PrivateKey
	primary     common.Address
	hold        bool
	pending     chan *PendingConnect
	requestFunc func(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)
	methods     []string
	disconnects int
	events      emitter.Emitter[session.ConnectorEvent]
}

func NewConnector(chainID int64) *Connector {
	c := &Connector{
		ChainID: chainID,
		keys:    make(map[common.Address]*ecdsa.PrivateKey),
		pending: make(chan *PendingConnect, 16),
	}
	c.primary = c.AddAccount()
	return c
}

// AddAccount creates a new key in the wallet and returns its address.
func (c *Connector) AddAccount() common.Address {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	c.mu.Lock()
	c.keys[addr] = key
	c.mu.Unlock()
	return addr
}

// Account is the primary account returned by Connect.
func (c *Connector) Account() common.Address {
	return c.primary
}

// Hold makes every following Connect wait on Pending.
func (c *Connector) Hold() {
	c.mu.Lock()
	c.hold = true
	c.mu.Unlock()
}

// Pending yields held Connect calls in call order.
func (c *Connector) Pending() <-chan *PendingConnect {
	return c.pending
}

// OnRequest overrides wallet RPC handling. Returning a nil result and nil
// error falls back to the default behaviour.
func (c *Connector) OnRequest(fn func(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)) {
	c.mu.Lock()
	c.requestFunc = fn
	c.mu.Unlock()
}

// Fire delivers ev to the subscribers, as the wallet would.
func (c *Connector) Fire(ev session.ConnectorEvent) {
	c.events.Emit(ev)
}

// Methods returns the wallet RPC methods requested so far.
func (c *Connector) Methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.methods...)
}

func (c *Connector) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *Connector) Connect(ctx context.Context, opts session.ConnectOptions) (*session.ConnectResult, error) {
	c.mu.Lock()
	hold := c.hold
	c.mu.Unlock()
	if opts.DisplayURI != nil {
		if err := opts.DisplayURI("wc:sessiontest@1?bridge=memory&key=00"); err != nil {
			return nil, err
		}
	}
	if !hold {
		return &session.ConnectResult{Accounts: []common.Address{c.primary}, ChainID: c.ChainID}, nil
	}
	p := &PendingConnect{Opts: opts, done: make(chan connectReply, 1)}
	c.pending <- p
	select {
	case r := <-p.done:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}

func (c *Connector) Subscribe(fn func(session.ConnectorEvent)) func() {
	return c.events.On(fn)
}

func (c *Connector) Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	c.methods = append(c.methods, method)
	fn := c.requestFunc
	c.mu.Unlock()
	if fn != nil {
		res, err := fn(ctx, method, params)
		if res != nil || err != nil {
			return res, err
		}
	}
	switch method {
	case "personal_sign":
		return c.personalSign(params)
	case "eth_sendTransaction":
		return json.Marshal(TxHash)
	case "wallet_switchEthereumChain", "wallet_addEthereumChain":
		return json.RawMessage("null"), nil
	default:
		return nil, &session.RPCError{Code: -32601, Message: "method not found"}
	}
}

func (c *Connector) personalSign(params []interface{}) (json.RawMessage, error) {
	if len(params) != 2 {
		return nil, errors.Errorf("personal_sign takes 2 params, got %d", len(params))
	}
	msgHex, _ := params[0].(string)
	addrHex, _ := params[1].(string)
	msg, err := hexutil.Decode(msgHex)
	if err != nil {
		return nil, err
	}
	sig, err := c.SignAs(common.HexToAddress(addrHex), msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(hexutil.Bytes(sig))
}

// SignAs signs msg with the key of addr.
func (c *Connector) SignAs(addr common.Address, msg []byte) ([]byte, error) {
	c.mu.Lock()
	key, ok := c.keys[addr]
	c.mu.Unlock()
	if !ok {
		return nil, &session.RPCError{Code: session.CodeUnauthorized, Message: "unknown account"}
	}
	return Sign(key, msg)
}

// Sign produces an EIP-191 personal signature with V in 27/28 form.
func Sign(key *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
