package session

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/ethereum/go-ethereum/common"
	"time"
)

// Connector is the wallet side of a session: something that can pair with a
// wallet, forward wallet RPC calls to it and report changes made in the wallet.
type Connector interface {
	// Connect pairs with the wallet. It may block until the user approves.
	Connect(ctx context.Context, opts ConnectOptions) (*ConnectResult, error)
	// Disconnect ends the wallet session.
	Disconnect(ctx context.Context) error
	// Request forwards a JSON-RPC call to the wallet and returns its raw result.
	// Wallet errors are returned as *RPCError.
	Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
	// Subscribe registers fn for connector events and returns its unsubscribe func.
	Subscribe(fn func(ConnectorEvent)) (off func())
}

type ConnectOptions struct {
	// ChainID asks the wallet for a chain, 0 lets the wallet pick.
	ChainID int64
	// DisplayURI receives the pairing uri when the connector has one to show.
	DisplayURI func(uri string) error
	// Timeout bounds the whole connect, 0 uses the session default.
	Timeout time.Duration
}

type ConnectResult struct {
	Accounts []common.Address
	ChainID  int64
}

type ConnectorEventKind int

const (
	ConnectorConnect ConnectorEventKind = iota + 1
	ConnectorAccountsChanged
	ConnectorChainChanged
	ConnectorDisconnect
)

func (k ConnectorEventKind) String() string {
	switch k {
	case ConnectorConnect:
		return "connect"
	case ConnectorAccountsChanged:
		return "accountsChanged"
	case ConnectorChainChanged:
		return "chainChanged"
	case ConnectorDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("ConnectorEventKind(%d)", int(k))
	}
}

// ConnectorEvent is a change reported by the wallet.
type ConnectorEvent struct {
	Kind     ConnectorEventKind
	Accounts []common.Address
	ChainID  int64
}

// EIP-1193 provider error codes.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnrecognizedChain = 4902
)

// RPCError is an error answered by the wallet.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("wallet rpc error %d: %s", e.Code, e.Message)
}
