// Package chainclient talks to the course marketplace contract on behalf of
// one wallet session snapshot. A Client never changes its Binding; when the
// session moves on the client is closed and a new one is built.
package chainclient

import (
	"context"
	"fmt"
	"github.com/ethereum/go-ethereum/common"
	"math/big"
	"moff.io/coursewallet/internal/session"
	"moff.io/coursewallet/pkg/errors"
)

var (
	ErrClientConstructionFailed = errors.New("chain client construction failed")
	// ErrClientClosed is returned by every call on a client that was superseded.
	ErrClientClosed = errors.New("chain client closed")
)

// Binding is the session snapshot a client was built from.
type Binding struct {
	Account common.Address
	ChainID int64
	Epoch   uint64
	Signer  session.Signer
}

func (b Binding) String() string {
	return fmt.Sprintf("account=%s chain=%d epoch=%d", b.Account.Hex(), b.ChainID, b.Epoch)
}

type TransactOpts struct {
	// Value is the amount of native currency sent with the call, nil for none.
	Value *big.Int
	Gas   uint64
}

type Client interface {
	Binding() Binding
	// Call runs a read-only contract method and stores its outputs in results.
	Call(ctx context.Context, results *[]interface{}, method string, args ...interface{}) error
	// Transact sends a contract call through the binding's signer and returns the tx hash.
	Transact(ctx context.Context, opts TransactOpts, method string, args ...interface{}) (common.Hash, error)
	Close()
}

// Factory builds clients. Build may block on the network and may fail.
type Factory interface {
	Build(ctx context.Context, b Binding) (Client, error)
}

type constructionError struct {
	msg   string
	cause error
}

func (e *constructionError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%v: %s", ErrClientConstructionFailed, e.msg)
	}
	return fmt.Sprintf("%v: %s: %v", ErrClientConstructionFailed, e.msg, e.cause)
}

func (e *constructionError) Is(target error) bool {
	return target == ErrClientConstructionFailed
}

func (e *constructionError) Unwrap() error {
	return e.cause
}

// ConstructionFailed wraps cause so it matches ErrClientConstructionFailed.
func ConstructionFailed(cause error, format string, args ...interface{}) error {
	return &constructionError{msg: fmt.Sprintf(format, args...), cause: cause}
}
