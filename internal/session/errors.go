package session

import (
	"fmt"
	"moff.io/coursewallet/pkg/errors"
)

var (
	ErrConnectorUnavailable = errors.New("wallet connector unavailable")
	ErrNoAccountsReturned   = errors.New("wallet returned no accounts")
	ErrChainSwitchRejected  = errors.New("chain switch rejected")
	ErrNoActiveSession      = errors.New("no active wallet session")
	// ErrSuperseded is returned by calls whose result was discarded because
	// the session moved on while the wallet was answering.
	ErrSuperseded = errors.New("superseded by a newer session transition")
	// ErrSignatureMismatch means the wallet signed with another key than the active account.
	ErrSignatureMismatch = errors.New("signature does not recover to the active account")
)

type chainSwitchError struct {
	chainID int64
	cause   error
}

func (e *chainSwitchError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%v: chain %d", ErrChainSwitchRejected, e.chainID)
	}
	return fmt.Sprintf("%v: chain %d: %v", ErrChainSwitchRejected, e.chainID, e.cause)
}

func (e *chainSwitchError) Is(target error) bool {
	return target == ErrChainSwitchRejected
}

func (e *chainSwitchError) Unwrap() error {
	return e.cause
}
