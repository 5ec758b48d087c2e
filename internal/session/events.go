package session

import (
	"fmt"
	"github.com/ethereum/go-ethereum/common"
)

type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventAccountsChanged
	EventChainChanged
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventAccountsChanged:
		return "accountsChanged"
	case EventChainChanged:
		return "chainChanged"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is emitted after every committed change, State is the state it committed.
type Event struct {
	Kind  EventKind
	State State
}

// State is a committed snapshot of the session.
// Signer is non-nil iff Account is non-nil.
type State struct {
	Account *common.Address
	// ChainID is 0 when disconnected or unknown.
	ChainID int64
	Signer  Signer
	// Epoch increases on every connect and every disconnect.
	Epoch uint64
}

func (s State) Connected() bool {
	return s.Account != nil
}

func (s State) AccountHex() string {
	if s.Account == nil {
		return ""
	}
	return s.Account.Hex()
}

func (s State) clone() State {
	if s.Account != nil {
		a := *s.Account
		s.Account = &a
	}
	return s
}
