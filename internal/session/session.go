// Package session owns the wallet session: the active account, its chain and
// the signer for it. Every committed change is emitted as an Event, in commit
// order, listeners in registration order.
//
// One Session is created at startup and lives until exit. It is reset to the
// disconnected state, never destroyed.
package session

import (
	"context"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"moff.io/coursewallet/internal/chains"
	"moff.io/coursewallet/pkg/emitter"
	"moff.io/coursewallet/pkg/errors"
	"moff.io/coursewallet/pkg/log"
	"sync"
	"time"
)

type Session struct {
	mu        sync.Mutex
	state     State
	connector Connector
	unbind    func()
	// cancels counts disconnects, including no-op ones. A connect that sees
	// it move while waiting on the wallet is discarded.
	cancels uint64

	registry       *chains.Registry
	defaultTimeout time.Duration

	events emitter.Emitter[Event]
}

type Option func(*Session)

// WithRegistry enables wallet_addEthereumChain for chains the wallet does not
// know and rejects switches to chains the registry does not know.
func WithRegistry(r *chains.Registry) Option {
	return func(s *Session) {
		s.registry = r
	}
}

// WithDefaultTimeout bounds Connect and SwitchChain calls that carry no timeout of their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.defaultTimeout = d
	}
}

// New returns a disconnected session. connector may be nil, in which case
// Connect fails with ErrConnectorUnavailable until Attach is called.
func New(connector Connector, opts ...Option) *Session {
	s := &Session{}
	for _, opt := range opts {
		opt(s)
	}
	if connector != nil {
		s.Attach(connector)
	}
	return s
}

// Attach binds the session to connector and listens to its events. The
// previously attached connector is unbound; a session connected through it
// is cleared.
func (s *Session) Attach(connector Connector) {
	s.mu.Lock()
	oldUnbind := s.unbind
	s.unbind = nil
	s.connector = connector
	s.cancels++
	if s.state.Account != nil {
		s.clearLocked()
	}
	s.mu.Unlock()
	s.events.Drain()

	if oldUnbind != nil {
		oldUnbind()
	}
	if connector == nil {
		return
	}
	off := connector.Subscribe(func(ev ConnectorEvent) {
		s.handleConnectorEvent(connector, ev)
	})
	s.mu.Lock()
	if s.connector != connector {
		s.mu.Unlock()
		off()
		return
	}
	s.unbind = off
	s.mu.Unlock()
}

// Subscribe registers fn for session events.
func (s *Session) Subscribe(fn func(Event)) (off func()) {
	return s.events.On(fn)
}

// Snapshot returns a copy of the committed state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *Session) timeout(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return s.defaultTimeout
}

// Connect pairs with the wallet and commits the first returned account. It
// returns ErrSuperseded, without committing, when Disconnect was called
// while the wallet was answering.
//
// Listeners usually see the Connected event before Connect returns. When
// another goroutine is already delivering session events, that goroutine
// delivers this one too and Connect may return first.
func (s *Session) Connect(ctx context.Context, opts ConnectOptions) (*ConnectResult, error) {
	s.mu.Lock()
	connector := s.connector
	cancels := s.cancels
	s.mu.Unlock()
	if connector == nil {
		return nil, ErrConnectorUnavailable
	}

	res, err := await(ctx, s.timeout(opts.Timeout), func(ctx context.Context) (*ConnectResult, error) {
		return connector.Connect(ctx, opts)
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect wallet")
	}
	if res == nil || len(res.Accounts) == 0 {
		return nil, ErrNoAccountsReturned
	}

	s.mu.Lock()
	if s.cancels != cancels || s.connector != connector {
		orphaned := s.state.Account == nil && s.connector == connector
		s.mu.Unlock()
		log.Infof("wallet connect resolved after disconnect, result discarded")
		if orphaned {
			if err := connector.Disconnect(context.Background()); err != nil {
				log.Warnf("close discarded wallet session: %v", err)
			}
		}
		return nil, ErrSuperseded
	}
	account := res.Accounts[0]
	s.state = State{
		Account: &account,
		ChainID: res.ChainID,
		Signer:  newConnectorSigner(connector, account),
		Epoch:   s.state.Epoch + 1,
	}
	committed := s.state.clone()
	s.events.Enqueue(Event{Kind: EventConnected, State: committed})
	s.mu.Unlock()

	stateEntry(committed).Infof("wallet session connected")
	s.events.Drain()
	return &ConnectResult{
		Accounts: append(res.Accounts[:0:0], res.Accounts...),
		ChainID:  res.ChainID,
	}, nil
}

// Disconnect clears the session and ends the wallet session. Calling it when
// already disconnected changes nothing and emits nothing, but still discards
// connects that are waiting on the wallet. Delivery of the Disconnected
// event follows the same rule as Connect: it may be left to a goroutine that
// is already delivering events.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.cancels++
	connector := s.connector
	if s.state.Account == nil {
		s.mu.Unlock()
		return nil
	}
	s.clearLocked()
	s.mu.Unlock()
	s.events.Drain()

	if connector == nil {
		return nil
	}
	if err := connector.Disconnect(ctx); err != nil {
		return errors.Wrap(err, "disconnect wallet connector")
	}
	return nil
}

// clearLocked resets the state to disconnected and enqueues the event.
// s.mu must be held.
func (s *Session) clearLocked() {
	s.state = State{Epoch: s.state.Epoch + 1}
	s.events.Enqueue(Event{Kind: EventDisconnected, State: s.state})
	log.WithField("epoch", s.state.Epoch).Infof("wallet session disconnected")
}

// SwitchChain asks the wallet to move to chainID. The result is discarded
// with ErrSuperseded if the session epoch moved while the wallet was
// answering.
func (s *Session) SwitchChain(ctx context.Context, chainID int64) error {
	s.mu.Lock()
	connector := s.connector
	captured := s.state.clone()
	s.mu.Unlock()

	if connector == nil {
		return ErrConnectorUnavailable
	}
	if captured.Account == nil {
		return ErrNoActiveSession
	}
	if captured.ChainID == chainID {
		return nil
	}
	var chain *chains.Blockchain
	if s.registry != nil {
		var ok bool
		if chain, ok = s.registry.Lookup(chainID); !ok {
			return &chainSwitchError{chainID: chainID, cause: chains.ErrUnknownChain}
		}
	}

	_, err := await(ctx, s.timeout(0), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, requestSwitch(ctx, connector, chainID, chain)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state.Epoch != captured.Epoch || s.connector != connector {
		s.mu.Unlock()
		log.Infof("chain switch to %d resolved after the session moved on, result discarded", chainID)
		return ErrSuperseded
	}
	if s.state.ChainID == chainID {
		// already applied by a chainChanged event from the wallet
		s.mu.Unlock()
		return nil
	}
	s.state.ChainID = chainID
	committed := s.state.clone()
	s.events.Enqueue(Event{Kind: EventChainChanged, State: committed})
	s.mu.Unlock()

	stateEntry(committed).Infof("wallet chain switched")
	s.events.Drain()
	return nil
}

func requestSwitch(ctx context.Context, connector Connector, chainID int64, chain *chains.Blockchain) error {
	param := map[string]string{"chainId": hexutil.EncodeUint64(uint64(chainID))}
	_, err := connector.Request(ctx, "wallet_switchEthereumChain", param)
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == CodeUnrecognizedChain && chain != nil {
		log.Infof("wallet does not know chain %d, adding it", chainID)
		if _, err := connector.Request(ctx, "wallet_addEthereumChain", chain.AddChainParams()); err != nil {
			return switchFailure(chainID, err)
		}
		if _, err = connector.Request(ctx, "wallet_switchEthereumChain", param); err == nil {
			return nil
		}
	}
	return switchFailure(chainID, err)
}

func switchFailure(chainID int64, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return &chainSwitchError{chainID: chainID, cause: err}
}

// Sign asks the wallet for a personal signature of msg by the active account.
func (s *Session) Sign(ctx context.Context, msg []byte) ([]byte, error) {
	signer := s.Snapshot().Signer
	if signer == nil {
		return nil, ErrNoActiveSession
	}
	return signer.SignMessage(ctx, msg)
}

// SendTransaction asks the wallet to send tx from the active account.
func (s *Session) SendTransaction(ctx context.Context, tx TxRequest) (string, error) {
	signer := s.Snapshot().Signer
	if signer == nil {
		return "", ErrNoActiveSession
	}
	hash, err := signer.SendTransaction(ctx, tx)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (s *Session) handleConnectorEvent(connector Connector, ev ConnectorEvent) {
	s.mu.Lock()
	if s.connector != connector {
		s.mu.Unlock()
		return
	}
	switch {
	case ev.Kind == ConnectorConnect:
		s.mu.Unlock()
		log.Debugf("wallet connector reported connect, ignored")
		return
	case ev.Kind == ConnectorDisconnect,
		ev.Kind == ConnectorAccountsChanged && len(ev.Accounts) == 0:
		s.cancels++
		if s.state.Account == nil {
			s.mu.Unlock()
			return
		}
		log.Infof("wallet reported %s, clearing session", ev.Kind)
		s.clearLocked()
	case ev.Kind == ConnectorAccountsChanged:
		if s.state.Account == nil || *s.state.Account == ev.Accounts[0] {
			s.mu.Unlock()
			return
		}
		account := ev.Accounts[0]
		s.state.Account = &account
		s.state.Signer = newConnectorSigner(connector, account)
		committed := s.state.clone()
		s.events.Enqueue(Event{Kind: EventAccountsChanged, State: committed})
		stateEntry(committed).Infof("wallet account changed")
	case ev.Kind == ConnectorChainChanged:
		if s.state.Account == nil || ev.ChainID == 0 || ev.ChainID == s.state.ChainID {
			s.mu.Unlock()
			return
		}
		s.state.ChainID = ev.ChainID
		committed := s.state.clone()
		s.events.Enqueue(Event{Kind: EventChainChanged, State: committed})
		stateEntry(committed).Infof("wallet chain changed")
	default:
		s.mu.Unlock()
		log.Warnf("unknown wallet connector event %v", ev.Kind)
		return
	}
	s.mu.Unlock()
	s.events.Drain()
}

func stateEntry(st State) *log.Entry {
	return log.WithFields(log.Fields{
		"account": st.AccountHex(),
		"chain":   st.ChainID,
		"epoch":   st.Epoch,
	})
}

// await runs fn on its own goroutine and stops waiting when ctx is done or
// timeout elapses. A result arriving later is dropped.
func await[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, errors.Wrap(ctx.Err(), "wallet did not answer in time")
	}
}
