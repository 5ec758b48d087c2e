package session_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moff.io/coursewallet/internal/chains"
	"moff.io/coursewallet/internal/session"
	"moff.io/coursewallet/internal/session/sessiontest"
	"moff.io/coursewallet/pkg/errors"
)

type recorder struct {
	mu     sync.Mutex
	events []session.Event
}

func record(s *session.Session) *recorder {
	r := &recorder{}
	s.Subscribe(func(ev session.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})
	return r
}

func (r *recorder) kinds() []session.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]session.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (r *recorder) all() []session.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Event(nil), r.events...)
}

func connected(t *testing.T, chainID int64) (*session.Session, *sessiontest.Connector) {
	conn := sessiontest.NewConnector(chainID)
	s := session.New(conn, session.WithRegistry(chains.NewRegistry()))
	_, err := s.Connect(context.Background(), session.ConnectOptions{})
	require.NoError(t, err)
	return s, conn
}

func TestConnect(t *testing.T) {
	conn := sessiontest.NewConnector(1)
	s := session.New(conn)
	rec := record(s)

	var uri string
	res, err := s.Connect(context.Background(), session.ConnectOptions{
		DisplayURI: func(u string) error { uri = u; return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{conn.Account()}, res.Accounts)
	assert.Equal(t, int64(1), res.ChainID)
	assert.NotEmpty(t, uri)

	st := s.Snapshot()
	require.NotNil(t, st.Account)
	assert.Equal(t, conn.Account(), *st.Account)
	assert.Equal(t, int64(1), st.ChainID)
	assert.Equal(t, uint64(1), st.Epoch)
	require.NotNil(t, st.Signer)
	assert.Equal(t, conn.Account(), st.Signer.Address())

	assert.Equal(t, []session.EventKind{session.EventConnected}, rec.kinds())
	assert.Equal(t, uint64(1), rec.all()[0].State.Epoch)
}

func TestConnectorUnavailable(t *testing.T) {
	s := session.New(nil)
	_, err := s.Connect(context.Background(), session.ConnectOptions{})
	assert.True(t, errors.Is(err, session.ErrConnectorUnavailable))

	s.Attach(sessiontest.NewConnector(1))
	_, err = s.Connect(context.Background(), session.ConnectOptions{})
	assert.NoError(t, err)
}

func TestNoAccountsReturned(t *testing.T) {
	conn := sessiontest.NewConnector(1)
	conn.Hold()
	s := session.New(conn)
	rec := record(s)

	go func() { (<-conn.Pending()).Resolve(1) }()
	_, err := s.Connect(context.Background(), session.ConnectOptions{})
	assert.True(t, errors.Is(err, session.ErrNoAccountsReturned))
	assert.Empty(t, rec.kinds())
	assert.Equal(t, session.State{}, s.Snapshot())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	s, conn := connected(t, 1)
	rec := record(s)

	require.NoError(t, s.Disconnect(context.Background()))
	first := s.Snapshot()
	require.NoError(t, s.Disconnect(context.Background()))
	second := s.Snapshot()

	assert.Equal(t, []session.EventKind{session.EventDisconnected}, rec.kinds())
	assert.Equal(t, first, second)
	assert.Nil(t, second.Account)
	assert.Nil(t, second.Signer)
	assert.Equal(t, int64(0), second.ChainID)
	assert.Equal(t, uint64(2), second.Epoch)
	assert.Equal(t, 1, conn.Disconnects())
}

func TestDisconnectDuringDeliveryIsHandedToActiveDrainer(t *testing.T) {
	conn := sessiontest.NewConnector(1)
	s := session.New(conn)
	rec := record(s)

	entered := make(chan struct{})
	release := make(chan struct{})
	s.Subscribe(func(ev session.Event) {
		if ev.Kind == session.EventConnected {
			close(entered)
			<-release
		}
	})

	connectDone := make(chan error, 1)
	go func() {
		_, err := s.Connect(context.Background(), session.ConnectOptions{})
		connectDone <- err
	}()
	<-entered

	require.NoError(t, s.Disconnect(context.Background()))
	assert.Nil(t, s.Snapshot().Account)
	assert.Equal(t, []session.EventKind{session.EventConnected}, rec.kinds())

	close(release)
	require.NoError(t, <-connectDone)
	assert.Equal(t, []session.EventKind{session.EventConnected, session.EventDisconnected}, rec.kinds())
}

func TestExternalEmptyAccountsDisconnects(t *testing.T) {
	s, conn := connected(t, 1)
	rec := record(s)

	conn.Fire(session.ConnectorEvent{Kind: session.ConnectorAccountsChanged})
	conn.Fire(session.ConnectorEvent{Kind: session.ConnectorDisconnect})

	assert.Equal(t, []session.EventKind{session.EventDisconnected}, rec.kinds())
	st := s.Snapshot()
	assert.False(t, st.Connected())
	assert.Nil(t, st.Signer)
	// cleared locally, the wallet already knows
	assert.Equal(t, 0, conn.Disconnects())
}

func TestAccountChangeKeepsEpoch(t *testing.T) {
	s, conn := connected(t, 1)
	rec := record(s)
	before := s.Snapshot()

	other := conn.AddAccount()
	conn.Fire(session.ConnectorEvent{Kind: session.ConnectorAccountsChanged, Accounts: []common.Address{other, conn.Account()}})
	// same first account again, nothing to do
	conn.Fire(session.ConnectorEvent{Kind: session.ConnectorAccountsChanged, Accounts: []common.Address{other}})

	after := s.Snapshot()
	assert.Equal(t, []session.EventKind{session.EventAccountsChanged}, rec.kinds())
	assert.Equal(t, before.Epoch, after.Epoch)
	assert.Equal(t, other, *after.Account)
	assert.Equal(t, other, after.Signer.Address())
	assert.Equal(t, before.ChainID, after.ChainID)

	sig, err := s.Sign(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.True(t, session.VerifySignature(other, sig, []byte("hello")))
}

func TestExternalChainChanged(t *testing.T) {
	s, conn := connected(t, 1)
	rec := record(s)

	conn.Fire(session.ConnectorEvent{Kind: session.ConnectorChainChanged, ChainID: 1})
	conn.Fire(session.ConnectorEvent{Kind: session.ConnectorChainChanged, ChainID: 137})
	conn.Fire(session.ConnectorEvent{Kind: session.ConnectorConnect})

	assert.Equal(t, []session.EventKind{session.EventChainChanged}, rec.kinds())
	st := s.Snapshot()
	assert.Equal(t, int64(137), st.ChainID)
	assert.Equal(t, uint64(1), st.Epoch)
}

func TestSignerPresentIffAccount(t *testing.T) {
	conn := sessiontest.NewConnector(1)
	s := session.New(conn)
	var violations []session.Event
	s.Subscribe(func(ev session.Event) {
		if (ev.State.Account == nil) != (ev.State.Signer == nil) {
			violations = append(violations, ev)
		}
	})
	check := func() {
		st := s.Snapshot()
		assert.Equal(t, st.Account == nil, st.Signer == nil)
	}

	ctx := context.Background()
	check()
	_, err := s.Connect(ctx, session.ConnectOptions{})
	require.NoError(t, err)
	check()
	conn.Fire(session.ConnectorEvent{Kind: session.ConnectorAccountsChanged, Accounts: []common.Address{conn.AddAccount()}})
	check()
	require.NoError(t, s.SwitchChain(ctx, 137))
	check()
	conn.Fire(session.ConnectorEvent{Kind: session.ConnectorAccountsChanged})
	check()
	_, err = s.Connect(ctx, session.ConnectOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Disconnect(ctx))
	check()
	assert.Empty(t, violations)
}

func TestSwitchChain(t *testing.T) {
	s, conn := connected(t, 1)
	rec := record(s)

	require.NoError(t, s.SwitchChain(context.Background(), 137))
	require.NoError(t, s.SwitchChain(context.Background(), 137))

	assert.Equal(t, []string{"wallet_switchEthereumChain"}, conn.Methods())
	assert.Equal(t, []session.EventKind{session.EventChainChanged}, rec.kinds())
	st := s.Snapshot()
	assert.Equal(t, int64(137), st.ChainID)
	assert.Equal(t, uint64(1), st.Epoch)
}

func TestSwitchChainAddsUnknownChain(t *testing.T) {
	s, conn := connected(t, 1)
	var switches int
	var added map[string]interface{}
	conn.OnRequest(func(_ context.Context, method string, params []interface{}) (json.RawMessage, error) {
		switch method {
		case "wallet_switchEthereumChain":
			switches++
			if switches == 1 {
				return nil, &session.RPCError{Code: session.CodeUnrecognizedChain, Message: "Unrecognized chain ID"}
			}
		case "wallet_addEthereumChain":
			raw, _ := json.Marshal(params[0])
			_ = json.Unmarshal(raw, &added)
		}
		return nil, nil
	})

	require.NoError(t, s.SwitchChain(context.Background(), 80001))
	assert.Equal(t, []string{"wallet_switchEthereumChain", "wallet_addEthereumChain", "wallet_switchEthereumChain"}, conn.Methods())
	assert.Equal(t, "0x13881", added["chainId"])
	assert.Equal(t, int64(80001), s.Snapshot().ChainID)
}

func TestSwitchChainRejected(t *testing.T) {
	s, conn := connected(t, 1)
	rec := record(s)
	conn.OnRequest(func(_ context.Context, method string, _ []interface{}) (json.RawMessage, error) {
		return nil, &session.RPCError{Code: session.CodeUserRejected, Message: "User rejected the request."}
	})

	err := s.SwitchChain(context.Background(), 137)
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrChainSwitchRejected))
	var rpcErr *session.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, session.CodeUserRejected, rpcErr.Code)

	assert.Equal(t, int64(1), s.Snapshot().ChainID)
	assert.Empty(t, rec.kinds())
}

func TestSwitchChainUnknownToRegistry(t *testing.T) {
	s, conn := connected(t, 1)
	err := s.SwitchChain(context.Background(), 424242)
	assert.True(t, errors.Is(err, session.ErrChainSwitchRejected))
	assert.Empty(t, conn.Methods())
}

func TestSwitchChainWhileDisconnected(t *testing.T) {
	s := session.New(sessiontest.NewConnector(1))
	assert.True(t, errors.Is(s.SwitchChain(context.Background(), 137), session.ErrNoActiveSession))
}

func TestSwitchChainSupersededByDisconnect(t *testing.T) {
	s, conn := connected(t, 1)
	rec := record(s)
	entered := make(chan struct{})
	release := make(chan struct{})
	conn.OnRequest(func(_ context.Context, method string, _ []interface{}) (json.RawMessage, error) {
		if method == "wallet_switchEthereumChain" {
			close(entered)
			<-release
		}
		return nil, nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- s.SwitchChain(context.Background(), 137) }()
	<-entered
	require.NoError(t, s.Disconnect(context.Background()))
	close(release)

	err := <-errCh
	assert.True(t, errors.Is(err, session.ErrSuperseded))
	st := s.Snapshot()
	assert.False(t, st.Connected())
	assert.Equal(t, int64(0), st.ChainID)
	assert.Equal(t, []session.EventKind{session.EventDisconnected}, rec.kinds())
}

func TestConnectDiscardedAfterDisconnect(t *testing.T) {
	conn := sessiontest.NewConnector(1)
	conn.Hold()
	s := session.New(conn)
	rec := record(s)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Connect(context.Background(), session.ConnectOptions{})
		errCh <- err
	}()
	pending := <-conn.Pending()
	require.NoError(t, s.Disconnect(context.Background()))
	pending.Resolve(1, conn.Account())

	assert.True(t, errors.Is(<-errCh, session.ErrSuperseded))
	assert.Empty(t, rec.kinds())
	assert.False(t, s.Snapshot().Connected())
	// the wallet side of the discarded session is closed
	assert.Equal(t, 1, conn.Disconnects())
}

func TestOverlappingConnectsCommitInResolutionOrder(t *testing.T) {
	conn := sessiontest.NewConnector(1)
	conn.Hold()
	s := session.New(conn)
	rec := record(s)
	second := conn.AddAccount()

	errs := make(chan error, 2)
	connect := func() {
		_, err := s.Connect(context.Background(), session.ConnectOptions{})
		errs <- err
	}
	go connect()
	p1 := <-conn.Pending()
	go connect()
	p2 := <-conn.Pending()

	p2.Resolve(1, second)
	require.NoError(t, <-errs)
	p1.Resolve(1, conn.Account())
	require.NoError(t, <-errs)

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, second, *events[0].State.Account)
	assert.Equal(t, uint64(1), events[0].State.Epoch)
	assert.Equal(t, conn.Account(), *events[1].State.Account)
	assert.Equal(t, uint64(2), events[1].State.Epoch)
}

func TestConnectTimeout(t *testing.T) {
	conn := sessiontest.NewConnector(1)
	conn.Hold()
	s := session.New(conn)
	rec := record(s)

	_, err := s.Connect(context.Background(), session.ConnectOptions{Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// the late answer is dropped, the connector sees its context cancelled
	p := <-conn.Pending()
	p.Resolve(1, conn.Account())
	assert.False(t, s.Snapshot().Connected())
	assert.Empty(t, rec.kinds())
}

func TestSign(t *testing.T) {
	s, conn := connected(t, 1)
	msg := []byte("Sign in to the course marketplace")

	sig, err := s.Sign(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, session.VerifySignature(conn.Account(), sig, msg))
	assert.False(t, session.VerifySignature(conn.Account(), sig, []byte("other")))

	stranger := conn.AddAccount()
	conn.OnRequest(func(_ context.Context, method string, params []interface{}) (json.RawMessage, error) {
		// a wallet answering with another key
		signed, err := hexutil.Decode(params[0].(string))
		if err != nil {
			return nil, err
		}
		sig, err := conn.SignAs(stranger, signed)
		if err != nil {
			return nil, err
		}
		return json.Marshal(hexutil.Bytes(sig))
	})
	_, err = s.Sign(context.Background(), msg)
	assert.True(t, errors.Is(err, session.ErrSignatureMismatch))
}

func TestSendTransaction(t *testing.T) {
	s, conn := connected(t, 1)
	var sent map[string]interface{}
	conn.OnRequest(func(_ context.Context, method string, params []interface{}) (json.RawMessage, error) {
		if method == "eth_sendTransaction" {
			raw, _ := json.Marshal(params[0])
			_ = json.Unmarshal(raw, &sent)
		}
		return nil, nil
	})
	to := common.HexToAddress("0x00000000000000000000000000000000000000c0")
	hash, err := s.SendTransaction(context.Background(), session.TxRequest{To: &to, Data: []byte{0xca, 0xfe}})
	require.NoError(t, err)
	assert.Equal(t, sessiontest.TxHash.Hex(), hash)
	assert.Equal(t, hexutil.Encode([]byte{0xca, 0xfe}), sent["data"])
	assert.Equal(t, to.Hex(), common.HexToAddress(sent["to"].(string)).Hex())
	assert.Equal(t, conn.Account().Hex(), common.HexToAddress(sent["from"].(string)).Hex())
}

func TestNoActiveSession(t *testing.T) {
	conn := sessiontest.NewConnector(1)
	s := session.New(conn)

	_, err := s.Sign(context.Background(), []byte("x"))
	assert.True(t, errors.Is(err, session.ErrNoActiveSession))
	_, err = s.SendTransaction(context.Background(), session.TxRequest{})
	assert.True(t, errors.Is(err, session.ErrNoActiveSession))
	assert.Empty(t, conn.Methods())
}

func TestAttachReplacesConnector(t *testing.T) {
	s, old := connected(t, 1)
	rec := record(s)

	next := sessiontest.NewConnector(137)
	s.Attach(next)
	assert.Equal(t, []session.EventKind{session.EventDisconnected}, rec.kinds())

	// events from the detached connector are ignored
	old.Fire(session.ConnectorEvent{Kind: session.ConnectorChainChanged, ChainID: 5})
	_, err := s.Connect(context.Background(), session.ConnectOptions{})
	require.NoError(t, err)
	old.Fire(session.ConnectorEvent{Kind: session.ConnectorDisconnect})

	st := s.Snapshot()
	assert.True(t, st.Connected())
	assert.Equal(t, next.Account(), *st.Account)
	assert.Equal(t, int64(137), st.ChainID)
}
