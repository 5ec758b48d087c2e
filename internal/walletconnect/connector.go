package walletconnect

import (
	"context"
	"encoding/json"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"
	"moff.io/coursewallet/internal/chains"
	"moff.io/coursewallet/internal/session"
	"moff.io/coursewallet/pkg/emitter"
	"moff.io/coursewallet/pkg/errors"
	"moff.io/coursewallet/pkg/log"
	"moff.io/coursewallet/pkg/wcutil"
	"strings"
	"sync"
	"time"
)

var (
	errSessionClosed = errors.New("wallet connect session closed")
	errNotConnected  = errors.New("wallet connect session not established")
)

type Config struct {
	// BridgeURL is the bridge server, empty picks a public one per connect.
	BridgeURL string
	Meta      ClientMeta
}

// Connector speaks the WalletConnect v1 protocol through a bridge server.
// It keeps at most one approved session.
//
// 交互流程见文档：https://docs.walletconnect.com/tech-spec#establishing-connection
type Connector struct {
	cfg       Config
	dialer    websocket.Dialer
	payloadID atomic.Int64

	mu      sync.Mutex
	current *wcSession

	events emitter.Emitter[session.ConnectorEvent]
}

func NewConnector(cfg Config) *Connector {
	c := &Connector{cfg: cfg}
	c.payloadID.Store(time.Now().UnixNano() / 1000)
	return c
}

func (c *Connector) nextID() int64 {
	return c.payloadID.Inc()
}

func (c *Connector) Subscribe(fn func(session.ConnectorEvent)) func() {
	return c.events.On(fn)
}

// Connect opens a fresh handshake: subscribe on our client topic, publish an
// encrypted wc_sessionRequest on the handshake topic, hand the pairing uri to
// opts.DisplayURI and wait for the wallet to answer. A rejected session
// yields zero accounts.
func (c *Connector) Connect(ctx context.Context, opts session.ConnectOptions) (*session.ConnectResult, error) {
	bridgeURL := c.cfg.BridgeURL
	if bridgeURL == "" {
		bridgeURL = wcutil.RandomBridgeURL()
	}
	s, err := c.dial(ctx, bridgeURL)
	if err != nil {
		return nil, err
	}
	established := false
	defer func() {
		if !established {
			s.close()
		}
	}()

	if err := s.send(wcMessage{Topic: s.clientID, Type: "sub", Silent: true}); err != nil {
		return nil, err
	}
	var chainID interface{}
	if opts.ChainID != 0 {
		chainID = opts.ChainID
	}
	handshakeTopic := uuid.NewString()
	req := newJSONRpcRequest(c.nextID(), "wc_sessionRequest", peer{
		PeerID:   s.clientID,
		PeerMeta: c.cfg.Meta,
		ChainID:  chainID,
	})
	reply := s.expect(req.Id)
	defer s.forget(req.Id)
	if err := s.publish(handshakeTopic, req); err != nil {
		return nil, err
	}

	uri := wcutil.SessionURI{Topic: handshakeTopic, Version: "1", Bridge: bridgeURL, Key: s.key}.String()
	log.Debugf("wallet connect - generated uri:%v", uri)
	if opts.DisplayURI != nil {
		if err := opts.DisplayURI(uri); err != nil {
			return nil, errors.Wrap(err, "display wallet connect uri")
		}
	}

	payload, err := s.await(ctx, reply)
	if err != nil {
		return nil, err
	}
	log.Debugf("wallet connect - create session response:%v", payload)
	if gjson.Get(payload, "error").Exists() {
		rpcErr := rpcError(payload)
		if strings.Contains(rpcErr.Message, "Session Rejected") {
			log.Infof("wallet connect - session rejected by the wallet")
			return &session.ConnectResult{}, nil
		}
		return nil, rpcErr
	}
	var params sessionParams
	if err := json.Unmarshal([]byte(gjson.Get(payload, "result").Raw), &params); err != nil {
		return nil, errors.Wrap(err, "unmarshal wallet info")
	}
	if !params.Approved {
		return &session.ConnectResult{}, nil
	}
	accounts, err := parseAccounts(params.Accounts)
	if err != nil {
		return nil, err
	}
	chain, err := parseChainID(params.ChainID)
	if err != nil {
		return nil, err
	}

	s.approve(params.PeerID)
	c.mu.Lock()
	old := c.current
	c.current = s
	c.mu.Unlock()
	if old != nil {
		old.close()
	}
	established = true

	c.events.Emit(session.ConnectorEvent{Kind: session.ConnectorConnect, Accounts: accounts, ChainID: chain})
	return &session.ConnectResult{Accounts: accounts, ChainID: chain}, nil
}

// Disconnect tells the wallet the session is over and closes the socket.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	s := c.current
	c.current = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	defer s.close()
	req := newJSONRpcRequest(c.nextID(), "wc_sessionUpdate", sessionParams{Approved: false})
	return s.publish(s.peer(), req)
}

// Request publishes a JSON-RPC request to the wallet and waits for its answer.
func (c *Connector) Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return nil, errNotConnected
	}
	req := newJSONRpcRequest(c.nextID(), method, params...)
	reply := s.expect(req.Id)
	defer s.forget(req.Id)
	if err := s.publish(s.peer(), req); err != nil {
		return nil, err
	}
	payload, err := s.await(ctx, reply)
	if err != nil {
		return nil, err
	}
	if gjson.Get(payload, "error").Exists() {
		return nil, rpcError(payload)
	}
	result := gjson.Get(payload, "result")
	if !result.Exists() {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(result.Raw), nil
}

func (c *Connector) isCurrent(s *wcSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == s
}

// lost drops s and reports the disconnect if s was the live session.
func (c *Connector) lost(s *wcSession) {
	c.mu.Lock()
	if c.current != s {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.mu.Unlock()
	log.Warnf("wallet connect - session %s lost", s.clientID)
	c.events.Emit(session.ConnectorEvent{Kind: session.ConnectorDisconnect})
}

func (c *Connector) sessionUpdated(s *wcSession, params sessionParams) {
	if !c.isCurrent(s) {
		return
	}
	if !params.Approved {
		// 用户断开链接
		c.lost(s)
		s.close()
		return
	}
	if len(params.Accounts) > 0 {
		accounts, err := parseAccounts(params.Accounts)
		if err != nil {
			log.Warnf("wallet connect - session update: %v", err)
			return
		}
		c.events.Emit(session.ConnectorEvent{Kind: session.ConnectorAccountsChanged, Accounts: accounts})
	}
	if chain, err := parseChainID(params.ChainID); err == nil && chain != 0 {
		c.events.Emit(session.ConnectorEvent{Kind: session.ConnectorChainChanged, ChainID: chain})
	}
}

func rpcError(payload string) *session.RPCError {
	e := &session.RPCError{
		Code:    int(gjson.Get(payload, "error.code").Int()),
		Message: gjson.Get(payload, "error.message").String(),
	}
	if e.Message == "" {
		e.Message = gjson.Get(payload, "error").String()
	}
	if data := gjson.Get(payload, "error.data"); data.Exists() {
		e.Data = json.RawMessage(data.Raw)
	}
	return e
}

func parseAccounts(raw []string) ([]common.Address, error) {
	accounts := make([]common.Address, 0, len(raw))
	for _, a := range raw {
		if !common.IsHexAddress(a) {
			return nil, errors.Errorf("wallet returned invalid account %q", a)
		}
		accounts = append(accounts, common.HexToAddress(a))
	}
	return accounts, nil
}

func parseChainID(v interface{}) (int64, error) {
	if v == nil {
		return 0, nil
	}
	return chains.ParseChainID(v)
}
