package walletconnect

import (
	"context"
	"encoding/json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"
	"moff.io/coursewallet/pkg/errors"
	"moff.io/coursewallet/pkg/log"
	"moff.io/coursewallet/pkg/wcutil"
	"sync"
)

// wcSession is one bridge connection and the key shared with one wallet.
type wcSession struct {
	owner    *Connector
	conn     *websocket.Conn
	writeMu  sync.Mutex
	clientID string
	key      []byte

	mu      sync.Mutex
	peerID  string
	pending map[int64]chan string

	closed atomic.Bool
	done   chan struct{}
}

func (c *Connector) dial(ctx context.Context, bridgeURL string) (*wcSession, error) {
	key, err := wcutil.GenerateRandomBytes(256 / 8)
	if err != nil {
		return nil, errors.WrapAndReport(err, "generate wallet connect key")
	}
	wsURL := wcutil.GetWebSocketURL(bridgeURL, "wc", "1")
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial to wallet connect bridge url")
	}
	s := &wcSession{
		owner:    c,
		conn:     conn,
		clientID: uuid.NewString(),
		key:      key,
		pending:  make(map[int64]chan string),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *wcSession) approve(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerID = peerID
}

func (s *wcSession) peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// close ends the session without reporting it to the connector's subscribers.
func (s *wcSession) close() {
	if s.closed.CAS(false, true) {
		s.conn.Close()
	}
}

func (s *wcSession) expect(id int64) chan string {
	ch := make(chan string, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *wcSession) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *wcSession) await(ctx context.Context, reply chan string) (string, error) {
	select {
	case payload := <-reply:
		return payload, nil
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "wait for wallet answer")
	case <-s.done:
		return "", errSessionClosed
	}
}

func (s *wcSession) send(msg wcMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, msg.Marshal()); err != nil {
		return errors.Wrap(err, "write wallet connect message to server")
	}
	return nil
}

func (s *wcSession) publish(topic string, req *jsonRpcRequest) error {
	sealed, err := wcutil.Seal(req.Marshal(), s.key)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(sealed)
	if err != nil {
		return errors.Wrap(err, "marshal wallet connect payload")
	}
	log.Debugf("wallet connect - publish %s on %s", req.Method, topic)
	return s.send(wcMessage{
		Topic:   topic,
		Type:    "pub",
		Payload: string(payload),
		Silent:  req.IsSilentPayload(),
	})
}

func (s *wcSession) decrypt(raw string) (string, error) {
	var p wcutil.EncryptedPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return "", errors.Wrap(err, "unmarshal wallet connect message payload")
	}
	data, err := wcutil.Open(&p, s.key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *wcSession) readLoop() {
	defer s.terminate()
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				log.Warnf("wallet connect - read session message: %v", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		log.Debugf("wallet connect - receive:%v", string(data))
		msg, err := newWCMessageFromBytes(data)
		if err != nil {
			log.Warnf("wallet connect - %v", err)
			continue
		}
		if msg.Type != "pub" {
			continue
		}
		if err := s.send(wcMessage{Topic: msg.Topic, Type: "ack", Silent: true}); err != nil {
			log.Warnf("wallet connect - ack: %v", err)
		}
		payload, err := s.decrypt(msg.Payload)
		if err != nil {
			log.Warnf("wallet connect - drop message: %v", err)
			continue
		}
		s.route(payload)
	}
}

// terminate runs once, when the read loop exits.
func (s *wcSession) terminate() {
	unexpected := s.closed.CAS(false, true)
	s.conn.Close()
	close(s.done)
	if unexpected {
		s.owner.lost(s)
	}
}

func (s *wcSession) route(payload string) {
	if method := gjson.Get(payload, "method"); method.Exists() {
		if method.String() != "wc_sessionUpdate" {
			log.Debugf("wallet connect - ignore wallet request %s", method.String())
			return
		}
		params := gjson.Get(payload, "params.0")
		if !params.Exists() {
			// 不应该发生
			return
		}
		var update sessionParams
		if err := json.Unmarshal([]byte(params.Raw), &update); err != nil {
			log.Warnf("wallet connect - session update: %v", err)
			return
		}
		s.owner.sessionUpdated(s, update)
		return
	}
	id := gjson.Get(payload, "id").Int()
	s.mu.Lock()
	reply, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		log.Debugf("wallet connect - no pending request for response %d", id)
		return
	}
	reply <- payload
}
