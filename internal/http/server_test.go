package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"moff.io/coursewallet/internal/bridge"
	"moff.io/coursewallet/internal/cache"
	"moff.io/coursewallet/internal/chainclient/chainclienttest"
	"moff.io/coursewallet/internal/config"
	"moff.io/coursewallet/internal/connection"
	"moff.io/coursewallet/internal/progress"
	"moff.io/coursewallet/internal/session"
	"moff.io/coursewallet/internal/session/sessiontest"
)

const wait = 2 * time.Second

type fixture struct {
	conn    *sessiontest.Connector
	factory *chainclienttest.Factory
	facade  *connection.Facade
	server  *Server
}

func newFixture(t *testing.T) *fixture {
	return newLimitedFixture(t, nil, 0)
}

func newLimitedFixture(t *testing.T, limiter *redis_rate.Limiter, perMinute int) *fixture {
	fx := &fixture{
		conn:    sessiontest.NewConnector(1),
		factory: chainclienttest.NewFactory(),
	}
	s := session.New(fx.conn)
	b := bridge.New(s, fx.factory)
	fx.facade = connection.New(s, b, connection.Options{})
	fx.server = NewServer(fx.facade, progress.NewTracker(fx.facade, progress.NewMemoryStore()), limiter)
	fx.server.Apply(&config.Configuration{
		Courses:          map[string][]string{"solidity": {"intro", "wallets"}},
		Timeouts:         config.Timeouts{HTTP: 5 * time.Second},
		ConnectRateLimit: perMinute,
	})
	t.Cleanup(func() {
		fx.server.Stop()
		fx.facade.Close()
		b.Close()
	})
	return fx
}

func (fx *fixture) do(t *testing.T, method, path string, body interface{}) (int, gjson.Result) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(w, req)
	return w.Code, gjson.ParseBytes(w.Body.Bytes())
}

func (fx *fixture) connectWallet(t *testing.T) {
	require.NoError(t, fx.facade.Connect(context.Background(), session.ConnectOptions{}))
}

func TestStatusDisconnected(t *testing.T) {
	fx := newFixture(t)
	code, resp := fx.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(0), resp.Get("code").Int())
	assert.False(t, resp.Get("data.connected").Bool())
	assert.Equal(t, gjson.Null, resp.Get("data.account").Type)
	assert.False(t, resp.Get("data.chainId").Exists())
}

func TestConnectReturnsPairingURI(t *testing.T) {
	fx := newFixture(t)
	code, resp := fx.do(t, http.MethodPost, "/connect", nil)
	require.Equal(t, http.StatusOK, code, resp.Raw)
	assert.True(t, strings.HasPrefix(resp.Get("data.uri").String(), "wc:sessiontest@1"))

	png, err := base64.StdEncoding.DecodeString(resp.Get("data.qr").String())
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])

	require.Eventually(t, func() bool {
		st := fx.facade.Status()
		return st.Connected && st.ClientReady
	}, wait, time.Millisecond)
}

func TestConnectRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	fx := newLimitedFixture(t, cache.NewRateLimiter(rdb), 1)

	code, resp := fx.do(t, http.MethodPost, "/connect", nil)
	require.Equal(t, http.StatusOK, code, resp.Raw)

	req := httptest.NewRequest(http.MethodPost, "/connect", nil)
	w := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, int64(4290), gjson.GetBytes(w.Body.Bytes(), "code").Int())
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestConnectBadBody(t *testing.T) {
	fx := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/connect", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSign(t *testing.T) {
	fx := newFixture(t)
	code, resp := fx.do(t, http.MethodPost, "/sign", map[string]string{"message": "hello"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, int64(4010), resp.Get("code").Int())

	fx.connectWallet(t)
	code, resp = fx.do(t, http.MethodPost, "/sign", map[string]string{"message": "hello"})
	require.Equal(t, http.StatusOK, code, resp.Raw)
	sig, err := hexutil.Decode(resp.Get("data.signature").String())
	require.NoError(t, err)
	assert.True(t, session.VerifySignature(fx.conn.Account(), sig, []byte("hello")))

	code, _ = fx.do(t, http.MethodPost, "/sign", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSectionsFollowTheConnectedAccount(t *testing.T) {
	fx := newFixture(t)
	code, resp := fx.do(t, http.MethodGet, "/courses/solidity/sections", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, int64(4010), resp.Get("code").Int())

	fx.connectWallet(t)
	code, resp = fx.do(t, http.MethodGet, "/courses/solidity/sections", nil)
	require.Equal(t, http.StatusOK, code, resp.Raw)
	assert.Equal(t, "available", resp.Get("data.0.state").String())
	assert.Equal(t, "locked", resp.Get("data.1.state").String())

	code, resp = fx.do(t, http.MethodPost, "/courses/solidity/sections/wallets/complete", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, int64(4030), resp.Get("code").Int())

	code, resp = fx.do(t, http.MethodPost, "/courses/solidity/sections/intro/complete", nil)
	require.Equal(t, http.StatusOK, code, resp.Raw)
	assert.Equal(t, "completed", resp.Get("data.0.state").String())
	assert.Equal(t, "available", resp.Get("data.1.state").String())

	code, _ = fx.do(t, http.MethodPost, "/courses/solidity/sections/nft/complete", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, resp = fx.do(t, http.MethodGet, "/courses/rust/sections", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, int64(4041), resp.Get("code").Int())

	code, _ = fx.do(t, http.MethodDelete, "/progress", nil)
	require.Equal(t, http.StatusOK, code)
	_, resp = fx.do(t, http.MethodGet, "/courses/solidity/sections", nil)
	assert.Equal(t, "available", resp.Get("data.0.state").String())
}

func TestSwitchChain(t *testing.T) {
	fx := newFixture(t)
	fx.connectWallet(t)

	code, resp := fx.do(t, http.MethodPost, "/switch-chain", map[string]int64{"chainId": 137})
	require.Equal(t, http.StatusOK, code, resp.Raw)
	assert.Equal(t, int64(137), resp.Get("data.chainId").Int())
	assert.Equal(t, int64(137), fx.facade.Status().ChainID)

	code, _ = fx.do(t, http.MethodPost, "/switch-chain", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	fx.conn.OnRequest(func(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
		if method == "wallet_switchEthereumChain" {
			return nil, &session.RPCError{Code: session.CodeUserRejected, Message: "User rejected the request."}
		}
		return nil, nil
	})
	code, resp = fx.do(t, http.MethodPost, "/switch-chain", map[string]int64{"chainId": 1})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, int64(4001), resp.Get("code").Int())
}

func TestCourseAccessAndPurchase(t *testing.T) {
	fx := newFixture(t)
	code, resp := fx.do(t, http.MethodGet, "/courses/solidity/access", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, int64(5030), resp.Get("code").Int())

	fx.factory.Respond("hasAccess", false)
	fx.factory.Respond("coursePrice", big.NewInt(1000))
	fx.connectWallet(t)
	require.Eventually(t, func() bool { return fx.facade.Status().ClientReady }, wait, time.Millisecond)

	code, resp = fx.do(t, http.MethodGet, "/courses/solidity/access", nil)
	require.Equal(t, http.StatusOK, code, resp.Raw)
	assert.False(t, resp.Get("data.hasAccess").Bool())
	assert.Equal(t, "1000", resp.Get("data.price").String())
	assert.Equal(t, int64(1), resp.Get("data.chainId").Int())

	code, resp = fx.do(t, http.MethodPost, "/courses/solidity/purchase", nil)
	require.Equal(t, http.StatusOK, code, resp.Raw)
	assert.Equal(t, chainclienttest.TxHash.Hex(), resp.Get("data.txHash").String())

	built := fx.factory.Built()
	require.Len(t, built, 1)
	txs := built[0].Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, big.NewInt(1000), txs[0].Value)
}

func TestDisconnect(t *testing.T) {
	fx := newFixture(t)
	fx.connectWallet(t)

	code, resp := fx.do(t, http.MethodPost, "/disconnect", nil)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, resp.Get("data.connected").Bool())
	assert.Equal(t, 1, fx.conn.Disconnects())
}

func TestStatusStream(t *testing.T) {
	fx := newFixture(t)
	ts := httptest.NewServer(fx.server.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/status/stream", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))

	var st connection.Status
	require.NoError(t, conn.ReadJSON(&st))
	assert.False(t, st.Connected)

	go func() {
		_ = fx.facade.Connect(context.Background(), session.ConnectOptions{})
	}()
	for !st.ClientReady {
		require.NoError(t, conn.ReadJSON(&st))
	}
	assert.True(t, st.Connected)
	assert.Equal(t, fx.conn.Account(), *st.Account)
}
