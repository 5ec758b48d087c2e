package bridge_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moff.io/coursewallet/internal/bridge"
	"moff.io/coursewallet/internal/chainclient"
	"moff.io/coursewallet/internal/chainclient/chainclienttest"
	"moff.io/coursewallet/internal/session"
	"moff.io/coursewallet/internal/session/sessiontest"
	"moff.io/coursewallet/pkg/errors"
)

const wait = 2 * time.Second

type history struct {
	mu    sync.Mutex
	snaps []bridge.Snapshot
}

func watch(b *bridge.Bridge) *history {
	h := &history{}
	b.OnChange(func(s bridge.Snapshot) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.snaps = append(h.snaps, s)
	})
	return h
}

func (h *history) phases() []bridge.Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	phases := make([]bridge.Phase, 0, len(h.snaps))
	for _, s := range h.snaps {
		phases = append(phases, s.Phase)
	}
	return phases
}

func (h *history) ready() []bridge.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ready []bridge.Snapshot
	for _, s := range h.snaps {
		if s.Phase == bridge.PhaseReady {
			ready = append(ready, s)
		}
	}
	return ready
}

func setup() (*session.Session, *sessiontest.Connector, *chainclienttest.Factory, *bridge.Bridge) {
	conn := sessiontest.NewConnector(1)
	s := session.New(conn)
	f := chainclienttest.NewFactory()
	return s, conn, f, bridge.New(s, f)
}

func waitPhase(t *testing.T, b *bridge.Bridge, phase bridge.Phase) bridge.Snapshot {
	require.Eventually(t, func() bool { return b.Snapshot().Phase == phase }, wait, time.Millisecond)
	return b.Snapshot()
}

func TestBuildOnConnect(t *testing.T) {
	s, conn, _, b := setup()
	h := watch(b)
	assert.Equal(t, bridge.PhaseUninitialized, b.Snapshot().Phase)

	_, err := s.Connect(context.Background(), session.ConnectOptions{})
	require.NoError(t, err)

	snap := waitPhase(t, b, bridge.PhaseReady)
	require.NotNil(t, snap.Client)
	assert.Equal(t, conn.Account(), snap.Client.Binding().Account)
	assert.Equal(t, int64(1), snap.Binding.ChainID)
	assert.Equal(t, uint64(1), snap.Binding.Epoch)
	assert.NoError(t, snap.Err)
	assert.Equal(t, []bridge.Phase{bridge.PhaseBuilding, bridge.PhaseReady}, h.phases())
}

func TestBuildStartsForAlreadyConnectedSession(t *testing.T) {
	conn := sessiontest.NewConnector(1)
	s := session.New(conn)
	_, err := s.Connect(context.Background(), session.ConnectOptions{})
	require.NoError(t, err)

	b := bridge.New(s, chainclienttest.NewFactory())
	waitPhase(t, b, bridge.PhaseReady)
}

func TestOutOfOrderBuildsOnlyLatestBecomesReady(t *testing.T) {
	s, _, f, b := setup()
	f.Hold()
	h := watch(b)
	ctx := context.Background()

	_, err := s.Connect(ctx, session.ConnectOptions{})
	require.NoError(t, err)
	first := <-f.Pending()
	_, err = s.Connect(ctx, session.ConnectOptions{})
	require.NoError(t, err)
	second := <-f.Pending()
	assert.Equal(t, uint64(1), first.Binding.Epoch)
	assert.Equal(t, uint64(2), second.Binding.Epoch)

	second.Succeed()
	snap := waitPhase(t, b, bridge.PhaseReady)
	assert.Equal(t, uint64(2), snap.Binding.Epoch)

	first.Succeed()
	require.Eventually(t, func() bool {
		built := f.Built()
		return len(built) == 2 && built[1].Closed()
	}, wait, time.Millisecond)

	ready := h.ready()
	require.Len(t, ready, 1)
	assert.Equal(t, uint64(2), ready[0].Binding.Epoch)
	assert.Equal(t, uint64(2), b.Snapshot().Binding.Epoch)
	assert.False(t, f.Built()[0].Closed())
}

func TestStaleBuildFinishingFirstIsDiscarded(t *testing.T) {
	s, _, f, b := setup()
	f.Hold()
	h := watch(b)
	ctx := context.Background()

	_, err := s.Connect(ctx, session.ConnectOptions{})
	require.NoError(t, err)
	first := <-f.Pending()
	_, err = s.Connect(ctx, session.ConnectOptions{})
	require.NoError(t, err)
	second := <-f.Pending()

	first.Fail(errors.New("rpc unreachable"))
	// the stale failure is not recorded either
	require.Never(t, func() bool { return b.Snapshot().Phase != bridge.PhaseBuilding }, 50*time.Millisecond, time.Millisecond)

	second.Succeed()
	snap := waitPhase(t, b, bridge.PhaseReady)
	assert.Equal(t, uint64(2), snap.Binding.Epoch)
	assert.NotContains(t, h.phases(), bridge.PhaseErrored)
	assert.Len(t, h.ready(), 1)
}

func TestDisconnectTearsDown(t *testing.T) {
	s, _, _, b := setup()
	ctx := context.Background()
	_, err := s.Connect(ctx, session.ConnectOptions{})
	require.NoError(t, err)
	client := waitPhase(t, b, bridge.PhaseReady).Client

	require.NoError(t, s.Disconnect(ctx))
	snap := b.Snapshot()
	assert.Equal(t, bridge.PhaseUninitialized, snap.Phase)
	assert.Nil(t, snap.Client)
	assert.Nil(t, snap.Binding)

	var out []interface{}
	err = client.Call(ctx, &out, "hasAccess")
	assert.True(t, errors.Is(err, chainclient.ErrClientClosed))
}

func TestConstructionFailure(t *testing.T) {
	s, _, f, b := setup()
	ctx := context.Background()
	f.FailWith(errors.New("missing rpc url"))

	_, err := s.Connect(ctx, session.ConnectOptions{})
	require.NoError(t, err)
	snap := waitPhase(t, b, bridge.PhaseErrored)
	assert.True(t, errors.Is(snap.Err, chainclient.ErrClientConstructionFailed))
	assert.Nil(t, snap.Client)

	// no retry without a new session event
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.Calls())

	f.FailWith(nil)
	require.NoError(t, s.Disconnect(ctx))
	assert.Equal(t, bridge.PhaseUninitialized, b.Snapshot().Phase)
	_, err = s.Connect(ctx, session.ConnectOptions{})
	require.NoError(t, err)
	snap = waitPhase(t, b, bridge.PhaseReady)
	assert.NoError(t, snap.Err)
	assert.Equal(t, 2, f.Calls())
}

func TestAccountChangeRebuilds(t *testing.T) {
	s, conn, _, b := setup()
	ctx := context.Background()
	_, err := s.Connect(ctx, session.ConnectOptions{})
	require.NoError(t, err)
	old := waitPhase(t, b, bridge.PhaseReady).Client

	other := conn.AddAccount()
	conn.Fire(session.ConnectorEvent{Kind: session.ConnectorAccountsChanged, Accounts: []common.Address{other}})

	require.Eventually(t, func() bool {
		snap := b.Snapshot()
		return snap.Phase == bridge.PhaseReady && snap.Binding.Account == other
	}, wait, time.Millisecond)
	snap := b.Snapshot()
	assert.Equal(t, uint64(1), snap.Binding.Epoch)
	assert.Equal(t, other, snap.Binding.Signer.Address())
	assert.True(t, old.(*chainclienttest.Client).Closed())
}

func TestChainChangeRebuilds(t *testing.T) {
	s, conn, _, b := setup()
	ctx := context.Background()
	_, err := s.Connect(ctx, session.ConnectOptions{})
	require.NoError(t, err)
	waitPhase(t, b, bridge.PhaseReady)

	conn.Fire(session.ConnectorEvent{Kind: session.ConnectorChainChanged, ChainID: 137})
	require.Eventually(t, func() bool {
		snap := b.Snapshot()
		return snap.Phase == bridge.PhaseReady && snap.Binding.ChainID == 137
	}, wait, time.Millisecond)
}

func TestClose(t *testing.T) {
	s, _, f, b := setup()
	ctx := context.Background()
	_, err := s.Connect(ctx, session.ConnectOptions{})
	require.NoError(t, err)
	client := waitPhase(t, b, bridge.PhaseReady).Client

	b.Close()
	b.Close()
	assert.Equal(t, bridge.PhaseUninitialized, b.Snapshot().Phase)
	assert.True(t, client.(*chainclienttest.Client).Closed())

	// detached: further session events start no builds
	require.NoError(t, s.Disconnect(ctx))
	_, err = s.Connect(ctx, session.ConnectOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.Calls())
}
