// Package connection is the single surface the application uses for the
// wallet: connect, disconnect, switch chain, and one status composed from the
// session and the bridge. It keeps no state of its own besides the last
// status it delivered.
package connection

import (
	"context"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/atomic"
	"moff.io/coursewallet/internal/bridge"
	"moff.io/coursewallet/internal/chainclient"
	"moff.io/coursewallet/internal/session"
	"moff.io/coursewallet/pkg/emitter"
	"moff.io/coursewallet/pkg/errors"
	"moff.io/coursewallet/pkg/log"
	"sync"
	"time"
)

var ErrClientNotReady = errors.New("chain client not ready")

// statusQueueSize bounds the statuses buffered for one SubscribeStatus channel.
const statusQueueSize = 16

// Status is the composed connection state.
type Status struct {
	Connected   bool            `json:"connected"`
	Account     *common.Address `json:"account"`
	ChainID     int64           `json:"chainId,omitempty"`
	ClientReady bool            `json:"clientReady"`
	Error       string          `json:"error,omitempty"`
	Epoch       uint64          `json:"epoch"`
}

func (s Status) equal(o Status) bool {
	if (s.Account == nil) != (o.Account == nil) {
		return false
	}
	if s.Account != nil && *s.Account != *o.Account {
		return false
	}
	return s.Connected == o.Connected &&
		s.ChainID == o.ChainID &&
		s.ClientReady == o.ClientReady &&
		s.Error == o.Error &&
		s.Epoch == o.Epoch
}

type Options struct {
	// ConnectTimeout applies when Connect is called without a timeout.
	ConnectTimeout time.Duration
	// SwitchTimeout bounds SwitchChain when ctx has no deadline.
	SwitchTimeout time.Duration
}

type Facade struct {
	session *session.Session
	bridge  *bridge.Bridge
	opts    Options

	mu   sync.Mutex
	last Status
	offs []func()

	events emitter.Emitter[Status]

	subMu   sync.Mutex
	subs    map[chan Status]struct{}
	dropped atomic.Uint64
}

func New(s *session.Session, b *bridge.Bridge, opts Options) *Facade {
	f := &Facade{session: s, bridge: b, opts: opts, subs: make(map[chan Status]struct{})}
	f.last = compose(s.Snapshot(), b.Snapshot())
	f.events.On(f.forward)
	f.offs = append(f.offs,
		s.Subscribe(func(session.Event) { f.refresh() }),
		b.OnChange(func(bridge.Snapshot) { f.refresh() }),
	)
	return f
}

// Close stops listening to the session and the bridge.
func (f *Facade) Close() {
	f.mu.Lock()
	offs := f.offs
	f.offs = nil
	f.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

// Status composes the current status from the session and the bridge.
func (f *Facade) Status() Status {
	return compose(f.session.Snapshot(), f.bridge.Snapshot())
}

// OnChange registers fn for every status that differs from the previous one.
func (f *Facade) OnChange(fn func(Status)) (unsubscribe func()) {
	return f.events.On(fn)
}

// SubscribeStatus streams the same statuses as OnChange to ch. A subscriber
// that falls behind by more than statusQueueSize statuses loses the oldest
// ones; it never holds up the facade.
func (f *Facade) SubscribeStatus(ch chan<- Status) event.Subscription {
	queue := make(chan Status, statusQueueSize)
	f.subMu.Lock()
	f.subs[queue] = struct{}{}
	f.subMu.Unlock()

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer func() {
			f.subMu.Lock()
			delete(f.subs, queue)
			f.subMu.Unlock()
		}()
		for {
			select {
			case st := <-queue:
				select {
				case ch <- st:
				case <-quit:
					return nil
				}
			case <-quit:
				return nil
			}
		}
	})
}

// DroppedStatuses counts statuses discarded for slow SubscribeStatus channels.
func (f *Facade) DroppedStatuses() uint64 {
	return f.dropped.Load()
}

func (f *Facade) forward(st Status) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	for queue := range f.subs {
		select {
		case queue <- st:
			continue
		default:
		}
		// full: make room by discarding the oldest status
		select {
		case <-queue:
		default:
		}
		select {
		case queue <- st:
		default:
		}
		n := f.dropped.Inc()
		log.WithField("dropped", n).Warnf("status subscriber is not keeping up, oldest status discarded")
	}
}

func (f *Facade) refresh() {
	f.mu.Lock()
	st := f.Status()
	if st.equal(f.last) {
		f.mu.Unlock()
		return
	}
	f.last = st
	f.events.Enqueue(st)
	f.mu.Unlock()
	f.events.Drain()
}

// Connect connects the wallet session. The chain client is built by the
// bridge in reaction, so ClientReady turns true later.
func (f *Facade) Connect(ctx context.Context, opts session.ConnectOptions) error {
	if opts.Timeout == 0 {
		opts.Timeout = f.opts.ConnectTimeout
	}
	_, err := f.session.Connect(ctx, opts)
	return err
}

func (f *Facade) Disconnect(ctx context.Context) error {
	return f.session.Disconnect(ctx)
}

func (f *Facade) SwitchChain(ctx context.Context, chainID int64) error {
	if _, ok := ctx.Deadline(); !ok && f.opts.SwitchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.SwitchTimeout)
		defer cancel()
	}
	return f.session.SwitchChain(ctx, chainID)
}

// Client returns the ready chain client of the live session.
func (f *Facade) Client() (chainclient.Client, error) {
	st := f.session.Snapshot()
	snap := f.bridge.Snapshot()
	if snap.Phase != bridge.PhaseReady || snap.Binding == nil || !bound(st, *snap.Binding) {
		return nil, ErrClientNotReady
	}
	return snap.Client, nil
}

func (f *Facade) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	return f.session.Sign(ctx, msg)
}

func (f *Facade) SendTransaction(ctx context.Context, tx session.TxRequest) (string, error) {
	return f.session.SendTransaction(ctx, tx)
}

// ActiveAccount returns the connected account, if any.
func (f *Facade) ActiveAccount() (common.Address, bool) {
	st := f.session.Snapshot()
	if st.Account == nil {
		return common.Address{}, false
	}
	return *st.Account, true
}

func compose(st session.State, snap bridge.Snapshot) Status {
	s := Status{
		Connected: st.Connected(),
		Account:   st.Account,
		ChainID:   st.ChainID,
		Epoch:     st.Epoch,
	}
	if !st.Connected() || snap.Binding == nil || !bound(st, *snap.Binding) {
		return s
	}
	switch snap.Phase {
	case bridge.PhaseReady:
		s.ClientReady = true
	case bridge.PhaseErrored:
		if snap.Err != nil {
			s.Error = snap.Err.Error()
		}
	}
	return s
}

func bound(st session.State, b chainclient.Binding) bool {
	return st.Account != nil &&
		*st.Account == b.Account &&
		st.ChainID == b.ChainID &&
		st.Epoch == b.Epoch
}
