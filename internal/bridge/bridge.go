// Package bridge keeps exactly one chain client for the live wallet session:
// one while the session has an account and a chain, none otherwise.
//
// Every rebuild captures the session epoch, chain and account plus a build
// sequence number. A build that finishes after any of them moved is closed
// and dropped without a state change, so a slow build never replaces a newer
// one.
package bridge

import (
	"context"
	"fmt"
	"moff.io/coursewallet/internal/chainclient"
	"moff.io/coursewallet/internal/session"
	"moff.io/coursewallet/pkg/emitter"
	"moff.io/coursewallet/pkg/log"
	"sync"
)

type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseBuilding
	PhaseReady
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseBuilding:
		return "building"
	case PhaseReady:
		return "ready"
	case PhaseErrored:
		return "errored"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Snapshot is the committed bridge state. Binding is set in every phase but
// Uninitialized, Client only when Ready, Err only when Errored.
type Snapshot struct {
	Phase   Phase
	Client  chainclient.Client
	Binding *chainclient.Binding
	Err     error
}

type Bridge struct {
	session *session.Session
	factory chainclient.Factory

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	snap        Snapshot
	seq         uint64
	buildCancel context.CancelFunc
	closed      bool
	off         func()

	events emitter.Emitter[Snapshot]
}

// New attaches a bridge to s. If s is already connected a build starts at once.
func New(s *session.Session, factory chainclient.Factory) *Bridge {
	b := &Bridge{session: s, factory: factory}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	off := s.Subscribe(func(ev session.Event) {
		b.reconcile(ev.State)
	})
	b.mu.Lock()
	b.off = off
	b.mu.Unlock()
	b.reconcile(s.Snapshot())
	return b
}

// OnChange registers fn for every committed bridge state.
func (b *Bridge) OnChange(fn func(Snapshot)) (off func()) {
	return b.events.On(fn)
}

func (b *Bridge) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

// Close detaches from the session and closes the current client.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	off := b.off
	changed := b.snap.Phase != PhaseUninitialized
	b.discardLocked()
	b.seq++
	b.snap = Snapshot{Phase: PhaseUninitialized}
	if changed {
		b.events.Enqueue(b.snap)
	}
	b.mu.Unlock()

	if off != nil {
		off()
	}
	b.cancel()
	b.events.Drain()
}

func (b *Bridge) reconcile(st session.State) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if !st.Connected() || st.ChainID == 0 {
		if b.snap.Phase == PhaseUninitialized {
			b.mu.Unlock()
			return
		}
		b.discardLocked()
		b.seq++
		b.snap = Snapshot{Phase: PhaseUninitialized}
		b.events.Enqueue(b.snap)
		b.mu.Unlock()
		log.WithField("epoch", st.Epoch).Infof("chain client torn down")
		b.events.Drain()
		return
	}

	target := chainclient.Binding{
		Account: *st.Account,
		ChainID: st.ChainID,
		Epoch:   st.Epoch,
		Signer:  st.Signer,
	}
	if b.snap.Binding != nil && sameBinding(*b.snap.Binding, target) {
		// Building, Ready or Errored for this exact binding already
		b.mu.Unlock()
		return
	}
	b.discardLocked()
	b.seq++
	seq := b.seq
	ctx, cancel := context.WithCancel(b.ctx)
	b.buildCancel = cancel
	b.snap = Snapshot{Phase: PhaseBuilding, Binding: &target}
	b.events.Enqueue(b.snap)
	b.mu.Unlock()

	log.WithFields(log.Fields{"build": seq, "binding": target.String()}).Debugf("chain client build started")
	go b.build(ctx, seq, target)
	b.events.Drain()
}

func (b *Bridge) build(ctx context.Context, seq uint64, target chainclient.Binding) {
	client, err := b.factory.Build(ctx, target)

	live := b.session.Snapshot()
	b.mu.Lock()
	if b.closed || seq != b.seq || !matches(live, target) {
		b.mu.Unlock()
		if client != nil {
			client.Close()
		}
		log.WithField("build", seq).Debugf("superseded chain client build discarded")
		return
	}
	if b.buildCancel != nil {
		b.buildCancel()
		b.buildCancel = nil
	}
	if err != nil {
		b.snap = Snapshot{Phase: PhaseErrored, Binding: &target, Err: err}
	} else {
		b.snap = Snapshot{Phase: PhaseReady, Binding: &target, Client: client}
	}
	b.events.Enqueue(b.snap)
	b.mu.Unlock()

	if err != nil {
		log.WithField("binding", target.String()).Warnf("chain client build failed: %v", err)
	} else {
		log.WithField("binding", target.String()).Infof("chain client ready")
	}
	b.events.Drain()
}

// discardLocked cancels the running build and closes the current client.
// b.mu must be held.
func (b *Bridge) discardLocked() {
	if b.buildCancel != nil {
		b.buildCancel()
		b.buildCancel = nil
	}
	if b.snap.Client != nil {
		b.snap.Client.Close()
	}
}

func sameBinding(a, b chainclient.Binding) bool {
	return a.Account == b.Account && a.ChainID == b.ChainID && a.Epoch == b.Epoch
}

// matches reports whether the live session state is still the one target was captured from.
func matches(live session.State, target chainclient.Binding) bool {
	return live.Connected() &&
		*live.Account == target.Account &&
		live.ChainID == target.ChainID &&
		live.Epoch == target.Epoch
}
