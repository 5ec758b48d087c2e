// Package chainclienttest provides an in-memory chain client factory whose
// builds can be held and completed in any order.
package chainclienttest

import (
	"context"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/atomic"
	"moff.io/coursewallet/internal/chainclient"
	"sync"
)

// TxHash is returned for every Transact.
var TxHash = common.HexToHash("0x9b2f6a1fbe0a3aa2bd1f0e13c1ad5c30dfa9d0b3e3e5bb5e1f3f1b8a2a6c7d40")

// Client answers calls with the values registered through Factory.Respond.
type Client struct {
	binding   chainclient.Binding
	responses map[string][]interface{}
	closed    atomic.Bool

	mu       sync.Mutex
	transact []chainclient.TransactOpts
}

func (c *Client) Binding() chainclient.Binding {
	return c.binding
}

func (c *Client) Call(ctx context.Context, results *[]interface{}, method string, args ...interface{}) error {
	if c.closed.Load() {
		return chainclient.ErrClientClosed
	}
	*results = append([]interface{}(nil), c.responses[method]...)
	return nil
}

func (c *Client) Transact(ctx context.Context, opts chainclient.TransactOpts, method string, args ...interface{}) (common.Hash, error) {
	if c.closed.Load() {
		return common.Hash{}, chainclient.ErrClientClosed
	}
	c.mu.Lock()
	c.transact = append(c.transact, opts)
	c.mu.Unlock()
	return TxHash, nil
}

// Transactions returns the options of every Transact so far.
func (c *Client) Transactions() []chainclient.TransactOpts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chainclient.TransactOpts(nil), c.transact...)
}

func (c *Client) Close() {
	c.closed.Store(true)
}

func (c *Client) Closed() bool {
	return c.closed.Load()
}

// PendingBuild is a Build call held until the test completes it.
type PendingBuild struct {
	Binding chainclient.Binding
	done    chan error
}

func (p *PendingBuild) Succeed() {
	p.done <- nil
}

func (p *PendingBuild) Fail(err error) {
	p.done <- err
}

type Factory struct {
	mu      sync.Mutex
	hold    bool
	fail    error
	answers map[string][]interface{}
	pending chan *PendingBuild
	built   []*Client
	calls   int
}

func NewFactory() *Factory {
	return &Factory{
		pending: make(chan *PendingBuild, 16),
		answers: make(map[string][]interface{}),
	}
}

// Respond makes clients built afterwards answer method with values.
func (f *Factory) Respond(method string, values ...interface{}) {
	f.mu.Lock()
	f.answers[method] = values
	f.mu.Unlock()
}

// Hold makes every following Build wait on Pending.
func (f *Factory) Hold() {
	f.mu.Lock()
	f.hold = true
	f.mu.Unlock()
}

// FailWith makes every following unheld Build fail with err, nil restores success.
func (f *Factory) FailWith(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *Factory) Pending() <-chan *PendingBuild {
	return f.pending
}

// Built returns every client handed out, in build completion order.
func (f *Factory) Built() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.built...)
}

// Calls is the number of Build calls so far.
func (f *Factory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Factory) Build(ctx context.Context, b chainclient.Binding) (chainclient.Client, error) {
	f.mu.Lock()
	f.calls++
	hold, fail := f.hold, f.fail
	answers := make(map[string][]interface{}, len(f.answers))
	for method, values := range f.answers {
		answers[method] = values
	}
	f.mu.Unlock()

	if hold {
		p := &PendingBuild{Binding: b, done: make(chan error, 1)}
		f.pending <- p
		// completion is driven by the test, not by ctx
		fail = <-p.done
	}
	if fail != nil {
		return nil, chainclient.ConstructionFailed(fail, "build %s", b)
	}
	c := &Client{binding: b, responses: answers}
	f.mu.Lock()
	f.built = append(f.built, c)
	f.mu.Unlock()
	return c, nil
}
