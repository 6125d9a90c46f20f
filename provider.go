// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package viosock

import (
	"context"
	"errors"
	"sync"

	"code.hybscloud.com/atomix"
	"lab.nexedi.com/kirr/go123/xerr"

	"code.hybscloud.com/viosock/internal/log"
	"code.hybscloud.com/viosock/transport"
)

// Provider creates sockets on a transport device and owns the deferred
// work queue they share.
type Provider struct {
	dev     transport.Device
	opts    options
	queue   *WorkQueue
	metrics *Metrics

	contexts atomix.Int64
	leases   atomix.Int64

	mu     sync.Mutex
	live   map[*Socket]struct{}
	closed bool
}

// NewProvider creates a provider over dev. Unless configured otherwise it
// starts a work queue; WithoutWorkQueue selects free-standing work items.
func NewProvider(dev transport.Device, opts ...Option) *Provider {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	p := &Provider{
		dev:     dev,
		opts:    *o,
		metrics: o.metrics,
		live:    make(map[*Socket]struct{}),
	}
	if o.workers > 0 {
		p.queue = NewWorkQueue(o.workers, o.capacity)
	}
	return p
}

// Stats is a snapshot of engine bookkeeping.
type Stats struct {
	// Contexts is the number of live completion contexts.
	Contexts int64
	// Leases is the number of outstanding drain barrier leases.
	Leases int64
	// Sockets is the number of open sockets.
	Sockets int
}

func (p *Provider) Stats() Stats {
	p.mu.Lock()
	n := len(p.live)
	p.mu.Unlock()
	return Stats{
		Contexts: p.contexts.Load(),
		Leases:   p.leases.Load(),
		Sockets:  n,
	}
}

// workItem wraps fn in the work item backend this provider uses. fn
// must not wait for other work items to run.
func (p *Provider) workItem(fn func()) WorkItem {
	if p.queue != nil {
		return meteredItem{p.queue.Item(fn), p.metrics, "queue"}
	}
	return p.blockingItem(fn)
}

// blockingItem runs fn on its own goroutine. Items that wait for a peer
// or for a drain barrier must use it.
func (p *Provider) blockingItem(fn func()) WorkItem {
	return meteredItem{&detachedItem{fn: fn}, p.metrics, "detached"}
}

// meteredItem counts an item when it is queued.
type meteredItem struct {
	WorkItem
	m       *Metrics
	backend string
}

func (w meteredItem) Queue() {
	w.m.workItem(w.backend)
	w.WorkItem.Queue()
}

func (p *Provider) closing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Provider) track(s *Socket) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.live[s] = struct{}{}
	p.metrics.socketDelta(1)
	return true
}

func (p *Provider) untrack(s *Socket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.live[s]; ok {
		delete(p.live, s)
		p.metrics.socketDelta(-1)
	}
}

// Open creates a socket and waits for it to learn its local identifier.
// ctx bounds only the endpoint creation.
func (p *Provider) Open(ctx context.Context, flavor Flavor, sockctx any) (*Socket, error) {
	return p.open(ctx, flavor, sockctx, nil)
}

// OpenAsync creates a socket from a work item. op completes with the
// socket, see Operation.Socket.
func (p *Provider) OpenAsync(op *Operation, flavor Flavor, sockctx any) error {
	if op == nil || !op.bind() {
		return ErrInvalidParameter
	}
	p.workItem(func() {
		s, err := p.open(op.context(), flavor, sockctx, nil)
		op.complete(0, err, s)
	}).Queue()
	return ErrPending
}

// SocketConnect creates a connection socket, binds it to local and
// connects it to remote, all from a work item. op completes with the
// connected socket. If any step fails the new socket is closed.
func (p *Provider) SocketConnect(op *Operation, local, remote Addr, sockctx any) error {
	if op == nil || !op.bind() {
		return ErrInvalidParameter
	}
	p.workItem(func() {
		s, err := p.open(op.context(), FlavorConnection, sockctx, nil)
		if err != nil {
			op.complete(0, err, nil)
			return
		}
		l, err := s.barrier.acquire()
		if err != nil {
			s.closeInternal(nil)
			op.complete(0, err, nil)
			return
		}
		c := newCompletion(s, stateBind, kindSocketConnect, op, l)
		c.connect = true
		c.remote = remote
		c.child = s
		c.teardown = p.blockingItem(func() { s.closeInternal(nil) })
		c.start(&transport.Exchange{Op: transport.OpBind, Addr: local})
	}).Queue()
	return ErrPending
}

// Close refuses new sockets, closes every open socket, and stops the
// work queue. It must not be called from a work item or a completion
// callback.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosing
	}
	p.closed = true
	live := make([]*Socket, 0, len(p.live))
	for s := range p.live {
		live = append(live, s)
	}
	p.mu.Unlock()

	var errv []error
	for _, s := range live {
		if err := s.closeInternal(nil); err != nil && !errors.Is(err, ErrClosing) {
			errv = append(errv, err)
		}
	}
	if p.queue != nil {
		p.queue.Close()
	}
	log.V(1).Infof("provider", "closed %d sockets", len(live))
	return xerr.Merge(errv...)
}
