// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package transporttest provides a scriptable [transport.Device] for tests.
//
// Every exchange is recorded. A [Handler] decides each reply; replies may
// complete inline, on a new goroutine, or be held until the test releases
// them with [Device.Release], which allows out-of-order completion and
// cancellation races to be driven deterministically.
package transporttest

import (
	"context"
	"sync"
	"time"

	"code.hybscloud.com/viosock/transport"
)

// Reply is a handler's decision for one exchange.
type Reply struct {
	N    int
	Err  error
	Addr transport.Addr
	Out  []byte

	// Hold keeps the exchange pending until Release or Cancel.
	Hold bool
}

// Handler computes the reply for x. ep is the endpoint index.
type Handler func(ep int, x *transport.Exchange) Reply

// Record is one observed exchange.
type Record struct {
	Endpoint int
	Op       transport.Op
	Addr     transport.Addr
	Arg      uint32
	Len      int
}

// Device is a scripted transport device.
type Device struct {
	// CID is reported by the default GET_CONFIG reply.
	CID uint32

	// Handler overrides Default when set.
	Handler Handler

	// Inline completes exchanges inside Submit.
	Inline bool

	// OpenErr fails every Open.
	OpenErr error

	mu       sync.Mutex
	cond     *sync.Cond
	eps      []*Endpoint
	trace    []Record
	held     []held
	canceled int
}

type held struct {
	ep *Endpoint
	x  *transport.Exchange
}

// New creates a device reporting cid.
func New(cid uint32) *Device {
	d := &Device{CID: cid}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Default is the reply used without a Handler: every op succeeds, data
// exchanges move their full length, reads return 'r' bytes.
func (d *Device) Default(ep int, x *transport.Exchange) Reply {
	switch x.Op {
	case transport.OpGetConfig:
		out := make([]byte, transport.ConfigSize)
		transport.PutConfig(out, d.CID)
		return Reply{N: transport.ConfigSize, Out: out}
	case transport.OpWrite:
		return Reply{N: len(x.In)}
	case transport.OpRead:
		out := make([]byte, len(x.Out))
		for i := range out {
			out[i] = 'r'
		}
		return Reply{N: len(out), Out: out}
	case transport.OpGetSockName:
		return Reply{Addr: transport.Addr{CID: d.CID, Port: 1000 + uint32(ep)}}
	case transport.OpGetPeerName:
		return Reply{Addr: transport.Addr{CID: transport.CIDHost, Port: 2000 + uint32(ep)}}
	}
	return Reply{}
}

// Open implements transport.Device.
func (d *Device) Open(ctx context.Context, parent transport.Endpoint) (transport.Endpoint, error) {
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ep := &Endpoint{dev: d, index: len(d.eps)}
	if p, ok := parent.(*Endpoint); ok {
		ep.parent = p.index
	} else {
		ep.parent = -1
	}
	d.eps = append(d.eps, ep)
	return ep, nil
}

// Endpoints returns the endpoints opened so far.
func (d *Device) Endpoints() []*Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Endpoint(nil), d.eps...)
}

// Trace returns the recorded exchanges in submission order.
func (d *Device) Trace() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Record(nil), d.trace...)
}

// Ops returns the recorded ops for endpoint ep.
func (d *Device) Ops(ep int) []transport.Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ops []transport.Op
	for _, r := range d.trace {
		if r.Endpoint == ep {
			ops = append(ops, r.Op)
		}
	}
	return ops
}

// Canceled returns how many held exchanges were canceled.
func (d *Device) Canceled() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.canceled
}

// WaitHeld blocks until at least n exchanges are held or the timeout
// expires, and returns the held exchanges.
func (d *Device) WaitHeld(n int, timeout time.Duration) []*transport.Exchange {
	deadline := time.Now().Add(timeout)
	t := time.AfterFunc(timeout, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer t.Stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.held) < n && time.Now().Before(deadline) {
		d.cond.Wait()
	}
	xs := make([]*transport.Exchange, len(d.held))
	for i, h := range d.held {
		xs[i] = h.x
	}
	return xs
}

// Release completes a held exchange. It reports false if x was not held.
func (d *Device) Release(x *transport.Exchange, n int, err error) bool {
	if !d.unhold(x) {
		return false
	}
	go x.Finish(n, err)
	return true
}

func (d *Device) unhold(x *transport.Exchange) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, h := range d.held {
		if h.x == x {
			d.held = append(d.held[:i:i], d.held[i+1:]...)
			return true
		}
	}
	return false
}

// Endpoint is a scripted endpoint.
type Endpoint struct {
	dev    *Device
	index  int
	parent int

	mu     sync.Mutex
	closed bool
}

// Index returns the endpoint's position in Device.Endpoints.
func (e *Endpoint) Index() int {
	return e.index
}

// Parent returns the index of the parent endpoint, or -1.
func (e *Endpoint) Parent() int {
	return e.parent
}

// Closed reports whether Close was called.
func (e *Endpoint) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Submit implements transport.Endpoint.
func (e *Endpoint) Submit(x *transport.Exchange) {
	d := e.dev
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()

	d.mu.Lock()
	d.trace = append(d.trace, Record{Endpoint: e.index, Op: x.Op, Addr: x.Addr, Arg: x.Arg, Len: len(x.In) + len(x.Out)})
	h := d.Handler
	d.mu.Unlock()

	if closed {
		e.finish(x, 0, transport.ErrClosed)
		return
	}
	if h == nil {
		h = d.Default
	}
	r := h(e.index, x)
	if r.Out != nil {
		copy(x.Out, r.Out)
	}
	if r.Addr != (transport.Addr{}) {
		x.Addr = r.Addr
	}
	if r.Hold {
		d.mu.Lock()
		e.mu.Lock()
		closed = e.closed
		e.mu.Unlock()
		if !closed {
			d.held = append(d.held, held{e, x})
			d.cond.Broadcast()
		}
		d.mu.Unlock()
		if closed {
			e.finish(x, 0, transport.ErrClosed)
		}
		return
	}
	e.finish(x, r.N, r.Err)
}

func (e *Endpoint) finish(x *transport.Exchange, n int, err error) {
	if e.dev.Inline {
		x.Finish(n, err)
		return
	}
	go x.Finish(n, err)
}

// Cancel implements transport.Endpoint.
func (e *Endpoint) Cancel(x *transport.Exchange) {
	if !e.dev.unhold(x) {
		return
	}
	e.dev.mu.Lock()
	e.dev.canceled++
	e.dev.mu.Unlock()
	e.finish(x, 0, transport.ErrCanceled)
}

// Close implements transport.Endpoint. Held exchanges of this endpoint
// finish with ErrClosed.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	d := e.dev
	d.mu.Lock()
	var mine []*transport.Exchange
	kept := d.held[:0]
	for _, h := range d.held {
		if h.ep == e {
			mine = append(mine, h.x)
			continue
		}
		kept = append(kept, h)
	}
	d.held = kept
	d.mu.Unlock()
	for _, x := range mine {
		e.finish(x, 0, transport.ErrClosed)
	}
	return nil
}
