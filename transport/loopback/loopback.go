// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package loopback provides an in-process [transport.Device].
//
// Endpoints opened on the same Device connect to each other through the
// device's port table, the way a guest connects to its own context
// identifier. Every exchange completes on a separate goroutine.
package loopback

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/someonegg/gocontainer/rbuf"

	"code.hybscloud.com/viosock/transport"
)

// DefaultCID is the context identifier reported by New.
const DefaultCID uint32 = 3

// DefaultReceiveBuffer bounds the bytes queued at a receiver. A write that
// does not fit is accepted partially; with no room at all it waits.
const DefaultReceiveBuffer = 256 << 10

// ephemeralBase is the first port handed out for PortAny.
const ephemeralBase uint32 = 49152

// Device is an in-process transport device.
type Device struct {
	cid   uint32
	rxMax int

	mu        sync.Mutex
	ports     map[uint32]*endpoint
	listeners map[uint32]*endpoint
	nextPort  uint32
}

// Option configures a Device.
type Option func(*Device)

// WithCID sets the context identifier returned by GET_CONFIG.
func WithCID(cid uint32) Option {
	return func(d *Device) { d.cid = cid }
}

// WithReceiveBuffer bounds the per-endpoint receive queue.
func WithReceiveBuffer(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.rxMax = n
		}
	}
}

// New creates a loopback device.
func New(opts ...Option) *Device {
	d := &Device{
		cid:       DefaultCID,
		rxMax:     DefaultReceiveBuffer,
		ports:     make(map[uint32]*endpoint),
		listeners: make(map[uint32]*endpoint),
		nextPort:  ephemeralBase,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CID returns the device's context identifier.
func (d *Device) CID() uint32 {
	return d.cid
}

// Open implements transport.Device.
func (d *Device) Open(ctx context.Context, parent transport.Endpoint) (transport.Endpoint, error) {
	if parent == nil {
		return newEndpoint(d), nil
	}
	l, ok := parent.(*endpoint)
	if !ok || l.dev != d {
		return nil, transport.ErrInvalidState
	}
	l.mu.Lock()
	backlog, done := l.backlog, l.done
	l.mu.Unlock()
	if backlog == nil {
		return nil, transport.ErrInvalidState
	}
	select {
	case e := <-backlog:
		return e, nil
	case <-done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// bind reserves a port for e. PortAny picks the next free ephemeral port.
func (d *Device) bind(e *endpoint, port uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if port == transport.PortAny {
		for {
			port = d.nextPort
			d.nextPort++
			if d.nextPort == transport.PortAny {
				d.nextPort = ephemeralBase
			}
			if _, used := d.ports[port]; !used {
				break
			}
		}
	} else if _, used := d.ports[port]; used {
		return 0, transport.ErrAddressInUse
	}
	d.ports[port] = e
	return port, nil
}

func (d *Device) unbind(e *endpoint, port uint32) {
	d.mu.Lock()
	if d.ports[port] == e {
		delete(d.ports, port)
	}
	if d.listeners[port] == e {
		delete(d.listeners, port)
	}
	d.mu.Unlock()
}

func (d *Device) listen(e *endpoint, port uint32) {
	d.mu.Lock()
	d.listeners[port] = e
	d.mu.Unlock()
}

func (d *Device) listener(port uint32) *endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listeners[port]
}

// local reports whether cid addresses this device.
func (d *Device) local(cid uint32) bool {
	return cid == d.cid || cid == transport.CIDLocal || cid == transport.CIDAny
}

// endpoint is one side of a loopback channel.
type endpoint struct {
	dev *Device

	mu        sync.Mutex
	local     transport.Addr
	remote    transport.Addr
	bound     bool
	connected bool
	closed    bool
	eof       bool
	rdShut    bool
	wrShut    bool
	peer      *endpoint
	rx        rbuf.RingBuf
	reads     []*transport.Exchange
	blocked   []blockedWrite
	backlog   chan *endpoint
	done      chan struct{}
	opts      map[uint64][]byte
}

func newEndpoint(d *Device) *endpoint {
	return &endpoint{
		dev:   d,
		local: transport.Addr{CID: d.cid, Port: transport.PortAny},
		done:  make(chan struct{}),
	}
}

// finish completes x on its own goroutine.
func finish(x *transport.Exchange, n int, err error) {
	go x.Finish(n, err)
}

// Submit implements transport.Endpoint.
func (e *endpoint) Submit(x *transport.Exchange) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		finish(x, 0, transport.ErrClosed)
		return
	}
	switch x.Op {
	case transport.OpGetConfig:
		finish(x, transport.PutConfig(x.Out, e.dev.cid), nil)
	case transport.OpBind:
		e.doBind(x)
	case transport.OpListen:
		e.doListen(x)
	case transport.OpConnect:
		e.doConnect(x)
	case transport.OpGetSockName:
		e.mu.Lock()
		x.Addr = e.local
		e.mu.Unlock()
		finish(x, 0, nil)
	case transport.OpGetPeerName:
		e.mu.Lock()
		connected, remote := e.connected, e.remote
		e.mu.Unlock()
		if !connected {
			finish(x, 0, transport.ErrNotConnected)
			return
		}
		x.Addr = remote
		finish(x, 0, nil)
	case transport.OpWrite:
		e.doWrite(x)
	case transport.OpRead:
		e.doRead(x)
	case transport.OpShutdown:
		e.doShutdown(x)
	case transport.OpSetSockOpt, transport.OpGetSockOpt:
		e.doOption(x)
	case transport.OpIoctl:
		e.doIoctl(x)
	default:
		finish(x, 0, transport.ErrUnsupportedOp)
	}
}

func (e *endpoint) doBind(x *transport.Exchange) {
	e.mu.Lock()
	bound := e.bound
	e.mu.Unlock()
	if bound {
		finish(x, 0, transport.ErrInvalidState)
		return
	}
	if !e.dev.local(x.Addr.CID) {
		finish(x, 0, transport.ErrAddressInUse)
		return
	}
	port, err := e.dev.bind(e, x.Addr.Port)
	if err != nil {
		finish(x, 0, err)
		return
	}
	e.mu.Lock()
	e.bound = true
	e.local = transport.Addr{CID: e.dev.cid, Port: port}
	e.mu.Unlock()
	finish(x, 0, nil)
}

func (e *endpoint) doListen(x *transport.Exchange) {
	backlog := int(x.Arg)
	if backlog < 1 {
		backlog = 1
	}
	e.mu.Lock()
	if !e.bound || e.connected || e.backlog != nil {
		e.mu.Unlock()
		finish(x, 0, transport.ErrInvalidState)
		return
	}
	e.backlog = make(chan *endpoint, backlog)
	port := e.local.Port
	e.mu.Unlock()
	e.dev.listen(e, port)
	finish(x, 0, nil)
}

func (e *endpoint) doConnect(x *transport.Exchange) {
	if !e.dev.local(x.Addr.CID) {
		finish(x, 0, transport.ErrConnectionRefused)
		return
	}
	l := e.dev.listener(x.Addr.Port)
	if l == nil {
		finish(x, 0, transport.ErrConnectionRefused)
		return
	}

	e.mu.Lock()
	if e.connected || e.backlog != nil {
		e.mu.Unlock()
		finish(x, 0, transport.ErrInvalidState)
		return
	}
	bound := e.bound
	e.mu.Unlock()
	if !bound {
		port, err := e.dev.bind(e, transport.PortAny)
		if err != nil {
			finish(x, 0, err)
			return
		}
		e.mu.Lock()
		e.bound = true
		e.local = transport.Addr{CID: e.dev.cid, Port: port}
		e.mu.Unlock()
	}

	e.mu.Lock()
	local := e.local
	e.mu.Unlock()
	remote := transport.Addr{CID: e.dev.cid, Port: x.Addr.Port}

	s := newEndpoint(e.dev)
	s.bound = true
	s.connected = true
	s.local = remote
	s.remote = local
	s.peer = e

	l.mu.Lock()
	closed, backlog := l.closed, l.backlog
	var queued bool
	if !closed && backlog != nil {
		select {
		case backlog <- s:
			queued = true
		default:
		}
	}
	l.mu.Unlock()
	if !queued {
		finish(x, 0, transport.ErrConnectionRefused)
		return
	}

	e.mu.Lock()
	e.peer = s
	e.remote = remote
	e.connected = true
	e.mu.Unlock()
	finish(x, 0, nil)
}

func (e *endpoint) doWrite(x *transport.Exchange) {
	e.mu.Lock()
	connected, wrShut, peer := e.connected, e.wrShut, e.peer
	e.mu.Unlock()
	switch {
	case !connected:
		finish(x, 0, transport.ErrNotConnected)
		return
	case wrShut:
		finish(x, 0, transport.ErrClosed)
		return
	}
	peer.deliver(e, x)
}

// blockedWrite is a write waiting for receive buffer space at the peer.
type blockedWrite struct {
	from *endpoint
	x    *transport.Exchange
}

// deliver queues x.In at e and serves pending reads. It accepts as much as
// fits in the receive buffer; with no room at all the write waits.
func (e *endpoint) deliver(from *endpoint, x *transport.Exchange) {
	e.mu.Lock()
	if e.closed || e.rdShut {
		e.mu.Unlock()
		finish(x, 0, transport.ErrClosed)
		return
	}
	if len(x.In) > 0 && (len(e.blocked) > 0 || e.room() == 0) {
		e.blocked = append(e.blocked, blockedWrite{from, x})
		e.mu.Unlock()
		return
	}
	n := e.acceptLocked(x.In)
	done := e.serveLocked()
	e.mu.Unlock()
	finish(x, n, nil)
	complete(done)
}

func (e *endpoint) room() int {
	if r := e.dev.rxMax - e.rx.Len(); r > 0 {
		return r
	}
	return 0
}

func (e *endpoint) acceptLocked(p []byte) int {
	if r := e.room(); len(p) > r {
		p = p[:r]
	}
	e.rx.Write(p)
	return len(p)
}

type served struct {
	x   *transport.Exchange
	n   int
	err error
}

func complete(done []served) {
	for _, r := range done {
		finish(r.x, r.n, r.err)
	}
}

// serveLocked satisfies queued reads from the receive buffer, or with
// end of stream once the peer stopped writing, then moves blocked writes
// into the space the reads freed.
func (e *endpoint) serveLocked() []served {
	var out []served
	for {
		progress := false
		for len(e.reads) > 0 {
			x := e.reads[0]
			if e.rx.Len() > 0 {
				n, _ := e.rx.Read(x.Out)
				out = append(out, served{x: x, n: n})
			} else if e.eof {
				out = append(out, served{x: x})
			} else {
				break
			}
			e.reads = e.reads[1:]
			progress = true
		}
		for len(e.blocked) > 0 && e.room() > 0 {
			w := e.blocked[0]
			e.blocked = e.blocked[1:]
			out = append(out, served{x: w.x, n: e.acceptLocked(w.x.In)})
			progress = true
		}
		if !progress {
			return out
		}
	}
}

func (e *endpoint) doRead(x *transport.Exchange) {
	e.mu.Lock()
	switch {
	case !e.connected:
		e.mu.Unlock()
		finish(x, 0, transport.ErrNotConnected)
		return
	case len(x.Out) == 0:
		e.mu.Unlock()
		finish(x, 0, nil)
		return
	case e.rx.Len() > 0 && len(e.reads) == 0:
		n, _ := e.rx.Read(x.Out)
		done := e.serveLocked()
		e.mu.Unlock()
		finish(x, n, nil)
		complete(done)
		return
	case e.eof || e.rdShut:
		e.mu.Unlock()
		finish(x, 0, nil)
		return
	}
	e.reads = append(e.reads, x)
	e.mu.Unlock()
}

// hangup marks end of stream at e and flushes pending reads.
func (e *endpoint) hangup() {
	e.mu.Lock()
	e.eof = true
	done := e.serveLocked()
	e.mu.Unlock()
	complete(done)
}

func (e *endpoint) doShutdown(x *transport.Exchange) {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		finish(x, 0, transport.ErrNotConnected)
		return
	}
	peer := e.peer
	var reads []*transport.Exchange
	if x.Arg == transport.ShutdownRead || x.Arg == transport.ShutdownBoth {
		e.rdShut = true
		reads, e.reads = e.reads, nil
	}
	wr := x.Arg == transport.ShutdownWrite || x.Arg == transport.ShutdownBoth
	if wr {
		e.wrShut = true
	}
	e.mu.Unlock()
	for _, r := range reads {
		finish(r, 0, nil)
	}
	if wr {
		peer.hangup()
	}
	finish(x, 0, nil)
}

func optionKey(level, code uint32) uint64 {
	return uint64(level)<<32 | uint64(code)
}

func (e *endpoint) doOption(x *transport.Exchange) {
	key := optionKey(x.Level, x.Arg)
	e.mu.Lock()
	if x.Op == transport.OpSetSockOpt {
		if e.opts == nil {
			e.opts = make(map[uint64][]byte)
		}
		e.opts[key] = append([]byte(nil), x.In...)
		e.mu.Unlock()
		finish(x, 0, nil)
		return
	}
	v, ok := e.opts[key]
	e.mu.Unlock()
	if !ok {
		finish(x, 0, transport.ErrUnsupportedOp)
		return
	}
	finish(x, copy(x.Out, v), nil)
}

func (e *endpoint) doIoctl(x *transport.Exchange) {
	if x.Arg != transport.IoctlBytesReadable {
		finish(x, 0, transport.ErrUnsupportedOp)
		return
	}
	e.mu.Lock()
	n := e.rx.Len()
	e.mu.Unlock()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(n))
	finish(x, copy(x.Out, b[:]), nil)
}

// Cancel implements transport.Endpoint. Queued reads and writes waiting
// for buffer space can be canceled.
func (e *endpoint) Cancel(x *transport.Exchange) {
	e.mu.Lock()
	for i, r := range e.reads {
		if r == x {
			e.reads = append(e.reads[:i:i], e.reads[i+1:]...)
			e.mu.Unlock()
			finish(x, 0, transport.ErrCanceled)
			return
		}
	}
	peer := e.peer
	e.mu.Unlock()
	if peer != nil && peer.unblock(e, x, transport.ErrCanceled) {
		return
	}
}

// unblock fails the blocked writes from the given endpoint; with x
// non-nil only that write. It reports whether anything was removed.
func (e *endpoint) unblock(from *endpoint, x *transport.Exchange, err error) bool {
	e.mu.Lock()
	var failed []*transport.Exchange
	kept := e.blocked[:0]
	for _, w := range e.blocked {
		if w.from == from && (x == nil || w.x == x) {
			failed = append(failed, w.x)
			continue
		}
		kept = append(kept, w)
	}
	e.blocked = kept
	e.mu.Unlock()
	for _, w := range failed {
		finish(w, 0, err)
	}
	return len(failed) > 0
}

// Close implements transport.Endpoint.
func (e *endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	reads := e.reads
	e.reads = nil
	for _, w := range e.blocked {
		reads = append(reads, w.x)
	}
	e.blocked = nil
	peer, connected := e.peer, e.connected
	backlog, bound, port := e.backlog, e.bound, e.local.Port
	close(e.done)
	e.mu.Unlock()

	for _, r := range reads {
		finish(r, 0, transport.ErrClosed)
	}
	if bound {
		e.dev.unbind(e, port)
	}
	if backlog != nil {
	drain:
		for {
			select {
			case s := <-backlog:
				s.Close()
			default:
				break drain
			}
		}
	}
	if connected {
		peer.unblock(e, nil, transport.ErrClosed)
		peer.hangup()
	}
	return nil
}
