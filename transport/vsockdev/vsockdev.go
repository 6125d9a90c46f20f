// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package vsockdev

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/mdlayher/vsock"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"code.hybscloud.com/viosock/internal/log"
	"code.hybscloud.com/viosock/transport"
)

var _ transport.Device = (*Device)(nil)

// Device opens AF_VSOCK endpoints on the local machine.
type Device struct {
	cid func() (uint32, error)
}

// New returns a Device that reports the local context identifier as
// returned by the kernel.
func New() *Device {
	return &Device{cid: vsock.ContextID}
}

// Open implements transport.Device. With a listening parent it waits for
// the next connection on the parent's listener. Canceling ctx gives up
// the wait without disturbing other callers waiting on the same listener.
func (d *Device) Open(ctx context.Context, parent transport.Endpoint) (transport.Endpoint, error) {
	if parent == nil {
		return newEndpoint(d), nil
	}
	l, ok := parent.(*endpoint)
	if !ok {
		return nil, transport.ErrInvalidState
	}
	l.mu.Lock()
	incoming := l.incoming
	l.mu.Unlock()
	if incoming == nil {
		return nil, transport.ErrInvalidState
	}

	select {
	case a, ok := <-incoming:
		if !ok {
			return nil, transport.ErrClosed
		}
		if a.err != nil {
			return nil, mapError(a.err, "accept")
		}
		return acceptedEndpoint(d, a.c), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type accepted struct {
	c   *vsock.Conn
	err error
}

// acceptLoop hands each connection accepted on ln to exactly one Open.
// It closes out when ln is closed.
func acceptLoop(ln *vsock.Listener, out chan<- accepted, stop <-chan struct{}) {
	defer close(out)
	for {
		c, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		a := accepted{err: err}
		if err == nil {
			a.c = c.(*vsock.Conn)
		}
		select {
		case out <- a:
		case <-stop:
			if a.c != nil {
				a.c.Close()
			}
			return
		}
	}
}

// endpoint is one AF_VSOCK socket. Blocking calls run on their own
// goroutines so Submit never blocks.
type endpoint struct {
	dev *Device

	mu     sync.Mutex
	local  transport.Addr
	bound  bool
	conn   *vsock.Conn
	ln     *vsock.Listener
	closed bool

	// incoming is fed by acceptLoop once the socket listens; stop ends it.
	incoming chan accepted
	stop     chan struct{}

	// pending maps in-flight exchanges to their cancel state.
	pending map[*transport.Exchange]*inflight
}

type inflight struct {
	canceled atomix.Uint32
}

// claim reports whether the caller is the one to finish a connect.
// Cancel and Close race the dialing goroutine for it.
func (f *inflight) claim() bool {
	return f.canceled.CompareAndSwap(0, 1)
}

func newEndpoint(d *Device) *endpoint {
	return &endpoint{
		dev:     d,
		local:   transport.Addr{CID: transport.CIDAny, Port: transport.PortAny},
		pending: make(map[*transport.Exchange]*inflight),
	}
}

func acceptedEndpoint(d *Device, c *vsock.Conn) *endpoint {
	e := newEndpoint(d)
	e.conn = c
	e.bound = true
	e.local = fromNetAddr(c.LocalAddr())
	return e
}

func fromNetAddr(a net.Addr) transport.Addr {
	if va, ok := a.(*vsock.Addr); ok {
		return transport.Addr{CID: va.ContextID, Port: va.Port}
	}
	return transport.Addr{CID: transport.CIDAny, Port: transport.PortAny}
}

// Submit implements transport.Endpoint.
func (e *endpoint) Submit(x *transport.Exchange) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		go x.Finish(0, transport.ErrClosed)
		return
	}
	switch x.Op {
	case transport.OpGetConfig:
		go e.doGetConfig(x)
	case transport.OpBind:
		go e.doBind(x)
	case transport.OpListen:
		go e.doListen(x)
	case transport.OpConnect:
		e.track(x, func(f *inflight) { e.doConnect(x, f) })
	case transport.OpRead:
		e.track(x, func(f *inflight) { e.doRead(x, f) })
	case transport.OpWrite:
		e.track(x, func(f *inflight) { e.doWrite(x, f) })
	case transport.OpGetSockName:
		go e.doSockName(x)
	case transport.OpGetPeerName:
		go e.doPeerName(x)
	case transport.OpShutdown:
		go e.doShutdown(x)
	case transport.OpSetSockOpt, transport.OpGetSockOpt:
		go e.doOption(x)
	case transport.OpIoctl:
		go e.doIoctl(x)
	default:
		go x.Finish(0, transport.ErrUnsupportedOp)
	}
}

// track registers x as cancelable and runs fn on a new goroutine.
func (e *endpoint) track(x *transport.Exchange, fn func(f *inflight)) {
	f := &inflight{}
	e.mu.Lock()
	e.pending[x] = f
	e.mu.Unlock()
	go func() {
		fn(f)
		e.mu.Lock()
		delete(e.pending, x)
		e.mu.Unlock()
	}()
}

func (e *endpoint) doGetConfig(x *transport.Exchange) {
	cid, err := e.dev.cid()
	if err != nil {
		x.Finish(0, mapError(err, "get config"))
		return
	}
	x.Finish(transport.PutConfig(x.Out, cid), nil)
}

func (e *endpoint) doBind(x *transport.Exchange) {
	e.mu.Lock()
	if e.bound {
		e.mu.Unlock()
		x.Finish(0, transport.ErrInvalidState)
		return
	}
	// The port is claimed by LISTEN; connecting sockets take an
	// ephemeral port from the kernel.
	e.local = x.Addr
	e.bound = true
	e.mu.Unlock()
	x.Finish(0, nil)
}

func (e *endpoint) doListen(x *transport.Exchange) {
	e.mu.Lock()
	if !e.bound || e.ln != nil || e.conn != nil {
		e.mu.Unlock()
		x.Finish(0, transport.ErrInvalidState)
		return
	}
	local := e.local
	e.mu.Unlock()

	cid := local.CID
	if cid == transport.CIDAny {
		var err error
		if cid, err = e.dev.cid(); err != nil {
			x.Finish(0, mapError(err, "listen"))
			return
		}
	}
	port := local.Port
	if port == transport.PortAny {
		port = 0
	}
	ln, err := vsock.ListenContextID(cid, port, nil)
	if err != nil {
		x.Finish(0, mapError(err, "listen"))
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		ln.Close()
		x.Finish(0, transport.ErrClosed)
		return
	}
	e.ln = ln
	e.local = fromNetAddr(ln.Addr())
	e.incoming = make(chan accepted)
	e.stop = make(chan struct{})
	go acceptLoop(ln, e.incoming, e.stop)
	e.mu.Unlock()
	log.V(1).Infof("vsock", "listening on %v backlog=%d", e.local, x.Arg)
	x.Finish(0, nil)
}

func (e *endpoint) doConnect(x *transport.Exchange, f *inflight) {
	e.mu.Lock()
	busy := e.conn != nil || e.ln != nil
	e.mu.Unlock()
	if busy {
		if f.claim() {
			x.Finish(0, transport.ErrInvalidState)
		}
		return
	}

	c, err := vsock.Dial(x.Addr.CID, x.Addr.Port, nil)
	if err != nil {
		if f.claim() {
			x.Finish(0, mapError(err, "connect"))
		}
		return
	}
	e.mu.Lock()
	if e.closed || !f.claim() {
		e.mu.Unlock()
		c.Close()
		return
	}
	e.conn = c
	e.bound = true
	e.local = fromNetAddr(c.LocalAddr())
	e.mu.Unlock()
	x.Finish(0, nil)
}

func (e *endpoint) connected() (*vsock.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil, transport.ErrNotConnected
	}
	return e.conn, nil
}

func (e *endpoint) doRead(x *transport.Exchange, f *inflight) {
	c, err := e.connected()
	if err != nil {
		x.Finish(0, err)
		return
	}
	n, err := c.Read(x.Out)
	switch {
	case f.canceled.Load() != 0:
		c.SetReadDeadline(time.Time{})
		x.Finish(n, transport.ErrCanceled)
	case errors.Is(err, io.EOF):
		x.Finish(n, nil)
	case err != nil:
		x.Finish(n, mapError(err, "read"))
	default:
		x.Finish(n, nil)
	}
}

func (e *endpoint) doWrite(x *transport.Exchange, f *inflight) {
	c, err := e.connected()
	if err != nil {
		x.Finish(0, err)
		return
	}
	n, err := c.Write(x.In)
	switch {
	case f.canceled.Load() != 0:
		c.SetWriteDeadline(time.Time{})
		x.Finish(n, transport.ErrCanceled)
	case err != nil && n == 0:
		x.Finish(0, mapError(err, "write"))
	default:
		// A partial write is reported as a short transfer.
		x.Finish(n, nil)
	}
}

func (e *endpoint) doSockName(x *transport.Exchange) {
	e.mu.Lock()
	x.Addr = e.local
	e.mu.Unlock()
	x.Finish(0, nil)
}

func (e *endpoint) doPeerName(x *transport.Exchange) {
	c, err := e.connected()
	if err != nil {
		x.Finish(0, err)
		return
	}
	x.Addr = fromNetAddr(c.RemoteAddr())
	x.Finish(0, nil)
}

func (e *endpoint) doShutdown(x *transport.Exchange) {
	c, err := e.connected()
	if err != nil {
		x.Finish(0, err)
		return
	}
	if x.Arg == transport.ShutdownRead || x.Arg == transport.ShutdownBoth {
		if err := c.CloseRead(); err != nil {
			x.Finish(0, mapError(err, "shutdown"))
			return
		}
	}
	if x.Arg == transport.ShutdownWrite || x.Arg == transport.ShutdownBoth {
		if err := c.CloseWrite(); err != nil {
			x.Finish(0, mapError(err, "shutdown"))
			return
		}
	}
	x.Finish(0, nil)
}

// control runs fn on the connection's descriptor.
func (e *endpoint) control(fn func(fd int) error) error {
	c, err := e.connected()
	if err != nil {
		return err
	}
	rc, err := c.SyscallConn()
	if err != nil {
		return err
	}
	var ferr error
	if err := rc.Control(func(fd uintptr) { ferr = fn(int(fd)) }); err != nil {
		return err
	}
	return ferr
}

func (e *endpoint) doOption(x *transport.Exchange) {
	level, code := int(x.Level), int(x.Arg)
	if x.Op == transport.OpSetSockOpt {
		err := e.control(func(fd int) error {
			switch len(x.In) {
			case 8:
				return unix.SetsockoptUint64(fd, level, code, binary.LittleEndian.Uint64(x.In))
			case 4:
				return unix.SetsockoptInt(fd, level, code, int(binary.LittleEndian.Uint32(x.In)))
			}
			return unix.EINVAL
		})
		x.Finish(0, mapError(err, "setsockopt"))
		return
	}
	var v int
	err := e.control(func(fd int) (err error) {
		v, err = unix.GetsockoptInt(fd, level, code)
		return err
	})
	if err != nil {
		x.Finish(0, mapError(err, "getsockopt"))
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	x.Finish(copy(x.Out, b[:]), nil)
}

func (e *endpoint) doIoctl(x *transport.Exchange) {
	if x.Arg != transport.IoctlBytesReadable {
		x.Finish(0, transport.ErrUnsupportedOp)
		return
	}
	var v int
	err := e.control(func(fd int) (err error) {
		v, err = unix.IoctlGetInt(fd, unix.SIOCINQ)
		return err
	})
	if err != nil {
		x.Finish(0, mapError(err, "ioctl"))
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	x.Finish(copy(x.Out, b[:]), nil)
}

// Cancel implements transport.Endpoint. A blocked read or write is
// interrupted through its deadline; a connect in progress is reported
// canceled at once and its connection discarded when the dial returns.
func (e *endpoint) Cancel(x *transport.Exchange) {
	e.mu.Lock()
	f, ok := e.pending[x]
	c := e.conn
	e.mu.Unlock()
	if !ok || !f.claim() {
		return
	}
	switch x.Op {
	case transport.OpConnect:
		x.Finish(0, transport.ErrCanceled)
	case transport.OpRead:
		if c != nil {
			c.SetReadDeadline(time.Now())
		}
	case transport.OpWrite:
		if c != nil {
			c.SetWriteDeadline(time.Now())
		}
	}
}

// Close implements transport.Endpoint. Closing the socket unblocks every
// read, write and accept; connects still dialing finish with ErrClosed.
func (e *endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	c, ln := e.conn, e.ln
	if e.stop != nil {
		close(e.stop)
	}
	var dialing []*transport.Exchange
	for x, f := range e.pending {
		if x.Op == transport.OpConnect && f.claim() {
			dialing = append(dialing, x)
		}
	}
	e.mu.Unlock()

	for _, x := range dialing {
		x.Finish(0, transport.ErrClosed)
	}
	var err error
	if c != nil {
		err = c.Close()
	}
	if ln != nil {
		if lerr := ln.Close(); err == nil {
			err = lerr
		}
	}
	if err != nil {
		return pkgerrors.Wrap(err, "vsock close")
	}
	return nil
}

// mapError translates socket errors into transport errors. Unknown
// errors are wrapped with the failing operation.
func mapError(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ECONNREFUSED):
		return transport.ErrConnectionRefused
	case errors.Is(err, unix.EADDRINUSE):
		return transport.ErrAddressInUse
	case errors.Is(err, unix.ENOTCONN):
		return transport.ErrNotConnected
	case errors.Is(err, net.ErrClosed):
		return transport.ErrClosed
	case errors.Is(err, os.ErrDeadlineExceeded):
		return transport.ErrCanceled
	case errors.Is(err, unix.EOPNOTSUPP):
		return transport.ErrUnsupportedOp
	}
	return pkgerrors.Wrapf(err, "vsock %s", op)
}
