// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package viosock

import (
	"context"
	"strconv"

	"code.hybscloud.com/atomix"
	"lab.nexedi.com/kirr/go123/xerr"

	"code.hybscloud.com/viosock/internal/log"
	"code.hybscloud.com/viosock/transport"
)

// Flavor is a socket's role. It selects the valid operation set.
type Flavor uint8

const (
	FlavorBasic Flavor = iota
	FlavorListening
	FlavorConnection
	FlavorStream
	FlavorDatagram
)

var flavorNames = [...]string{
	FlavorBasic:      "basic",
	FlavorListening:  "listening",
	FlavorConnection: "connection",
	FlavorStream:     "stream",
	FlavorDatagram:   "datagram",
}

func (f Flavor) String() string {
	if int(f) < len(flavorNames) {
		return flavorNames[f]
	}
	return "flavor(" + strconv.Itoa(int(f)) + ")"
}

// opSet is a bit set of dispatch entry points.
type opSet uint32

const (
	opControl opSet = 1 << iota
	opClose
	opBind
	opListen
	opConnect
	opAccept
	opInspect
	opSend
	opReceive
	opDisconnect
	opRelease
	opLocalAddr
	opRemoteAddr
)

const (
	basicOps      = opControl | opClose
	listeningOps  = basicOps | opBind | opAccept | opInspect | opLocalAddr
	connectionOps = basicOps | opBind | opConnect | opSend | opReceive | opDisconnect | opRelease | opLocalAddr | opRemoteAddr
	streamOps     = listeningOps | connectionOps | opListen
)

// ops returns the dispatch table of f. Unsupported flavors have none.
func (f Flavor) ops() opSet {
	switch f {
	case FlavorBasic:
		return basicOps
	case FlavorListening:
		return listeningOps
	case FlavorConnection:
		return connectionOps
	case FlavorStream:
		return streamOps
	}
	return 0
}

// serials numbers sockets for log tags.
var serials atomix.Uint32

// Socket is an endpoint handle. Its transport endpoint is guarded by a
// drain barrier: every use holds a lease, and close waits for all leases.
type Socket struct {
	p       *Provider
	serial  uint32
	tag     string
	flavor  Flavor
	context any

	// ep is cleared only after the barrier drained.
	ep       transport.Endpoint
	barrier  barrier
	localCID uint32
}

func newSocket(p *Provider, flavor Flavor, sockctx any, ep transport.Endpoint) *Socket {
	serial := serials.Add(1)
	s := &Socket{
		p:       p,
		serial:  serial,
		tag:     "sock#" + strconv.FormatUint(uint64(serial), 10),
		flavor:  flavor,
		context: sockctx,
		ep:      ep,
	}
	s.barrier.total = &p.leases
	return s
}

// Flavor returns the socket's role.
func (s *Socket) Flavor() Flavor { return s.flavor }

// Context returns the caller context given at open.
func (s *Socket) Context() any { return s.context }

// LocalCID returns the context identifier learned at open.
func (s *Socket) LocalCID() uint32 { return s.localCID }

func (s *Socket) String() string { return s.tag }

// resolve substitutes the learned local identifier for CIDAny.
func (s *Socket) resolve(a Addr) Addr {
	if a.Unspecified() {
		a.CID = s.localCID
	}
	return a
}

// open creates a socket on a new endpoint, or on an endpoint accepted from
// parent, and learns its local identifier before returning.
func (p *Provider) open(ctx context.Context, flavor Flavor, sockctx any, parent *Socket) (_ *Socket, err error) {
	defer contextf(&err, "open %s socket", flavor)

	if flavor.ops() == 0 {
		return nil, ErrNotSupported
	}
	if p.closing() {
		return nil, ErrClosing
	}
	var pep transport.Endpoint
	if parent != nil {
		pep = parent.ep
	}
	ep, err := p.dev.Open(ctx, pep)
	if err != nil {
		return nil, err
	}
	s := newSocket(p, flavor, sockctx, ep)
	l, err := s.barrier.acquire()
	if err != nil {
		return nil, xerr.Merge(err, ep.Close())
	}
	if err := s.queryConfig(l); err != nil {
		return nil, xerr.Merge(err, ep.Close())
	}
	if !p.track(s) {
		s.closeInternal(nil)
		return nil, ErrClosing
	}
	log.V(1).Infof(s.tag, "open %s cid=%d", flavor, s.localCID)
	return s, nil
}

// queryConfig asks the endpoint for its configuration and waits for the
// answer. The chain holds l until it finishes.
func (s *Socket) queryConfig(l *lease) error {
	c := newCompletion(s, stateConfig, kindOpen, nil, l)
	r := c.wait(&transport.Exchange{Op: transport.OpGetConfig, Out: make([]byte, transport.ConfigSize)})
	return r.err
}

// Close closes the socket from a work item and completes op when the
// socket is gone. Operations still in flight are aborted.
func (s *Socket) Close(op *Operation) error {
	l, err := s.begin(op, opClose, kindClose)
	if err != nil {
		return err
	}
	s.p.blockingItem(func() {
		err := s.closeInternal(l)
		s.p.metrics.operation(kindClose, 0, err)
		op.complete(0, err, nil)
	}).Queue()
	return ErrPending
}

// CloseWait closes the socket and waits until it is gone. It must not be
// called from an operation's completion callback.
func (s *Socket) CloseWait() error {
	return s.closeInternal(nil)
}

// closeInternal refuses new leases, closes the endpoint so pending
// exchanges finish, gives back l, waits for the barrier to drain, and
// then drops the endpoint.
func (s *Socket) closeInternal(l *lease) (err error) {
	if !s.barrier.close() {
		if l != nil {
			l.release()
		}
		return ErrClosing
	}
	defer contextf(&err, "%s: close", s.tag)

	ep := s.ep
	err = ep.Close()
	if l != nil {
		l.release()
	}
	s.barrier.drain(s.p.opts.closeTimeout, func(n int64) {
		log.Warningf(s.tag, "close: still waiting for %d outstanding leases", n)
	})
	s.ep = nil
	s.p.untrack(s)
	log.V(1).Info(s.tag, "closed")
	return err
}
