// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package viosock

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/kont"

	"code.hybscloud.com/viosock/internal/log"
	"code.hybscloud.com/viosock/transport"
)

// state is the position of a completion context in its chain.
type state uint8

const (
	stateUndefined state = iota
	stateControl
	stateConfig
	stateBind
	stateListen
	stateConnect
	stateConnectWithData
	stateAcceptLocal
	stateAcceptRemote
	stateAddress
	stateSend
	stateReceive
	stateDisconnect
	stateDisconnected
	stateFinished
)

var stateNames = [...]string{
	stateUndefined:       "undefined",
	stateControl:         "control",
	stateConfig:          "config",
	stateBind:            "bind",
	stateListen:          "listen",
	stateConnect:         "connect",
	stateConnectWithData: "connect_with_data",
	stateAcceptLocal:     "accept_local",
	stateAcceptRemote:    "accept_remote",
	stateAddress:         "address",
	stateSend:            "send",
	stateReceive:         "receive",
	stateDisconnect:      "disconnect",
	stateDisconnected:    "disconnected",
	stateFinished:        "finished",
}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// result is the terminal outcome of a chain.
type result struct {
	n    int
	err  error
	sock *Socket
}

// action is what advance decides after a sub-exchange completes:
// Left submits the next sub-exchange, Right finishes the chain.
type action = kont.Either[*transport.Exchange, result]

func submitNext(x *transport.Exchange) action {
	return kont.Left[*transport.Exchange, result](x)
}

func finishWith(r result) action {
	return kont.Right[*transport.Exchange](r)
}

// completion binds one operation to the chain of sub-exchanges that
// realizes it.
//
// refs starts at 1 for the dispatcher, gains one per submitted
// sub-exchange and loses one per completion. Every field other than refs
// is owned by whichever sub-exchange is in flight.
type completion struct {
	refs atomix.Int32

	s     *Socket
	kind  string
	state state
	lease *lease

	// Exactly one of op and event receives the result.
	op    *Operation
	event func(r result)

	// teardown is queued when the chain fails.
	teardown WorkItem

	// data chains
	segs  [][]byte
	next  int
	want  int
	total int
	short error

	// connect after bind
	connect bool
	remote  Addr

	// outputs
	out      []byte
	local    *Addr
	peer     *Addr
	addr     *Addr
	child    *Socket
	finished bool
}

func newCompletion(s *Socket, st state, kind string, op *Operation, l *lease) *completion {
	c := &completion{s: s, state: st, kind: kind, op: op, lease: l}
	c.refs.Store(1)
	s.p.contexts.Add(1)
	return c
}

func (c *completion) ref() {
	c.refs.Add(1)
}

func (c *completion) unref() {
	switch n := c.refs.Add(-1); {
	case n == 0:
		c.s.p.contexts.Add(-1)
	case n < 0:
		panic("viosock: completion context released twice")
	}
}

// start runs the chain from its first sub-exchange and drops the
// dispatcher's reference.
func (c *completion) start(x *transport.Exchange) {
	c.step(submitNext(x))
	c.unref()
}

// startFinished finishes a chain that needs no sub-exchange.
func (c *completion) startFinished(r result) {
	c.step(finishWith(r))
	c.unref()
}

// wait runs a chain with no bound operation from x and blocks until it
// finishes.
func (c *completion) wait(x *transport.Exchange) result {
	done := make(chan struct{})
	var r result
	c.event = func(fr result) {
		r = fr
		close(done)
	}
	c.start(x)
	<-done
	return r
}

func (c *completion) step(a action) {
	if x, ok := a.GetLeft(); ok {
		if err := c.submit(x); err != nil {
			c.finish(result{n: c.total, err: err})
		}
		return
	}
	r, _ := a.GetRight()
	c.finish(r)
}

// submit sends x to the socket's endpoint under its own lease.
func (c *completion) submit(x *transport.Exchange) error {
	l, err := c.s.barrier.acquire()
	if err != nil {
		log.V(1).Infof(c.s.tag, "%s: %s refused: %v", c.kind, x.Op, err)
		return err
	}
	ep := c.s.ep
	f := &inflight{ep: ep, x: x, lease: l}
	c.ref()
	x.Complete = func(*transport.Exchange) { c.complete(f) }
	if c.op != nil {
		c.op.arm(f)
	}
	c.s.p.metrics.exchange(x.Op)
	log.V(2).Infof(c.s.tag, "%s: submit %s", c.kind, x.Op)
	ep.Submit(x)
	if c.op != nil {
		c.op.recheck(f)
	}
	return nil
}

// complete is the completion callback of every sub-exchange.
func (c *completion) complete(f *inflight) {
	x := f.x
	f.lease.release()
	x.Err = status(x.Err)
	if c.op != nil {
		c.op.disarm(f)
		if c.op.Canceled() {
			x.Err = ErrCanceled
		}
	}
	log.V(2).Infof(c.s.tag, "%s: %s done n=%d err=%v", c.kind, x.Op, x.N, x.Err)
	c.step(c.advance(x))
	c.unref()
}

// advance decides the next step after x completed in the current state.
func (c *completion) advance(x *transport.Exchange) action {
	if x.Err != nil {
		log.V(1).Infof(c.s.tag, "%s: %s failed in %s: %v", c.kind, x.Op, c.state, x.Err)
		return finishWith(result{n: c.total, err: x.Err})
	}

	switch c.state {
	case stateControl:
		n := x.N
		if n > len(x.Out) {
			n = len(x.Out)
		}
		return finishWith(result{n: copy(c.out, x.Out[:n])})

	case stateConfig:
		cid, ok := transport.ParseConfig(x.Out[:min(x.N, len(x.Out))])
		if !ok {
			return finishWith(result{err: ErrInvalidParameter})
		}
		c.s.localCID = cid
		return finishWith(result{})

	case stateBind:
		if c.s.flavor == FlavorListening {
			c.state = stateListen
			return submitNext(&transport.Exchange{Op: transport.OpListen, Arg: c.s.p.opts.backlog})
		}
		if c.connect {
			c.state = stateConnect
			return submitNext(&transport.Exchange{Op: transport.OpConnect, Addr: c.s.resolve(c.remote)})
		}
		return finishWith(result{})

	case stateAcceptLocal:
		*c.local = x.Addr
		if c.peer != nil {
			c.state = stateAcceptRemote
			return submitNext(&transport.Exchange{Op: transport.OpGetPeerName})
		}
		return finishWith(result{sock: c.child})

	case stateAcceptRemote:
		*c.peer = x.Addr
		return finishWith(result{sock: c.child})

	case stateAddress:
		*c.addr = x.Addr
		return finishWith(result{})

	case stateListen:
		return finishWith(result{})

	case stateConnect:
		return finishWith(result{sock: c.child})

	case stateDisconnected:
		return finishWith(result{n: c.total, err: c.short})

	case stateConnectWithData:
		if c.next < len(c.segs) {
			c.state = stateSend
			return submitNext(c.nextWrite())
		}
		return finishWith(result{})

	case stateSend, stateDisconnect:
		n := min(x.N, c.want)
		c.total += n
		if n < c.want {
			c.short = ErrBackpressure
			if n == 0 {
				c.short = ErrPeerClosed
			}
		} else if c.next < len(c.segs) {
			return submitNext(c.nextWrite())
		}
		if c.state == stateDisconnect {
			c.state = stateDisconnected
			return submitNext(shutdown())
		}
		return finishWith(result{n: c.total, err: c.short})

	case stateReceive:
		n := min(x.N, c.want)
		c.total += n
		if n == 0 && c.total == 0 {
			return finishWith(result{err: ErrPeerClosed})
		}
		if n == c.want && c.next < len(c.segs) {
			return submitNext(c.nextRead())
		}
		return finishWith(result{n: c.total})
	}

	panic("viosock: completion in state " + c.state.String())
}

func (c *completion) nextWrite() *transport.Exchange {
	seg := c.segs[c.next]
	c.next++
	c.want = len(seg)
	return &transport.Exchange{Op: transport.OpWrite, In: seg}
}

func (c *completion) nextRead() *transport.Exchange {
	seg := c.segs[c.next]
	c.next++
	c.want = len(seg)
	return &transport.Exchange{Op: transport.OpRead, Out: seg}
}

func shutdown() *transport.Exchange {
	return &transport.Exchange{Op: transport.OpShutdown, Arg: transport.ShutdownBoth}
}

// finish delivers r exactly once, returns the chain's lease, and queues
// the teardown item if the chain failed.
func (c *completion) finish(r result) {
	if c.finished {
		panic("viosock: completion finished twice")
	}
	c.finished = true
	c.state = stateFinished
	if r.n < 0 {
		r.n = 0
	}
	if r.err != nil {
		r.sock = nil
	}

	p := c.s.p
	p.metrics.operation(c.kind, r.n, r.err)
	if c.op != nil {
		c.op.complete(r.n, r.err, r.sock)
	} else if c.event != nil {
		c.event(r)
	}
	if c.lease != nil {
		c.lease.release()
	}
	if r.err != nil && c.teardown != nil {
		c.teardown.Queue()
	}
}
