// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package viosock

import (
	"code.hybscloud.com/viosock/internal/log"
	"code.hybscloud.com/viosock/transport"
)

// Operation kinds, as recorded in metrics and logs.
const (
	kindOpen            = "open"
	kindClose           = "close"
	kindBind            = "bind"
	kindListen          = "listen"
	kindConnect         = "connect"
	kindConnectWithData = "connect_with_data"
	kindSocketConnect   = "socket_connect"
	kindAccept          = "accept"
	kindSend            = "send"
	kindSendWithControl = "send_with_control"
	kindReceive         = "receive"
	kindReceiveControl  = "receive_with_control"
	kindDisconnect      = "disconnect"
	kindControl         = "control"
	kindAddress         = "address"
)

// DisconnectFlags modify Disconnect.
type DisconnectFlags uint32

// FlagAbortive skips the final data and shuts the connection down at once.
const FlagAbortive DisconnectFlags = 1

// ControlKind selects what a ControlRequest does.
type ControlKind uint8

const (
	// SetOption writes In as the value of option Code at Level.
	SetOption ControlKind = iota + 1
	// GetOption reads option Code at Level into Out.
	GetOption
	// Ioctl runs device request Code with In and Out.
	Ioctl
)

// ControlRequest is a generic control operation. Out receives the reply;
// the completed byte count is the length of the reply.
type ControlRequest struct {
	Kind  ControlKind
	Level uint32
	Code  uint32
	In    []byte
	Out   []byte
}

// begin claims op for s and takes the lease the chain will hold. If the
// socket's flavor does not allow the operation, or the socket is closing,
// op is completed with that error and the error is returned.
func (s *Socket) begin(op *Operation, want opSet, kind string) (*lease, error) {
	if op == nil || !op.bind() {
		return nil, ErrInvalidParameter
	}
	if s.flavor.ops()&want == 0 {
		return nil, s.reject(op, kind, ErrInvalidFlavor)
	}
	l, err := s.barrier.acquire()
	if err != nil {
		return nil, s.reject(op, kind, err)
	}
	return l, nil
}

// unsupported claims op for an entry point the flavor allows but whose
// arguments ask for something the transport cannot do. A flavor mismatch
// still wins.
func (s *Socket) unsupported(op *Operation, want opSet, kind string) error {
	if op == nil || !op.bind() {
		return ErrInvalidParameter
	}
	if s.flavor.ops()&want == 0 {
		return s.reject(op, kind, ErrInvalidFlavor)
	}
	return s.reject(op, kind, ErrNotSupported)
}

// reject completes op with err before any sub-exchange was built.
func (s *Socket) reject(op *Operation, kind string, err error) error {
	log.V(1).Infof(s.tag, "%s rejected: %v", kind, err)
	s.p.metrics.operation(kind, 0, err)
	op.complete(0, err, nil)
	return err
}

// Bind assigns the local address. On a listening socket the bind is
// followed by LISTEN with the configured backlog.
func (s *Socket) Bind(op *Operation, local Addr) error {
	l, err := s.begin(op, opBind, kindBind)
	if err != nil {
		return err
	}
	c := newCompletion(s, stateBind, kindBind, op, l)
	c.start(&transport.Exchange{Op: transport.OpBind, Addr: local})
	return ErrPending
}

// Listen starts listening on a bound stream socket.
func (s *Socket) Listen(op *Operation) error {
	l, err := s.begin(op, opListen, kindListen)
	if err != nil {
		return err
	}
	c := newCompletion(s, stateListen, kindListen, op, l)
	c.start(&transport.Exchange{Op: transport.OpListen, Arg: s.p.opts.backlog})
	return ErrPending
}

// Connect connects to remote. An unspecified remote context identifier
// is replaced by the socket's own.
func (s *Socket) Connect(op *Operation, remote Addr) error {
	l, err := s.begin(op, opConnect, kindConnect)
	if err != nil {
		return err
	}
	c := newCompletion(s, stateConnect, kindConnect, op, l)
	c.start(&transport.Exchange{Op: transport.OpConnect, Addr: s.resolve(remote)})
	return ErrPending
}

// ConnectWithData connects to remote and then sends buf. The completed
// byte count is the number of bytes sent.
func (s *Socket) ConnectWithData(op *Operation, remote Addr, buf Buffer) error {
	l, err := s.begin(op, opConnect, kindConnectWithData)
	if err != nil {
		return err
	}
	segs, err := buf.split(s.p.opts.segmentSize)
	if err != nil {
		l.release()
		return s.reject(op, kindConnectWithData, err)
	}
	c := newCompletion(s, stateConnectWithData, kindConnectWithData, op, l)
	c.segs = segs
	c.start(&transport.Exchange{Op: transport.OpConnect, Addr: s.resolve(remote)})
	return ErrPending
}

// Accept waits for a connection on a listening socket. op completes with
// the new connection socket, whose context is sockctx. Non-nil local and
// remote receive the new socket's addresses before op completes.
//
// Accept runs from its own work item goroutine: waiting for a peer
// blocks.
func (s *Socket) Accept(op *Operation, sockctx any, local, remote *Addr) error {
	l, err := s.begin(op, opAccept, kindAccept)
	if err != nil {
		return err
	}
	p := s.p
	p.blockingItem(func() {
		child, err := p.open(op.context(), FlavorConnection, sockctx, s)
		if err != nil {
			if op.Canceled() {
				err = ErrCanceled
			}
			newCompletion(s, stateUndefined, kindAccept, op, l).startFinished(result{err: err})
			return
		}
		l.release()
		cl, err := child.barrier.acquire()
		if err != nil {
			child.closeInternal(nil)
			s.reject(op, kindAccept, err)
			return
		}
		c := newCompletion(child, stateAcceptLocal, kindAccept, op, cl)
		c.child = child
		c.local = local
		c.peer = remote
		c.teardown = p.blockingItem(func() { child.closeInternal(nil) })
		switch {
		case local != nil:
			c.start(&transport.Exchange{Op: transport.OpGetSockName})
		case remote != nil:
			c.state = stateAcceptRemote
			c.start(&transport.Exchange{Op: transport.OpGetPeerName})
		default:
			c.startFinished(result{sock: child})
		}
	}).Queue()
	return ErrPending
}

// Send writes buf as a chain of segment writes. A segment that moves
// fewer bytes than requested ends the chain with ErrBackpressure, or with
// ErrPeerClosed if it moved none; the bytes sent so far are still
// reported.
func (s *Socket) Send(op *Operation, buf Buffer) error {
	return s.transfer(op, opSend, kindSend, stateSend, buf)
}

// SendWithControl is Send with ancillary data. Ancillary data is not
// supported by the transport.
func (s *Socket) SendWithControl(op *Operation, buf Buffer, control []byte) error {
	if len(control) > 0 {
		return s.unsupported(op, opSend, kindSendWithControl)
	}
	return s.Send(op, buf)
}

// Receive reads into buf as a chain of segment reads. A short read ends
// the chain successfully; end of stream before any byte is ErrPeerClosed.
// No receive flags are supported.
func (s *Socket) Receive(op *Operation, buf Buffer, flags uint32) error {
	if flags != 0 {
		return s.unsupported(op, opReceive, kindReceive)
	}
	return s.transfer(op, opReceive, kindReceive, stateReceive, buf)
}

// ReceiveWithControl is Receive with room for ancillary data, of which
// the transport delivers none.
func (s *Socket) ReceiveWithControl(op *Operation, buf Buffer, flags uint32, control []byte) error {
	if flags != 0 {
		return s.unsupported(op, opReceive, kindReceiveControl)
	}
	return s.Receive(op, buf, 0)
}

// Disconnect sends buf and then shuts the connection down in both
// directions. With an empty buf, or FlagAbortive, only the shutdown is
// issued. A short write still shuts down and is then reported.
func (s *Socket) Disconnect(op *Operation, buf Buffer, flags DisconnectFlags) error {
	if flags&FlagAbortive != 0 || buf.Length == 0 {
		l, err := s.begin(op, opDisconnect, kindDisconnect)
		if err != nil {
			return err
		}
		c := newCompletion(s, stateDisconnected, kindDisconnect, op, l)
		c.start(shutdown())
		return ErrPending
	}
	return s.transfer(op, opDisconnect, kindDisconnect, stateDisconnect, buf)
}

func (s *Socket) transfer(op *Operation, want opSet, kind string, st state, buf Buffer) error {
	l, err := s.begin(op, want, kind)
	if err != nil {
		return err
	}
	segs, err := buf.split(s.p.opts.segmentSize)
	if err != nil {
		l.release()
		return s.reject(op, kind, err)
	}
	c := newCompletion(s, st, kind, op, l)
	c.segs = segs
	if len(segs) == 0 {
		c.startFinished(result{})
		return ErrPending
	}
	if st == stateReceive {
		c.start(c.nextRead())
	} else {
		c.start(c.nextWrite())
	}
	return ErrPending
}

// Release would hand a pending-data indication back to the transport.
func (s *Socket) Release(indication any) error {
	if s.flavor.ops()&opRelease == 0 {
		return ErrInvalidFlavor
	}
	return ErrNotImplemented
}

// InspectComplete would finish a conditional accept.
func (s *Socket) InspectComplete(op *Operation) error {
	l, err := s.begin(op, opInspect, kindAccept)
	if err != nil {
		return err
	}
	l.release()
	return s.reject(op, kindAccept, ErrNotImplemented)
}

// Control runs a control request. With a nil op it waits for the result.
func (s *Socket) Control(op *Operation, req ControlRequest) error {
	if op == nil {
		_, err := s.ControlWait(req)
		return err
	}
	l, err := s.begin(op, opControl, kindControl)
	if err != nil {
		return err
	}
	x, err := controlExchange(req)
	if err != nil {
		l.release()
		return s.reject(op, kindControl, err)
	}
	c := newCompletion(s, stateControl, kindControl, op, l)
	c.out = req.Out
	c.start(x)
	return ErrPending
}

// ControlWait runs a control request and waits for the number of reply
// bytes copied into req.Out.
func (s *Socket) ControlWait(req ControlRequest) (int, error) {
	x, err := controlExchange(req)
	if err != nil {
		return 0, err
	}
	l, err := s.barrier.acquire()
	if err != nil {
		return 0, err
	}
	c := newCompletion(s, stateControl, kindControl, nil, l)
	c.out = req.Out
	r := c.wait(x)
	return r.n, r.err
}

func controlExchange(req ControlRequest) (*transport.Exchange, error) {
	x := &transport.Exchange{Level: req.Level, Arg: req.Code, In: req.In}
	switch req.Kind {
	case SetOption:
		x.Op = transport.OpSetSockOpt
	case GetOption:
		x.Op = transport.OpGetSockOpt
	case Ioctl:
		x.Op = transport.OpIoctl
	default:
		return nil, ErrInvalidParameter
	}
	if len(req.Out) > 0 {
		x.Out = make([]byte, len(req.Out))
	}
	return x, nil
}

// LocalAddr stores the socket's local address into a.
func (s *Socket) LocalAddr(op *Operation, a *Addr) error {
	return s.address(op, opLocalAddr, transport.OpGetSockName, a)
}

// RemoteAddr stores the connected peer's address into a.
func (s *Socket) RemoteAddr(op *Operation, a *Addr) error {
	return s.address(op, opRemoteAddr, transport.OpGetPeerName, a)
}

func (s *Socket) address(op *Operation, want opSet, xop transport.Op, a *Addr) error {
	l, err := s.begin(op, want, kindAddress)
	if err != nil {
		return err
	}
	if a == nil {
		l.release()
		return s.reject(op, kindAddress, ErrInvalidParameter)
	}
	c := newCompletion(s, stateAddress, kindAddress, op, l)
	c.addr = a
	c.start(&transport.Exchange{Op: xop})
	return ErrPending
}
