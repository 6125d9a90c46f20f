// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
	"lab.nexedi.com/kirr/go123/xerr"

	"code.hybscloud.com/viosock"
	"code.hybscloud.com/viosock/internal/log"
)

const echoBufferSize = 4096

// parseTarget parses "cid:port".
func parseTarget(s string) (viosock.Addr, error) {
	node, service, ok := strings.Cut(s, ":")
	if !ok {
		return viosock.Addr{}, fmt.Errorf("target %q: want cid:port", s)
	}
	a, err := viosock.ParseAddr(node, service)
	if err != nil {
		return viosock.Addr{}, fmt.Errorf("target %q: %w", s, err)
	}
	return a, nil
}

// listen opens a listening socket bound to port on every local CID.
func listen(ctx context.Context, p *viosock.Provider, port uint32) (_ *viosock.Socket, err error) {
	defer xerr.Contextf(&err, "listen :%d", port)

	l, err := p.Open(ctx, viosock.FlavorListening, "listener")
	if err != nil {
		return nil, err
	}
	op := viosock.NewOperation()
	l.Bind(op, viosock.Addr{CID: viosock.CIDAny, Port: port})
	if _, err := op.Wait(ctx); err != nil {
		l.CloseWait()
		return nil, err
	}
	return l, nil
}

// acceptLoop echoes up to conns accepted connections, or until ctx is
// done when conns is zero. It closes l before returning.
func acceptLoop(ctx context.Context, l *viosock.Socket, conns int) error {
	var g errgroup.Group
	defer g.Wait()
	defer l.CloseWait()

	for n := 0; conns == 0 || n < conns; n++ {
		var peer viosock.Addr
		op := viosock.NewOperation()
		l.Accept(op, "conn", nil, &peer)
		if _, err := op.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s := op.Socket()
		log.Infof("serve", "accepted %v from %v", s, peer)
		g.Go(func() error {
			if err := echo(ctx, s); err != nil {
				log.Warningf("serve", "%v: %v", s, err)
			}
			return nil
		})
	}
	return nil
}

func serve(ctx context.Context, p *viosock.Provider, port uint32, conns int) error {
	l, err := listen(ctx, p, port)
	if err != nil {
		return err
	}
	return acceptLoop(ctx, l, conns)
}

// echo sends back everything s receives until the peer disconnects.
func echo(ctx context.Context, s *viosock.Socket) (err error) {
	defer func() {
		if cerr := s.CloseWait(); err == nil {
			err = cerr
		}
	}()

	buf := make([]byte, echoBufferSize)
	for {
		op := viosock.NewOperation()
		s.Receive(op, viosock.NewBuffer(buf), 0)
		n, err := op.Wait(ctx)
		if errors.Is(err, viosock.ErrPeerClosed) {
			op = viosock.NewOperation()
			s.Disconnect(op, viosock.Buffer{}, 0)
			_, err = op.Wait(ctx)
			return err
		}
		if err != nil {
			return err
		}
		op = viosock.NewOperation()
		s.Send(op, viosock.NewBuffer(buf[:n]))
		if _, err := op.Wait(ctx); err != nil {
			return err
		}
	}
}

// dial connects to remote, sends msg, and returns as many bytes of
// echo as msg holds.
func dial(ctx context.Context, p *viosock.Provider, remote viosock.Addr, msg []byte) (_ []byte, err error) {
	defer xerr.Contextf(&err, "dial %v", remote)

	op := viosock.NewOperation()
	p.SocketConnect(op, viosock.Addr{CID: viosock.CIDAny, Port: viosock.PortAny}, remote, "dial")
	if _, err := op.Wait(ctx); err != nil {
		return nil, err
	}
	s := op.Socket()
	defer s.CloseWait()

	op = viosock.NewOperation()
	s.Send(op, viosock.NewBuffer(msg))
	if _, err := op.Wait(ctx); err != nil {
		return nil, err
	}

	reply := make([]byte, len(msg))
	for got := 0; got < len(reply); {
		op = viosock.NewOperation()
		s.Receive(op, viosock.NewBuffer(reply[got:]), 0)
		n, err := op.Wait(ctx)
		if err != nil {
			return reply[:got], err
		}
		got += n
	}

	op = viosock.NewOperation()
	s.Disconnect(op, viosock.Buffer{}, 0)
	if _, err := op.Wait(ctx); err != nil {
		return reply, err
	}
	return reply, nil
}

// selftest serves one connection and dials it through the same provider.
func selftest(ctx context.Context, p *viosock.Provider, port uint32, msg []byte) (err error) {
	defer xerr.Contextf(&err, "selftest")

	l, err := listen(ctx, p, port)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return acceptLoop(ctx, l, 1)
	})
	g.Go(func() error {
		reply, err := dial(ctx, p, viosock.Addr{CID: viosock.CIDAny, Port: port}, msg)
		if err != nil {
			return err
		}
		if !bytes.Equal(reply, msg) {
			return fmt.Errorf("echo mismatch: sent %q, got %q", msg, reply)
		}
		log.Infof("selftest", "echoed %d bytes", len(reply))
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	st := p.Stats()
	log.V(1).Infof("selftest", "sockets=%d contexts=%d leases=%d", st.Sockets, st.Contexts, st.Leases)
	return nil
}
