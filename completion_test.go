// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package viosock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"

	"code.hybscloud.com/viosock"
	"code.hybscloud.com/viosock/transport"
	"code.hybscloud.com/viosock/transport/transporttest"
)

func segmentSizes(raw []uint8) []int {
	sizes := make([]int, 0, len(raw))
	for _, v := range raw {
		sizes = append(sizes, 1+int(v%32))
	}
	return sizes
}

func writeLens(dev *transporttest.Device, ep int) []int {
	var lens []int
	for _, r := range dev.Trace() {
		if r.Endpoint == ep && r.Op == transport.OpWrite {
			lens = append(lens, r.Len)
		}
	}
	return lens
}

// TestPropertySendChain checks that a fully accepted send reports the sum
// of its segment sizes and submits one write per segment, in order.
func TestPropertySendChain(t *testing.T) {
	property := func(raw []uint8) bool {
		sizes := segmentSizes(raw)
		dev, p, s := fixture(t, viosock.FlavorConnection)
		op := viosock.NewOperation()
		s.Send(op, viosock.NewBuffer(bytesOf(sizes...)...))
		n, err := wait(t, op)
		settle(t, p)

		want := 0
		for _, v := range sizes {
			want += v
		}
		if err != nil || n != want {
			t.Logf("sizes %v: got (%d, %v), want (%d, <nil>)", sizes, n, err, want)
			return false
		}
		lens := writeLens(dev, 0)
		if len(sizes) == 0 {
			return len(lens) == 0
		}
		if diff := cmp.Diff(sizes, lens); diff != "" {
			t.Logf("writes (-want +got):\n%s", diff)
			return false
		}
		return true
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 50}); err != nil {
		t.Fatal(err)
	}
}

// TestPropertyShortSendStopsChain checks that a short transfer at step k
// reports the bytes of the first k-1 segments plus the partial count and
// submits nothing after step k.
func TestPropertyShortSendStopsChain(t *testing.T) {
	property := func(raw []uint8, step uint8, partial uint8) bool {
		sizes := segmentSizes(append(raw, 0))
		k := int(step) % len(sizes)
		actual := int(partial) % sizes[k]

		dev, p, s := fixture(t, viosock.FlavorConnection)
		var mu sync.Mutex
		writes := 0
		dev.Handler = func(ep int, x *transport.Exchange) transporttest.Reply {
			if x.Op != transport.OpWrite {
				return dev.Default(ep, x)
			}
			mu.Lock()
			i := writes
			writes++
			mu.Unlock()
			if i == k {
				return transporttest.Reply{N: actual}
			}
			return transporttest.Reply{N: len(x.In)}
		}

		op := viosock.NewOperation()
		s.Send(op, viosock.NewBuffer(bytesOf(sizes...)...))
		n, err := wait(t, op)
		settle(t, p)

		want := actual
		for _, v := range sizes[:k] {
			want += v
		}
		wantErr := viosock.ErrBackpressure
		if actual == 0 {
			wantErr = viosock.ErrPeerClosed
		}
		if n != want || !errors.Is(err, wantErr) {
			t.Logf("sizes %v k=%d actual=%d: got (%d, %v), want (%d, %v)", sizes, k, actual, n, err, want, wantErr)
			return false
		}
		if got := len(writeLens(dev, 0)); got != k+1 {
			t.Logf("writes: got %d, want %d", got, k+1)
			return false
		}
		return true
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 50}); err != nil {
		t.Fatal(err)
	}
}

func TestSendSplitsLargeSegments(t *testing.T) {
	dev, p, s := fixture(t, viosock.FlavorConnection, viosock.WithSegmentSize(4))
	op := viosock.NewOperation()
	buf := viosock.Buffer{Segments: bytesOf(6, 5), Offset: 1, Length: 9}
	s.Send(op, buf)
	n, err := wait(t, op)
	if err != nil || n != 9 {
		t.Fatalf("got (%d, %v), want (9, <nil>)", n, err)
	}
	if diff := cmp.Diff([]int{4, 1, 4}, writeLens(dev, 0)); diff != "" {
		t.Fatalf("writes (-want +got):\n%s", diff)
	}
	settle(t, p)
}

func TestSendInvalidBuffer(t *testing.T) {
	dev, p, s := fixture(t, viosock.FlavorConnection)
	op := viosock.NewOperation()
	err := s.Send(op, viosock.Buffer{Segments: bytesOf(2), Length: 3})
	if err != viosock.ErrInvalidParameter {
		t.Fatalf("got %v, want %v", err, viosock.ErrInvalidParameter)
	}
	if _, err := wait(t, op); err != viosock.ErrInvalidParameter {
		t.Fatalf("op: got %v, want %v", err, viosock.ErrInvalidParameter)
	}
	if got := opsAfterOpen(dev, 0); len(got) != 0 {
		t.Fatalf("exchanges: got %v, want none", got)
	}
	settle(t, p)
}

func TestSendEmptyFinishesWithoutExchange(t *testing.T) {
	dev, p, s := fixture(t, viosock.FlavorConnection)
	op := viosock.NewOperation()
	if err := s.Send(op, viosock.Buffer{}); err != viosock.ErrPending {
		t.Fatalf("got %v, want %v", err, viosock.ErrPending)
	}
	if n, err := wait(t, op); n != 0 || err != nil {
		t.Fatalf("got (%d, %v), want (0, <nil>)", n, err)
	}
	if got := opsAfterOpen(dev, 0); len(got) != 0 {
		t.Fatalf("exchanges: got %v, want none", got)
	}
	settle(t, p)
}

func TestReceiveChain(t *testing.T) {
	tests := []struct {
		name    string
		replies []int
		sizes   []int
		wantN   int
		wantErr error
		reads   int
	}{
		{"full", []int{4, 4}, []int{4, 4}, 8, nil, 2},
		{"partial ends chain", []int{4, 2}, []int{4, 4, 4}, 6, nil, 2},
		{"eof after data", []int{4, 0}, []int{4, 4}, 4, nil, 2},
		{"eof first", []int{0}, []int{4, 4}, 0, viosock.ErrPeerClosed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, p, s := fixture(t, viosock.FlavorConnection)
			var mu sync.Mutex
			reads := 0
			dev.Handler = func(ep int, x *transport.Exchange) transporttest.Reply {
				if x.Op != transport.OpRead {
					return dev.Default(ep, x)
				}
				mu.Lock()
				defer mu.Unlock()
				n := tt.replies[reads]
				reads++
				return transporttest.Reply{N: n}
			}
			op := viosock.NewOperation()
			s.Receive(op, viosock.NewBuffer(bytesOf(tt.sizes...)...), 0)
			n, err := wait(t, op)
			if n != tt.wantN || !errors.Is(err, tt.wantErr) {
				t.Fatalf("got (%d, %v), want (%d, %v)", n, err, tt.wantN, tt.wantErr)
			}
			if got := len(opsAfterOpen(dev, 0)); got != tt.reads {
				t.Fatalf("reads: got %d, want %d", got, tt.reads)
			}
			settle(t, p)
		})
	}
}

func TestReceiveCopiesData(t *testing.T) {
	_, p, s := fixture(t, viosock.FlavorConnection)
	a, b := make([]byte, 3), make([]byte, 2)
	op := viosock.NewOperation()
	s.Receive(op, viosock.NewBuffer(a, b), 0)
	if n, err := wait(t, op); n != 5 || err != nil {
		t.Fatalf("got (%d, %v), want (5, <nil>)", n, err)
	}
	if string(a)+string(b) != "rrrrr" {
		t.Fatalf("data: got %q, want %q", string(a)+string(b), "rrrrr")
	}
	settle(t, p)
}

func TestConnectResolvesUnspecifiedRemote(t *testing.T) {
	dev, p, s := fixture(t, viosock.FlavorConnection)
	op := viosock.NewOperation()
	s.Connect(op, viosock.Addr{CID: viosock.CIDAny, Port: 9})
	if _, err := wait(t, op); err != nil {
		t.Fatalf("connect: %v", err)
	}
	tr := dev.Trace()
	last := tr[len(tr)-1]
	want := transporttest.Record{Endpoint: 0, Op: transport.OpConnect, Addr: viosock.Addr{CID: testCID, Port: 9}}
	if diff := cmp.Diff(want, last); diff != "" {
		t.Fatalf("connect record (-want +got):\n%s", diff)
	}
	settle(t, p)
}

func TestSocketConnectBindsThenConnects(t *testing.T) {
	dev := transporttest.New(testCID)
	p := newProvider(t, dev)
	op := viosock.NewOperation()
	err := p.SocketConnect(op, viosock.Addr{CID: viosock.CIDAny, Port: viosock.PortAny}, viosock.Addr{CID: viosock.CIDAny, Port: 9}, "conn")
	if err != viosock.ErrPending {
		t.Fatalf("got %v, want %v", err, viosock.ErrPending)
	}
	if _, err := wait(t, op); err != nil {
		t.Fatalf("socket connect: %v", err)
	}
	s := op.Socket()
	if s == nil || s.Flavor() != viosock.FlavorConnection || s.Context() != "conn" {
		t.Fatalf("socket: got %v", s)
	}
	want := []transporttest.Record{
		{Endpoint: 0, Op: transport.OpGetConfig, Len: transport.ConfigSize},
		{Endpoint: 0, Op: transport.OpBind, Addr: viosock.Addr{CID: viosock.CIDAny, Port: viosock.PortAny}},
		{Endpoint: 0, Op: transport.OpConnect, Addr: viosock.Addr{CID: testCID, Port: 9}},
	}
	if diff := cmp.Diff(want, dev.Trace()); diff != "" {
		t.Fatalf("trace (-want +got):\n%s", diff)
	}
	if st := settle(t, p); st.Sockets != 1 {
		t.Fatalf("sockets: got %d, want 1", st.Sockets)
	}
}

func TestSocketConnectFailureClosesSocket(t *testing.T) {
	dev := transporttest.New(testCID)
	dev.Handler = func(ep int, x *transport.Exchange) transporttest.Reply {
		if x.Op == transport.OpConnect {
			return transporttest.Reply{Err: transport.ErrConnectionRefused}
		}
		return dev.Default(ep, x)
	}
	p := newProvider(t, dev)
	op := viosock.NewOperation()
	p.SocketConnect(op, viosock.Addr{}, viosock.Addr{CID: 2, Port: 9}, nil)
	if _, err := wait(t, op); !errors.Is(err, transport.ErrConnectionRefused) {
		t.Fatalf("got %v, want %v", err, transport.ErrConnectionRefused)
	}
	if op.Socket() != nil {
		t.Fatalf("socket: got %v, want nil", op.Socket())
	}
	eventually(t, "socket teardown", func() bool {
		return dev.Endpoints()[0].Closed() && p.Stats().Sockets == 0
	})
	settle(t, p)
}

func TestConnectWithData(t *testing.T) {
	dev, p, s := fixture(t, viosock.FlavorConnection)
	op := viosock.NewOperation()
	s.ConnectWithData(op, viosock.Addr{CID: 2, Port: 9}, viosock.NewBuffer(bytesOf(3, 4)...))
	n, err := wait(t, op)
	if err != nil || n != 7 {
		t.Fatalf("got (%d, %v), want (7, <nil>)", n, err)
	}
	want := []transport.Op{transport.OpConnect, transport.OpWrite, transport.OpWrite}
	if diff := cmp.Diff(want, opsAfterOpen(dev, 0)); diff != "" {
		t.Fatalf("ops (-want +got):\n%s", diff)
	}
	settle(t, p)
}

func TestListeningBindListens(t *testing.T) {
	dev, p, s := fixture(t, viosock.FlavorListening, viosock.WithListenBacklog(16))
	op := viosock.NewOperation()
	s.Bind(op, viosock.Addr{CID: viosock.CIDAny, Port: 1024})
	if _, err := wait(t, op); err != nil {
		t.Fatalf("bind: %v", err)
	}
	tr := dev.Trace()
	if diff := cmp.Diff([]transport.Op{transport.OpBind, transport.OpListen}, opsAfterOpen(dev, 0)); diff != "" {
		t.Fatalf("ops (-want +got):\n%s", diff)
	}
	if got := tr[len(tr)-1].Arg; got != 16 {
		t.Fatalf("backlog: got %d, want 16", got)
	}
	settle(t, p)
}

func TestStreamBindDoesNotListen(t *testing.T) {
	dev, p, s := fixture(t, viosock.FlavorStream)
	op := viosock.NewOperation()
	s.Bind(op, viosock.Addr{CID: viosock.CIDAny, Port: 1024})
	wait(t, op)
	op = viosock.NewOperation()
	s.Listen(op)
	if _, err := wait(t, op); err != nil {
		t.Fatalf("listen: %v", err)
	}
	want := []transport.Op{transport.OpBind, transport.OpListen}
	if diff := cmp.Diff(want, opsAfterOpen(dev, 0)); diff != "" {
		t.Fatalf("ops (-want +got):\n%s", diff)
	}
	if got := dev.Trace()[2].Arg; got != 128 {
		t.Fatalf("backlog: got %d, want 128", got)
	}
	settle(t, p)
}

func TestAcceptAddressFanOut(t *testing.T) {
	tests := []struct {
		name          string
		local, remote bool
		want          []transport.Op
	}{
		{"none", false, false, nil},
		{"local", true, false, []transport.Op{transport.OpGetSockName}},
		{"remote", false, true, []transport.Op{transport.OpGetPeerName}},
		{"both", true, true, []transport.Op{transport.OpGetSockName, transport.OpGetPeerName}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, p, l := fixture(t, viosock.FlavorListening)
			var local, remote *viosock.Addr
			if tt.local {
				local = new(viosock.Addr)
			}
			if tt.remote {
				remote = new(viosock.Addr)
			}
			op := viosock.NewOperation()
			if err := l.Accept(op, "child", local, remote); err != viosock.ErrPending {
				t.Fatalf("accept: got %v, want %v", err, viosock.ErrPending)
			}
			if _, err := wait(t, op); err != nil {
				t.Fatalf("accept: %v", err)
			}
			child := op.Socket()
			if child == nil || child.Context() != "child" || child.LocalCID() != testCID {
				t.Fatalf("child: got %v", child)
			}
			if got := dev.Endpoints()[1].Parent(); got != 0 {
				t.Fatalf("parent: got %d, want 0", got)
			}
			if diff := cmp.Diff(tt.want, opsAfterOpen(dev, 1)); diff != "" {
				t.Fatalf("ops (-want +got):\n%s", diff)
			}
			if tt.local && *local != (viosock.Addr{CID: testCID, Port: 1001}) {
				t.Fatalf("local: got %v", *local)
			}
			if tt.remote && *remote != (viosock.Addr{CID: transport.CIDHost, Port: 2001}) {
				t.Fatalf("remote: got %v", *remote)
			}
			settle(t, p)
		})
	}
}

func TestAcceptFailureTearsDownChild(t *testing.T) {
	dev, p, l := fixture(t, viosock.FlavorListening)
	dev.Handler = func(ep int, x *transport.Exchange) transporttest.Reply {
		if ep == 1 && x.Op == transport.OpGetPeerName {
			return transporttest.Reply{Err: transport.ErrNotConnected}
		}
		return dev.Default(ep, x)
	}
	var local, remote viosock.Addr
	op := viosock.NewOperation()
	l.Accept(op, nil, &local, &remote)
	if _, err := wait(t, op); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("got %v, want %v", err, transport.ErrNotConnected)
	}
	if op.Socket() != nil {
		t.Fatalf("socket: got %v, want nil", op.Socket())
	}
	eventually(t, "child teardown", func() bool {
		return dev.Endpoints()[1].Closed() && p.Stats().Sockets == 1
	})
	settle(t, p)
}

func TestAcceptOpenFailure(t *testing.T) {
	dev, p, l := fixture(t, viosock.FlavorListening)
	dev.OpenErr = errBoom
	op := viosock.NewOperation()
	l.Accept(op, nil, nil, nil)
	if _, err := wait(t, op); !errors.Is(err, errBoom) {
		t.Fatalf("got %v, want %v", err, errBoom)
	}
	settle(t, p)
}

func TestDisconnectEmptyShutsDownOnly(t *testing.T) {
	dev, p, s := fixture(t, viosock.FlavorConnection)
	op := viosock.NewOperation()
	s.Disconnect(op, viosock.Buffer{}, 0)
	if n, err := wait(t, op); n != 0 || err != nil {
		t.Fatalf("got (%d, %v), want (0, <nil>)", n, err)
	}
	if diff := cmp.Diff([]transport.Op{transport.OpShutdown}, opsAfterOpen(dev, 0)); diff != "" {
		t.Fatalf("ops (-want +got):\n%s", diff)
	}
	tr := dev.Trace()
	if got := tr[len(tr)-1].Arg; got != transport.ShutdownBoth {
		t.Fatalf("how: got %d, want %d", got, transport.ShutdownBoth)
	}
	settle(t, p)
}

func TestDisconnectAbortiveSkipsData(t *testing.T) {
	dev, p, s := fixture(t, viosock.FlavorConnection)
	op := viosock.NewOperation()
	s.Disconnect(op, viosock.NewBuffer(bytesOf(4)...), viosock.FlagAbortive)
	wait(t, op)
	if diff := cmp.Diff([]transport.Op{transport.OpShutdown}, opsAfterOpen(dev, 0)); diff != "" {
		t.Fatalf("ops (-want +got):\n%s", diff)
	}
	settle(t, p)
}

func TestDisconnectWithData(t *testing.T) {
	tests := []struct {
		name    string
		second  int
		wantN   int
		wantErr error
		wantOps []transport.Op
	}{
		{"full", 4, 7, nil, []transport.Op{transport.OpWrite, transport.OpWrite, transport.OpShutdown}},
		{"short", 1, 4, viosock.ErrBackpressure, []transport.Op{transport.OpWrite, transport.OpWrite, transport.OpShutdown}},
		{"peer closed", 0, 3, viosock.ErrPeerClosed, []transport.Op{transport.OpWrite, transport.OpWrite, transport.OpShutdown}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, p, s := fixture(t, viosock.FlavorConnection)
			dev.Handler = func(ep int, x *transport.Exchange) transporttest.Reply {
				if x.Op == transport.OpWrite && len(x.In) == 4 {
					return transporttest.Reply{N: tt.second}
				}
				return dev.Default(ep, x)
			}
			op := viosock.NewOperation()
			s.Disconnect(op, viosock.NewBuffer(bytesOf(3, 4, 5)...), 0)
			n, err := wait(t, op)
			if n != tt.wantN || !errors.Is(err, tt.wantErr) {
				t.Fatalf("got (%d, %v), want (%d, %v)", n, err, tt.wantN, tt.wantErr)
			}
			if diff := cmp.Diff(tt.wantOps, opsAfterOpen(dev, 0)); diff != "" {
				t.Fatalf("ops (-want +got):\n%s", diff)
			}
			settle(t, p)
		})
	}
}

// TestFaultAtEveryStep fails each sub-exchange of a chain in turn and
// checks that the operation completes once with the injected error and
// that every context and lease is released.
func TestFaultAtEveryStep(t *testing.T) {
	type chain struct {
		name  string
		steps int
		run   func(p *viosock.Provider, s *viosock.Socket, op *viosock.Operation)
	}
	chains := []chain{
		{"disconnect", 3, func(p *viosock.Provider, s *viosock.Socket, op *viosock.Operation) {
			s.Disconnect(op, viosock.NewBuffer(bytesOf(2, 2)...), 0)
		}},
		{"connect with data", 3, func(p *viosock.Provider, s *viosock.Socket, op *viosock.Operation) {
			s.ConnectWithData(op, viosock.Addr{CID: 2, Port: 1}, viosock.NewBuffer(bytesOf(2, 2)...))
		}},
		{"receive", 2, func(p *viosock.Provider, s *viosock.Socket, op *viosock.Operation) {
			s.Receive(op, viosock.NewBuffer(bytesOf(2, 2)...), 0)
		}},
		{"socket connect", 3, func(p *viosock.Provider, s *viosock.Socket, op *viosock.Operation) {
			p.SocketConnect(op, viosock.Addr{}, viosock.Addr{CID: 2, Port: 1}, nil)
		}},
	}
	for _, c := range chains {
		for step := 0; step < c.steps; step++ {
			dev, p, s := fixture(t, viosock.FlavorConnection)
			var mu sync.Mutex
			seen := 0
			dev.Handler = func(ep int, x *transport.Exchange) transporttest.Reply {
				mu.Lock()
				i := seen
				seen++
				mu.Unlock()
				if i == step {
					return transporttest.Reply{Err: errBoom}
				}
				return dev.Default(ep, x)
			}
			calls := 0
			done := make(chan struct{})
			op := viosock.NewOperationFunc(func(*viosock.Operation) {
				calls++
				close(done)
			})
			c.run(p, s, op)
			<-done
			if _, err := op.Result(); !errors.Is(err, errBoom) {
				t.Fatalf("%s step %d: got %v, want %v", c.name, step, err, errBoom)
			}
			settle(t, p)
			if calls != 1 {
				t.Fatalf("%s step %d: completions: got %d, want 1", c.name, step, calls)
			}
		}
	}
}

func TestConcurrentOperationsBalance(t *testing.T) {
	_, p, s := fixture(t, viosock.FlavorConnection)
	ops := make([]*viosock.Operation, 64)
	var wg sync.WaitGroup
	for i := range ops {
		ops[i] = viosock.NewOperation()
		wg.Add(1)
		go func(op *viosock.Operation) {
			defer wg.Done()
			s.Send(op, viosock.NewBuffer(bytesOf(3, 3)...))
		}(ops[i])
	}
	wg.Wait()
	for _, op := range ops {
		if n, err := op.Wait(context.Background()); n != 6 || err != nil {
			t.Fatalf("got (%d, %v), want (6, <nil>)", n, err)
		}
	}
	settle(t, p)
}
