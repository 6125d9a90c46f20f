// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package loopback_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"code.hybscloud.com/viosock/transport"
	"code.hybscloud.com/viosock/transport/loopback"
)

// submit sends x on ep and returns a channel that yields x once finished.
func submit(ep transport.Endpoint, x *transport.Exchange) <-chan *transport.Exchange {
	ch := make(chan *transport.Exchange, 1)
	x.Complete = func(x *transport.Exchange) { ch <- x }
	ep.Submit(x)
	return ch
}

func do(t *testing.T, ep transport.Endpoint, x *transport.Exchange) *transport.Exchange {
	t.Helper()
	select {
	case x = <-submit(ep, x):
		return x
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not complete", x.Op)
		return nil
	}
}

// pair returns a connected (client, server) endpoint pair on port.
func pair(t *testing.T, d *loopback.Device, port uint32) (transport.Endpoint, transport.Endpoint) {
	t.Helper()
	ctx := context.Background()
	l, err := d.Open(ctx, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	require.NoError(t, do(t, l, &transport.Exchange{Op: transport.OpBind, Addr: transport.Addr{CID: transport.CIDAny, Port: port}}).Err)
	require.NoError(t, do(t, l, &transport.Exchange{Op: transport.OpListen, Arg: 4}).Err)

	c, err := d.Open(ctx, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, do(t, c, &transport.Exchange{Op: transport.OpConnect, Addr: transport.Addr{CID: d.CID(), Port: port}}).Err)

	s, err := d.Open(ctx, l)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return c, s
}

func TestGetConfig(t *testing.T) {
	d := loopback.New(loopback.WithCID(9))
	ep, err := d.Open(context.Background(), nil)
	require.NoError(t, err)
	defer ep.Close()

	x := do(t, ep, &transport.Exchange{Op: transport.OpGetConfig, Out: make([]byte, transport.ConfigSize)})
	require.NoError(t, x.Err)
	require.Equal(t, transport.ConfigSize, x.N)
	cid, ok := transport.ParseConfig(x.Out)
	require.True(t, ok)
	require.EqualValues(t, 9, cid)
}

func TestConnectAcceptAddresses(t *testing.T) {
	d := loopback.New()
	c, s := pair(t, d, 5000)

	x := do(t, s, &transport.Exchange{Op: transport.OpGetSockName})
	require.NoError(t, x.Err)
	require.Equal(t, transport.Addr{CID: d.CID(), Port: 5000}, x.Addr)

	cl := do(t, c, &transport.Exchange{Op: transport.OpGetSockName})
	sp := do(t, s, &transport.Exchange{Op: transport.OpGetPeerName})
	require.NoError(t, sp.Err)
	require.Equal(t, cl.Addr, sp.Addr)
}

func TestConnectRefused(t *testing.T) {
	d := loopback.New()
	c, err := d.Open(context.Background(), nil)
	require.NoError(t, err)
	defer c.Close()
	x := do(t, c, &transport.Exchange{Op: transport.OpConnect, Addr: transport.Addr{CID: d.CID(), Port: 1}})
	require.ErrorIs(t, x.Err, transport.ErrConnectionRefused)
}

func TestBindInUse(t *testing.T) {
	d := loopback.New()
	ctx := context.Background()
	a, _ := d.Open(ctx, nil)
	b, _ := d.Open(ctx, nil)
	defer a.Close()
	defer b.Close()
	addr := transport.Addr{CID: transport.CIDAny, Port: 7}
	require.NoError(t, do(t, a, &transport.Exchange{Op: transport.OpBind, Addr: addr}).Err)
	require.ErrorIs(t, do(t, b, &transport.Exchange{Op: transport.OpBind, Addr: addr}).Err, transport.ErrAddressInUse)
}

func TestReadWrite(t *testing.T) {
	d := loopback.New()
	c, s := pair(t, d, 5001)

	w := do(t, c, &transport.Exchange{Op: transport.OpWrite, In: []byte("hello")})
	require.NoError(t, w.Err)
	require.Equal(t, 5, w.N)

	r := do(t, s, &transport.Exchange{Op: transport.OpRead, Out: make([]byte, 16)})
	require.NoError(t, r.Err)
	require.Equal(t, "hello", string(r.Out[:r.N]))
}

func TestPendingReadServedByWrite(t *testing.T) {
	d := loopback.New()
	c, s := pair(t, d, 5002)

	pending := submit(s, &transport.Exchange{Op: transport.OpRead, Out: make([]byte, 4)})
	select {
	case <-pending:
		t.Fatal("read completed without data")
	case <-time.After(20 * time.Millisecond):
	}
	do(t, c, &transport.Exchange{Op: transport.OpWrite, In: []byte("abcdef")})
	r := <-pending
	require.NoError(t, r.Err)
	require.Equal(t, "abcd", string(r.Out[:r.N]))
}

func TestCancelPendingRead(t *testing.T) {
	d := loopback.New()
	_, s := pair(t, d, 5003)

	x := &transport.Exchange{Op: transport.OpRead, Out: make([]byte, 4)}
	ch := submit(s, x)
	s.Cancel(x)
	r := <-ch
	require.ErrorIs(t, r.Err, transport.ErrCanceled)

	// Canceling a finished exchange is a no-op.
	s.Cancel(x)
}

func TestShutdownWriteGivesEOF(t *testing.T) {
	d := loopback.New()
	c, s := pair(t, d, 5004)

	pending := submit(s, &transport.Exchange{Op: transport.OpRead, Out: make([]byte, 4)})
	require.NoError(t, do(t, c, &transport.Exchange{Op: transport.OpShutdown, Arg: transport.ShutdownWrite}).Err)
	r := <-pending
	require.NoError(t, r.Err)
	require.Zero(t, r.N)
}

func TestPartialWriteAndBlockedWrite(t *testing.T) {
	d := loopback.New(loopback.WithReceiveBuffer(4))
	c, s := pair(t, d, 5005)

	w := do(t, c, &transport.Exchange{Op: transport.OpWrite, In: []byte("123456")})
	require.NoError(t, w.Err)
	require.Equal(t, 4, w.N)

	blocked := submit(c, &transport.Exchange{Op: transport.OpWrite, In: []byte("78")})
	select {
	case <-blocked:
		t.Fatal("write completed with a full receive buffer")
	case <-time.After(20 * time.Millisecond):
	}

	r := do(t, s, &transport.Exchange{Op: transport.OpRead, Out: make([]byte, 8)})
	require.Equal(t, "1234", string(r.Out[:r.N]))
	w = <-blocked
	require.NoError(t, w.Err)
	require.Equal(t, 2, w.N)
}

func TestCloseFailsPendingAndLaterExchanges(t *testing.T) {
	d := loopback.New()
	_, s := pair(t, d, 5006)

	pending := submit(s, &transport.Exchange{Op: transport.OpRead, Out: make([]byte, 4)})
	require.NoError(t, s.Close())
	require.ErrorIs(t, (<-pending).Err, transport.ErrClosed)
	require.ErrorIs(t, do(t, s, &transport.Exchange{Op: transport.OpGetSockName}).Err, transport.ErrClosed)
	s.Cancel(&transport.Exchange{})
}

func TestOptionsAndIoctl(t *testing.T) {
	d := loopback.New()
	c, s := pair(t, d, 5007)

	require.NoError(t, do(t, s, &transport.Exchange{Op: transport.OpSetSockOpt, Level: 40, Arg: 2, In: []byte{1, 2}}).Err)
	g := do(t, s, &transport.Exchange{Op: transport.OpGetSockOpt, Level: 40, Arg: 2, Out: make([]byte, 8)})
	require.NoError(t, g.Err)
	require.Equal(t, []byte{1, 2}, g.Out[:g.N])
	require.ErrorIs(t, do(t, s, &transport.Exchange{Op: transport.OpGetSockOpt, Level: 40, Arg: 3}).Err, transport.ErrUnsupportedOp)

	do(t, c, &transport.Exchange{Op: transport.OpWrite, In: []byte("xyz")})
	io := do(t, s, &transport.Exchange{Op: transport.OpIoctl, Arg: transport.IoctlBytesReadable, Out: make([]byte, 4)})
	require.NoError(t, io.Err)
	require.EqualValues(t, 3, binary.LittleEndian.Uint32(io.Out))
}

func TestAcceptCanceledByContext(t *testing.T) {
	d := loopback.New()
	l, err := d.Open(context.Background(), nil)
	require.NoError(t, err)
	defer l.Close()
	do(t, l, &transport.Exchange{Op: transport.OpBind, Addr: transport.Addr{CID: transport.CIDAny, Port: 6000}})
	do(t, l, &transport.Exchange{Op: transport.OpListen, Arg: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = d.Open(ctx, l)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
