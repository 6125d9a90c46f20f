// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package viosock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"code.hybscloud.com/viosock"
	"code.hybscloud.com/viosock/transport"
	"code.hybscloud.com/viosock/transport/transporttest"
)

const (
	testCID     = 7
	waitTimeout = 5 * time.Second
)

var errBoom = errors.New("boom")

// newProvider creates a provider with detached work items unless opts
// say otherwise, and closes it when the test ends.
func newProvider(tb testing.TB, dev transport.Device, opts ...viosock.Option) *viosock.Provider {
	tb.Helper()
	opts = append([]viosock.Option{viosock.WithoutWorkQueue()}, opts...)
	p := viosock.NewProvider(dev, opts...)
	tb.Cleanup(func() { p.Close() })
	return p
}

// fixture opens one socket of the given flavor on a scripted device.
func fixture(tb testing.TB, flavor viosock.Flavor, opts ...viosock.Option) (*transporttest.Device, *viosock.Provider, *viosock.Socket) {
	tb.Helper()
	dev := transporttest.New(testCID)
	p := newProvider(tb, dev, opts...)
	s, err := p.Open(context.Background(), flavor, nil)
	if err != nil {
		tb.Fatalf("open %s: %v", flavor, err)
	}
	return dev, p, s
}

// wait waits for op, failing the test if it does not complete in time.
func wait(tb testing.TB, op *viosock.Operation) (int, error) {
	tb.Helper()
	select {
	case <-op.Done():
		return op.Result()
	case <-time.After(waitTimeout):
		tb.Fatalf("operation did not complete")
		return 0, nil
	}
}

// settle waits until every completion context and lease is released.
func settle(tb testing.TB, p *viosock.Provider) viosock.Stats {
	tb.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		st := p.Stats()
		if st.Contexts == 0 && st.Leases == 0 {
			return st
		}
		if time.Now().After(deadline) {
			tb.Fatalf("stats did not settle: %+v", st)
		}
		time.Sleep(time.Millisecond)
	}
}

// eventually polls cond until it holds.
func eventually(tb testing.TB, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			tb.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// opsAfterOpen returns the ops recorded on endpoint ep, without the
// GET_CONFIG every open issues.
func opsAfterOpen(dev *transporttest.Device, ep int) []transport.Op {
	ops := dev.Ops(ep)
	if len(ops) > 0 && ops[0] == transport.OpGetConfig {
		ops = ops[1:]
	}
	if len(ops) == 0 {
		return nil
	}
	return ops
}

// bytesOf returns segments of the given sizes.
func bytesOf(sizes ...int) [][]byte {
	segs := make([][]byte, len(sizes))
	for i, n := range sizes {
		segs[i] = make([]byte, n)
	}
	return segs
}
