// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package viosock

import (
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
)

// barrier is a socket's drain barrier: a count of outstanding leases and a
// closing flag. Once closing is set no new lease is granted, and drain
// waits for the count to reach zero.
//
// acquire increments before it checks closing, and drain sets closing
// before it reads the count, so a lease is either refused or observed by
// drain.
type barrier struct {
	leases  atomix.Int64
	closing atomix.Uint32

	// total, if set, mirrors leases across all sockets of a provider.
	total *atomix.Int64
}

// lease is one acquisition of a barrier. Release it exactly once.
type lease struct {
	b        *barrier
	released atomix.Uint32
}

// acquire takes a lease. Returns ErrClosing once drain has begun.
func (b *barrier) acquire() (*lease, error) {
	b.add(1)
	if b.closing.Load() != 0 {
		b.add(-1)
		return nil, ErrClosing
	}
	return &lease{b: b}, nil
}

func (b *barrier) add(delta int64) {
	b.leases.Add(delta)
	if b.total != nil {
		b.total.Add(delta)
	}
}

// release returns the lease. A second release panics.
func (l *lease) release() {
	if !l.released.CompareAndSwap(0, 1) {
		panic("viosock: lease released twice")
	}
	if l.b.leases.Add(-1) < 0 {
		panic("viosock: lease count underflow")
	}
	if l.b.total != nil {
		l.b.total.Add(-1)
	}
}

// close marks the barrier closing. Only the first call returns true.
func (b *barrier) close() bool {
	return b.closing.CompareAndSwap(0, 1)
}

// closed reports whether close was called.
func (b *barrier) closed() bool {
	return b.closing.Load() != 0
}

// outstanding returns the current lease count.
func (b *barrier) outstanding() int64 {
	return b.leases.Load()
}

// drain waits with adaptive backoff until every lease is released. If
// every is positive, slow is called each time that much time passes
// without the barrier draining.
func (b *barrier) drain(every time.Duration, slow func(n int64)) {
	var bo iox.Backoff
	start := time.Now()
	for {
		n := b.leases.Load()
		if n == 0 {
			return
		}
		if every > 0 && time.Since(start) >= every {
			if slow != nil {
				slow(n)
			}
			start = time.Now()
		}
		bo.Wait()
	}
}
