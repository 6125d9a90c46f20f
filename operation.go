// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package viosock

import (
	"context"
	"sync/atomic"

	"code.hybscloud.com/atomix"

	"code.hybscloud.com/viosock/transport"
)

// Operation is a caller-visible request. It completes exactly once with a
// byte count and a status, and can be canceled at any time.
//
// An Operation is bound to one dispatch call and cannot be reused.
type Operation struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	fn     func(*Operation)

	bound     atomix.Uint32
	completed atomix.Uint32
	canceled  atomix.Uint32

	// slot holds the sub-exchange currently in flight for this operation.
	slot atomic.Pointer[inflight]

	n    int
	err  error
	sock *Socket
}

// inflight is one submitted sub-exchange and the endpoint it went to.
type inflight struct {
	ep    transport.Endpoint
	x     *transport.Exchange
	lease *lease
}

// NewOperation returns an operation to be awaited with Wait or Done.
func NewOperation() *Operation {
	return NewOperationFunc(nil)
}

// NewOperationFunc returns an operation that calls fn on completion.
// fn runs on the completing goroutine and must not block.
func NewOperationFunc(fn func(*Operation)) *Operation {
	ctx, cancel := context.WithCancel(context.Background())
	return &Operation{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		fn:     fn,
	}
}

// Cancel requests cancellation. The sub-exchange in flight, if any, is
// canceled; the operation still completes exactly once. Canceling after
// completion has no effect.
func (op *Operation) Cancel() {
	op.canceled.Store(1)
	op.cancel()
	if f := op.slot.Swap(nil); f != nil {
		f.ep.Cancel(f.x)
	}
}

// Canceled reports whether Cancel was called.
func (op *Operation) Canceled() bool {
	return op.canceled.Load() != 0
}

// Done is closed when the operation completes.
func (op *Operation) Done() <-chan struct{} {
	return op.done
}

// Result returns the byte count and status. Valid after Done is closed.
func (op *Operation) Result() (int, error) {
	return op.n, op.err
}

// Socket returns the socket produced by open, accept, or connect-socket
// operations. Valid after Done is closed.
func (op *Operation) Socket() *Socket {
	return op.sock
}

// Wait blocks until the operation completes. If ctx ends first the
// operation is canceled and Wait keeps waiting for its completion.
func (op *Operation) Wait(ctx context.Context) (int, error) {
	select {
	case <-op.done:
	case <-ctx.Done():
		op.Cancel()
		<-op.done
	}
	return op.n, op.err
}

// context is canceled with the operation, for blocking steps run on
// work items.
func (op *Operation) context() context.Context {
	return op.ctx
}

// bind claims op for one dispatch call.
func (op *Operation) bind() bool {
	return op.bound.CompareAndSwap(0, 1)
}

// arm publishes f as the sub-exchange in flight.
func (op *Operation) arm(f *inflight) {
	op.slot.Store(f)
}

// disarm clears the slot if it still holds f.
func (op *Operation) disarm(f *inflight) {
	op.slot.CompareAndSwap(f, nil)
}

// recheck cancels f if a cancellation arrived while f was being armed.
func (op *Operation) recheck(f *inflight) {
	if op.canceled.Load() != 0 && op.slot.CompareAndSwap(f, nil) {
		f.ep.Cancel(f.x)
	}
}

// complete records the terminal status. Only the first call has an effect.
func (op *Operation) complete(n int, err error, s *Socket) bool {
	if !op.completed.CompareAndSwap(0, 1) {
		return false
	}
	op.slot.Store(nil)
	op.n, op.err, op.sock = n, err, s
	close(op.done)
	op.cancel()
	if op.fn != nil {
		op.fn(op)
	}
	return true
}
