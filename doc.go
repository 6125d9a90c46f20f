// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package viosock is an asynchronous operation engine for virtual machine
// sockets.
//
// A caller-visible [Operation] such as connect, accept or a chunked send is
// realized as a strictly sequential chain of sub-exchanges against one
// [code.hybscloud.com/viosock/transport.Endpoint]. Each entry point returns
// [ErrPending] and the Operation later completes exactly once.
//
// # Architecture
//
//   - Provider: opens sockets on a [code.hybscloud.com/viosock/transport.Device] and owns the [WorkQueue].
//   - Socket: an endpoint handle guarded by a drain barrier. Close refuses new leases and waits until every lease is released.
//   - Completion context: a reference-counted state machine. After each sub-exchange it decides, via [code.hybscloud.com/kont.Either], whether to submit the next one or finish.
//   - Cancellation: [Operation.Cancel] swaps out the sub-exchange in flight and cancels exactly that one.
//   - Work items: deferred work runs on lock-free SPSC rings from [code.hybscloud.com/lfq], or on free-standing goroutines.
//
// # Flavors
//
// A socket's [Flavor] selects its operation set. A listening socket binds
// and listens in one step; a stream socket listens explicitly. Anything
// outside the set completes with [ErrInvalidFlavor].
//
// # Example
//
//	p := viosock.NewProvider(loopback.New())
//	s, _ := p.Open(ctx, viosock.FlavorConnection, nil)
//	op := viosock.NewOperation()
//	s.Connect(op, viosock.Addr{CID: viosock.CIDAny, Port: 1024})
//	if _, err := op.Wait(ctx); err != nil {
//		return err
//	}
package viosock
