// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package transport defines the contract between the viosock engine and
// the virtual machine sockets channel underneath it.
//
// A [Device] opens [Endpoint]s. An Endpoint accepts [Exchange]s: one
// asynchronous request each, completed exactly once through
// [Exchange.Finish]. Submission never blocks.
package transport

import (
	"context"
	"encoding/binary"
	"strconv"

	"code.hybscloud.com/atomix"
)

// Op identifies the kind of a sub-exchange.
type Op uint8

const (
	OpInvalid Op = iota
	OpRead
	OpWrite
	OpGetConfig
	OpBind
	OpListen
	OpConnect
	OpGetSockName
	OpGetPeerName
	OpShutdown
	OpSetSockOpt
	OpGetSockOpt
	OpIoctl
)

var opNames = [...]string{
	OpInvalid:     "invalid",
	OpRead:        "read",
	OpWrite:       "write",
	OpGetConfig:   "get_config",
	OpBind:        "bind",
	OpListen:      "listen",
	OpConnect:     "connect",
	OpGetSockName: "get_sock_name",
	OpGetPeerName: "get_peer_name",
	OpShutdown:    "shutdown",
	OpSetSockOpt:  "set_sock_opt",
	OpGetSockOpt:  "get_sock_opt",
	OpIoctl:       "ioctl",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return "op(" + strconv.Itoa(int(op)) + ")"
}

// Shutdown directions carried in Exchange.Arg for OpShutdown.
const (
	ShutdownRead  uint32 = 0
	ShutdownWrite uint32 = 1
	ShutdownBoth  uint32 = 2
)

// IoctlBytesReadable reports the number of buffered receive bytes as a
// little-endian uint32.
const IoctlBytesReadable uint32 = 0x541b

// ConfigSize is the size of the OpGetConfig reply: the local context
// identifier as a little-endian uint64.
const ConfigSize = 8

// PutConfig encodes a GET_CONFIG reply into b and returns the bytes written.
// A short b receives a truncated reply.
func PutConfig(b []byte, cid uint32) int {
	var buf [ConfigSize]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(cid))
	return copy(b, buf[:])
}

// ParseConfig decodes a GET_CONFIG reply.
func ParseConfig(b []byte) (uint32, bool) {
	if len(b) < ConfigSize {
		return 0, false
	}
	return uint32(binary.LittleEndian.Uint64(b)), true
}

// Exchange is one asynchronous request against an Endpoint.
//
// The submitter fills the request fields and Complete. The endpoint
// reports the outcome with Finish, exactly once, possibly before Submit
// returns and possibly on another goroutine.
type Exchange struct {
	Op Op

	// Addr is the input address for OpBind and OpConnect and the output
	// address for OpGetSockName and OpGetPeerName.
	Addr Addr

	// Arg carries the listen backlog, the shutdown direction, or the
	// option/ioctl code.
	Arg uint32

	// Level is the option level for OpSetSockOpt and OpGetSockOpt.
	Level uint32

	// In is the write payload or control input.
	In []byte

	// Out is the read target or control output.
	Out []byte

	// N is the number of bytes moved (read, write) or produced (Out).
	N int

	// Err is the completion status.
	Err error

	// Complete is invoked once by Finish.
	Complete func(x *Exchange)

	finished atomix.Uint32
}

// Finish records the outcome and invokes Complete.
// Only the first call has an effect; it reports whether it was the first.
func (x *Exchange) Finish(n int, err error) bool {
	if !x.finished.CompareAndSwap(0, 1) {
		return false
	}
	x.N = n
	x.Err = err
	if x.Complete != nil {
		x.Complete(x)
	}
	return true
}

// Finished reports whether Finish has been called.
func (x *Exchange) Finished() bool {
	return x.finished.Load() != 0
}

// Endpoint is one transport channel.
//
// Submit never blocks. Cancel is best effort: if x is still pending the
// endpoint finishes it with ErrCanceled, otherwise it does nothing. Cancel
// must tolerate exchanges that already finished and endpoints that are
// already closed. Close finishes every pending exchange with ErrClosed;
// exchanges submitted after Close finish with ErrClosed.
type Endpoint interface {
	Submit(x *Exchange)
	Cancel(x *Exchange)
	Close() error
}

// Device creates endpoints.
//
// With a nil parent Open returns a fresh unbound endpoint. With a
// listening parent it blocks until a connection is pending on the parent
// and returns the accepted endpoint, or until ctx is done.
type Device interface {
	Open(ctx context.Context, parent Endpoint) (Endpoint, error)
}
