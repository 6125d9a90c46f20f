// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package viosock

import (
	"time"

	"code.hybscloud.com/viosock/config"
)

type options struct {
	backlog      uint32
	segmentSize  int
	closeTimeout time.Duration
	workers      int
	capacity     int
	metrics      *Metrics
}

func defaultOptions() *options {
	c := config.Default().Engine
	return &options{
		backlog:     c.ListenBacklog,
		segmentSize: c.SegmentSize,
		workers:     c.WorkQueue.Workers,
		capacity:    c.WorkQueue.Capacity,
	}
}

// Option configures a Provider.
type Option func(*options)

// WithConfig applies engine settings loaded by package config.
func WithConfig(c config.Engine) Option {
	return func(o *options) {
		o.backlog = c.ListenBacklog
		o.segmentSize = c.SegmentSize
		o.closeTimeout = c.CloseTimeout.Duration
		o.workers = c.WorkQueue.Workers
		o.capacity = c.WorkQueue.Capacity
	}
}

// WithListenBacklog sets the backlog passed to LISTEN.
func WithListenBacklog(n uint32) Option {
	return func(o *options) {
		o.backlog = n
	}
}

// WithSegmentSize bounds the bytes moved by one data sub-exchange.
func WithSegmentSize(n int) Option {
	return func(o *options) {
		o.segmentSize = n
	}
}

// WithWorkQueue runs deferred work on a queue of workers.
func WithWorkQueue(workers, capacity int) Option {
	return func(o *options) {
		o.workers = workers
		o.capacity = capacity
	}
}

// WithoutWorkQueue runs deferred work on free-standing goroutines.
func WithoutWorkQueue() Option {
	return func(o *options) {
		o.workers = 0
	}
}

// WithCloseTimeout makes close log a warning each time d passes while it
// waits for outstanding operations.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *options) {
		o.closeTimeout = d
	}
}

// WithMetrics records engine activity into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
