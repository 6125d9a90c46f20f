// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package viosock

import (
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"

	"code.hybscloud.com/viosock/internal/log"
)

// WorkItem is deferred work that runs exactly once, outside the context
// that queued it. Queueing an item twice panics.
type WorkItem interface {
	Queue()
}

type workFunc func()

// queuedItem runs on a WorkQueue worker.
type queuedItem struct {
	q      *WorkQueue
	fn     workFunc
	queued atomix.Uint32
}

func (w *queuedItem) Queue() {
	if !w.queued.CompareAndSwap(0, 1) {
		panic("viosock: work item queued twice")
	}
	w.q.submit(w.fn)
}

// detachedItem runs on its own goroutine.
type detachedItem struct {
	fn     workFunc
	queued atomix.Uint32
}

func (w *detachedItem) Queue() {
	if !w.queued.CompareAndSwap(0, 1) {
		panic("viosock: work item queued twice")
	}
	go w.fn()
}

// WorkQueue runs work items on a fixed set of workers.
//
// Each worker consumes its own bounded SPSC ring. Producers are
// serialized per ring by a mutex, which keeps the ring single-producer.
// An item that finds its ring full, or the queue stopped, runs on its own
// goroutine instead, so no item is ever dropped. Items run in order on
// their worker and must not wait for one another.
type WorkQueue struct {
	shards []*shard
	next   atomix.Uint32
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	overflow atomix.Uint64
}

type shard struct {
	mu      sync.Mutex
	stopped bool
	ring    lfq.SPSC[workFunc]
	slot    workFunc
	wake    chan struct{}
}

// minCapacity is the smallest ring lfq accepts.
const minCapacity = 2

// NewWorkQueue starts workers, each with a ring of the given capacity.
// Capacity is raised to at least 2.
func NewWorkQueue(workers, capacity int) *WorkQueue {
	if workers < 1 {
		workers = 1
	}
	if capacity < minCapacity {
		capacity = minCapacity
	}
	q := &WorkQueue{
		shards: make([]*shard, workers),
		stop:   make(chan struct{}),
	}
	for i := range q.shards {
		sh := &shard{wake: make(chan struct{}, 1)}
		sh.ring.Init(capacity)
		q.shards[i] = sh
		q.wg.Add(1)
		go q.run(sh)
	}
	return q
}

// Item wraps fn as a work item bound to q.
func (q *WorkQueue) Item(fn func()) WorkItem {
	return &queuedItem{q: q, fn: fn}
}

// Overflowed returns how many items ran detached because their ring was
// full or the queue was stopped.
func (q *WorkQueue) Overflowed() uint64 {
	return q.overflow.Load()
}

func (q *WorkQueue) submit(fn workFunc) {
	sh := q.shards[int(q.next.Add(1))%len(q.shards)]
	err := sh.enqueue(fn)
	if err == nil {
		select {
		case sh.wake <- struct{}{}:
		default:
		}
		return
	}
	q.overflow.Add(1)
	log.V(1).Infof("workqueue", "running item detached: %v", err)
	go fn()
}

func (sh *shard) enqueue(fn workFunc) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.stopped {
		return ErrQueueClosed
	}
	sh.slot = fn
	err := sh.ring.Enqueue(&sh.slot)
	sh.slot = nil
	return err
}

// run is the single consumer of sh.
func (q *WorkQueue) run(sh *shard) {
	defer q.wg.Done()
	for {
		fn, err := sh.ring.Dequeue()
		if err == nil {
			fn()
			continue
		}
		if !iox.IsWouldBlock(err) {
			log.Errorf("workqueue", "dequeue: %v", err)
		}
		select {
		case <-sh.wake:
		case <-q.stop:
			for {
				fn, err := sh.ring.Dequeue()
				if err != nil {
					return
				}
				fn()
			}
		}
	}
}

// Close stops accepting items, runs what is already queued, and waits for
// the workers to exit.
func (q *WorkQueue) Close() {
	q.once.Do(func() {
		for _, sh := range q.shards {
			sh.mu.Lock()
			sh.stopped = true
			sh.mu.Unlock()
		}
		close(q.stop)
	})
	q.wg.Wait()
}
