// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package scheduler provides a fixed-size work-stealing worker pool with
// three submission paths: priority submission through a max-heap, delayed
// submission through a deadline heap, and affinity submission directly onto
// a chosen worker's queue.
//
// Two dispatcher goroutines feed the workers. The priority dispatcher moves
// the highest-priority queued job to an idle worker; the lazy dispatcher
// sleeps until the earliest deadline and then dispatches the due job,
// falling back to the priority path when every worker is busy. Workers that
// run out of local work steal from their peers before going idle.
package scheduler

import (
	"container/heap"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/crlib/crtime"
)

// A Job is a unit of work. Jobs are not individually cancellable; a job that
// was queued but not yet started when the scheduler shuts down is dropped.
type Job func()

// MaxPriority is the highest priority a job can be submitted with. Overdue
// delayed jobs that find no idle worker re-enter the priority queue at this
// priority.
const MaxPriority = math.MaxInt32

// Scheduler runs jobs on a fixed pool of workers.
type Scheduler struct {
	workers []*worker

	// pending holds the workers currently idle, most recently idled first.
	pending struct {
		sync.Mutex
		workers []*worker
	}

	prioritized struct {
		sync.Mutex
		heap priorityHeap
	}
	// prioSem counts undispatched priority submissions plus wakeups from
	// workers re-entering the pending list.
	prioSem semaphore

	delayed struct {
		sync.Mutex
		heap deadlineHeap
	}
	// delayedWake wakes the lazy dispatcher when a submission creates a new
	// earliest deadline.
	delayedWake chan struct{}

	seq  atomic.Uint64
	stop atomic.Bool
	wg   sync.WaitGroup
}

// New returns a started scheduler with the given number of workers. Worker
// counts below GOMAXPROCS are raised to GOMAXPROCS, and counts below two are
// raised to two so that a job running on one worker can always hand work to
// another.
func New(numWorkers int) *Scheduler {
	if n := runtime.GOMAXPROCS(0); numWorkers < n {
		numWorkers = n
	}
	if numWorkers < 2 {
		numWorkers = 2
	}

	s := &Scheduler{
		delayedWake: make(chan struct{}, 1),
	}
	s.workers = make([]*worker, numWorkers)
	for i := range s.workers {
		s.workers[i] = &worker{s: s, id: i}
	}
	// Every worker starts idle.
	s.pending.workers = append(s.pending.workers, s.workers...)

	s.wg.Add(len(s.workers) + 2)
	for _, w := range s.workers {
		go w.run()
	}
	go s.runPriorityDispatcher()
	go s.runLazyDispatcher()
	return s
}

// NumWorkers returns the size of the worker pool.
func (s *Scheduler) NumWorkers() int {
	return len(s.workers)
}

// Submit queues the job at the given priority. Among queued jobs the highest
// priority runs first; jobs of equal priority run newest first.
func (s *Scheduler) Submit(job Job, priority int32) {
	if s.stop.Load() {
		return
	}
	s.prioritized.Lock()
	heap.Push(&s.prioritized.heap, prioritizedJob{
		job:      job,
		priority: priority,
		seq:      s.seq.Add(1),
	})
	s.prioritized.Unlock()
	s.prioSem.release()
}

// SubmitAfter queues the job to run once the given delay has elapsed. The
// job never runs early; it may run late if all workers are busy at the
// deadline.
func (s *Scheduler) SubmitAfter(delay time.Duration, job Job) {
	if s.stop.Load() {
		return
	}
	deadline := crtime.NowMono() + crtime.Mono(delay)
	s.delayed.Lock()
	heap.Push(&s.delayed.heap, delayedJob{job: job, deadline: deadline})
	earliest := s.delayed.heap[0].deadline == deadline
	s.delayed.Unlock()
	if earliest {
		select {
		case s.delayedWake <- struct{}{}:
		default:
		}
	}
}

// SubmitIn queues the job on the worker named by the context. The job runs
// on that exact worker, after the worker's queued jobs. If the context is
// empty or names a worker of another scheduler, the job falls back to the
// priority path. After Shutdown the job is dropped.
func (s *Scheduler) SubmitIn(ctx Context, job Job) {
	if ctx.w == nil || ctx.w.s != s {
		s.Submit(job, 0)
		return
	}
	if s.stop.Load() {
		return
	}
	ctx.w.push(queuedJob{job: job})
	ctx.w.sem.release()
}

// Shutdown stops the scheduler. Queued jobs that have not started are
// dropped; jobs already running complete. Shutdown blocks until every worker
// and dispatcher has exited. It is idempotent.
func (s *Scheduler) Shutdown() {
	if s.stop.Swap(true) {
		return
	}
	for _, w := range s.workers {
		w.sem.release()
	}
	s.prioSem.release()
	select {
	case s.delayedWake <- struct{}{}:
	default:
	}
	s.wg.Wait()
}

// runPriorityDispatcher moves jobs from the priority heap to idle workers.
// When no worker is idle the job stays queued; a worker re-entering the
// pending list releases the semaphore to retry.
func (s *Scheduler) runPriorityDispatcher() {
	defer s.wg.Done()
	for {
		s.prioSem.acquire()
		if s.stop.Load() {
			return
		}
		s.prioritized.Lock()
		if s.prioritized.heap.Len() == 0 {
			s.prioritized.Unlock()
			continue
		}
		pj := heap.Pop(&s.prioritized.heap).(prioritizedJob)
		s.prioritized.Unlock()

		if !s.tryDispatch(pj.job) {
			// Put the job back; it keeps its submission order.
			s.prioritized.Lock()
			heap.Push(&s.prioritized.heap, pj)
			s.prioritized.Unlock()
		}
	}
}

// tryDispatch hands the job to an idle worker, returning false if every
// worker is busy. Dispatched jobs return their worker to the pending list
// when they finish, even if a peer steals and runs them.
func (s *Scheduler) tryDispatch(job Job) bool {
	s.pending.Lock()
	n := len(s.pending.workers)
	if n == 0 {
		s.pending.Unlock()
		return false
	}
	w := s.pending.workers[n-1]
	s.pending.workers = s.pending.workers[:n-1]
	s.pending.Unlock()

	w.push(queuedJob{job: job, returnTo: w})
	w.sem.release()
	return true
}

// runLazyDispatcher sleeps until the earliest deadline and dispatches due
// jobs. Due jobs that find no idle worker re-enter the priority queue at
// MaxPriority rather than waiting for one.
func (s *Scheduler) runLazyDispatcher() {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		s.delayed.Lock()
		var wait time.Duration = -1
		for s.delayed.heap.Len() > 0 {
			now := crtime.NowMono()
			next := s.delayed.heap[0]
			if next.deadline > now {
				wait = time.Duration(next.deadline - now)
				break
			}
			heap.Pop(&s.delayed.heap)
			s.delayed.Unlock()
			if !s.tryDispatch(next.job) {
				s.Submit(next.job, MaxPriority)
			}
			s.delayed.Lock()
		}
		s.delayed.Unlock()

		if wait < 0 {
			<-s.delayedWake
		} else {
			timer.Reset(wait)
			select {
			case <-s.delayedWake:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
			case <-timer.C:
			}
		}
		if s.stop.Load() {
			return
		}
	}
}

// enqueueIdle returns a worker to the pending list and nudges the priority
// dispatcher, which may have a job waiting for an idle worker.
func (s *Scheduler) enqueueIdle(w *worker) {
	s.pending.Lock()
	s.pending.workers = append(s.pending.workers, w)
	s.pending.Unlock()
	s.prioSem.release()
}

// queuedJob is a job on a worker's local queue. returnTo names the worker
// whose pending-list slot a dispatcher consumed to place the job; that worker
// re-enters the pending list when the job finishes, no matter which worker
// ran it. Affinity jobs carry no slot and leave idle accounting alone.
type queuedJob struct {
	job      Job
	returnTo *worker
}

type worker struct {
	s  *Scheduler
	id int

	mu    sync.Mutex
	queue []queuedJob

	// sem counts queued jobs plus one shutdown release.
	sem semaphore
}

func (w *worker) push(j queuedJob) {
	w.mu.Lock()
	w.queue = append(w.queue, j)
	w.mu.Unlock()
}

// pop takes from the front of the queue, preserving submission order for
// affinity jobs.
func (w *worker) pop() (queuedJob, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return queuedJob{}, false
	}
	j := w.queue[0]
	copy(w.queue, w.queue[1:])
	w.queue = w.queue[:len(w.queue)-1]
	return j, true
}

// steal takes from the back of a peer's queue. Affinity jobs must run on the
// worker they were submitted to and are never stolen; a stolen dispatched
// job still restores its original worker's pending slot, so the victim is
// not lost from the pool. The victim's stale semaphore count falls through
// an empty pop.
func (w *worker) steal() (queuedJob, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.queue) - 1; i >= 0; i-- {
		if w.queue[i].returnTo == nil {
			continue
		}
		j := w.queue[i]
		w.queue = append(w.queue[:i], w.queue[i+1:]...)
		return j, true
	}
	return queuedJob{}, false
}

func (w *worker) run() {
	defer w.s.wg.Done()
	registerWorker(w)
	defer unregisterWorker()
	for {
		j, ok := w.pop()
		if !ok {
			j, ok = w.stealFromPeers()
		}
		if ok {
			j.job()
			if j.returnTo != nil {
				w.s.enqueueIdle(j.returnTo)
			}
			continue
		}
		// Out of local work and nothing to steal. The semaphore may hold
		// stale counts for jobs that were stolen; those wakeups fall through
		// the empty pop and come back here.
		w.sem.acquire()
		if w.s.stop.Load() {
			return
		}
	}
}

func (w *worker) stealFromPeers() (queuedJob, bool) {
	for _, peer := range w.s.workers {
		if peer == w {
			continue
		}
		if j, ok := peer.steal(); ok {
			return j, true
		}
	}
	return queuedJob{}, false
}

// Context names a worker for affinity submission.
type Context struct {
	w *worker
}

// CaptureContext returns a context naming the worker the calling job is
// running on. It returns false when the caller is not running on a scheduler
// worker.
func CaptureContext() (Context, bool) {
	w := currentWorker()
	if w == nil {
		return Context{}, false
	}
	return Context{w: w}, true
}

// prioritizedJob orders the priority heap: highest priority first, and
// newest first among equals.
type prioritizedJob struct {
	job      Job
	priority int32
	seq      uint64
}

type priorityHeap []prioritizedJob

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq > h[j].seq
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) { *h = append(*h, x.(prioritizedJob)) }

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = prioritizedJob{}
	*h = old[:n-1]
	return x
}

// delayedJob orders the deadline heap: earliest deadline first.
type delayedJob struct {
	job      Job
	deadline crtime.Mono
}

type deadlineHeap []delayedJob

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline < h[j].deadline }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) { *h = append(*h, x.(delayedJob)) }

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = delayedJob{}
	*h = old[:n-1]
	return x
}

// semaphore is a counting semaphore. Workers and the priority dispatcher
// block only on their semaphore.
type semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

func (s *semaphore) acquire() {
	s.mu.Lock()
	if s.cond == nil {
		s.cond = sync.NewCond(&s.mu)
	}
	for s.count == 0 {
		s.cond.Wait()
	}
	s.count--
	s.mu.Unlock()
}

func (s *semaphore) release() {
	s.mu.Lock()
	if s.cond == nil {
		s.cond = sync.NewCond(&s.mu)
	}
	s.count++
	s.cond.Signal()
	s.mu.Unlock()
}
