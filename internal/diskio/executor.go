package diskio

import "sync"

// Executor runs completion callbacks. The protocol core supplies one at
// engine construction; every completion handler is posted here and never
// invoked from a shard worker directly.
type Executor interface {
	Post(f func())
}

// SerialExecutor is a single-goroutine Executor. It preserves post order
// and is the default when the caller does not bring its own loop.
type SerialExecutor struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

// NewSerialExecutor starts the executor goroutine.
func NewSerialExecutor() *SerialExecutor {
	e := &SerialExecutor{
		tasks: make(chan func(), 1024),
		done:  make(chan struct{}),
	}

	go func() {
		defer close(e.done)
		for f := range e.tasks {
			f()
		}
	}()

	return e
}

// Post enqueues a callback.
func (e *SerialExecutor) Post(f func()) {
	e.tasks <- f
}

// Close drains pending callbacks and joins the goroutine.
func (e *SerialExecutor) Close() {
	e.once.Do(func() {
		close(e.tasks)
	})
	<-e.done
}

// worker is one shard's executor: a single goroutine draining a task
// queue. Exclusive ownership of the shard by this goroutine is what makes
// the shard lock-free.
type worker struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

func newWorker() *worker {
	w := &worker{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}

	go func() {
		defer close(w.done)
		for f := range w.tasks {
			f()
		}
	}()

	return w
}

func (w *worker) post(f func()) {
	w.tasks <- f
}

// close stops intake, drains queued tasks and joins.
func (w *worker) close() {
	w.once.Do(func() {
		close(w.tasks)
	})
	<-w.done
}
