package ipc

import (
	"sync"
	"sync/atomic"

	"github.com/lcx/btpm/log"
	"github.com/lcx/btpm/metrics"
)

// Mailbox is a single worker goroutine fed by a bounded queue. Post never
// blocks; a full or closed mailbox rejects the task.
type Mailbox struct {
	name    string
	tasks   chan func()
	lock    sync.RWMutex
	closed  bool
	started atomic.Bool
	once    sync.Once
	quit    chan struct{}
	done    chan struct{}
}

func NewMailbox(name string, size int) *Mailbox {
	if size <= 0 {
		size = 1
	}
	return &Mailbox{
		name:  name,
		tasks: make(chan func(), size),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the worker. Later calls are no-ops.
func (mb *Mailbox) Start() {
	if mb.started.CompareAndSwap(false, true) {
		go mb.runLoop()
	}
}

// Post queues task. It reports false when the queue is full or the mailbox closed.
func (mb *Mailbox) Post(task func()) bool {
	mb.lock.RLock()
	defer mb.lock.RUnlock()

	if mb.closed {
		return false
	}

	select {
	case mb.tasks <- task:
		metrics.UpdateGaugeWithDimGroup("ipc", "mailbox_len", metrics.Value(len(mb.tasks)), metrics.Dimension{"mailbox": mb.name})
		return true
	default:
		metrics.IncrCounterWithDimGroup("ipc", "mailbox_drop_total", 1, metrics.Dimension{"mailbox": mb.name})
		return false
	}
}

// Close stops intake. Already queued tasks still run before the worker exits.
// Close does not wait; use Done for that.
func (mb *Mailbox) Close() {
	mb.once.Do(func() {
		mb.lock.Lock()
		mb.closed = true
		mb.lock.Unlock()

		close(mb.quit)
		if !mb.started.Load() {
			mb.started.Store(true)
			go mb.dealLeftTask()
		}
	})
}

// Done is closed once the worker has exited.
func (mb *Mailbox) Done() <-chan struct{} {
	return mb.done
}

// Len is the number of queued tasks.
func (mb *Mailbox) Len() int {
	return len(mb.tasks)
}

func (mb *Mailbox) runLoop() {
	for {
		select {
		case task := <-mb.tasks:
			mb.exec(task)
		case <-mb.quit:
			mb.dealLeftTask()
			return
		}
	}
}

// dealLeftTask drains whatever was queued before Close.
func (mb *Mailbox) dealLeftTask() {
	defer close(mb.done)
	for {
		select {
		case task := <-mb.tasks:
			mb.exec(task)
		default:
			return
		}
	}
}

func (mb *Mailbox) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncrCounterWithDimGroup("ipc", "mailbox_panic_total", 1, metrics.Dimension{"mailbox": mb.name})
			log.Error().Str("mailbox", mb.name).Any("panic", r).Msg("mailbox task panicked")
		}
	}()
	task()
}
