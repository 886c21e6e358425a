package wampio

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
)

// EventLoop is the processing context: a single goroutine running queued
// functions in the order they were dispatched. User callbacks, timers and
// session state transitions all run here.
type EventLoop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	q       *queue.Queue
	stopped bool
	done    chan struct{}
	log     zerolog.Logger
}

func NewEventLoop(log zerolog.Logger) *EventLoop {
	l := &EventLoop{q: queue.New(), done: make(chan struct{}), log: log}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Dispatch queues fn for execution on the loop. Returns false if the loop has
// been stopped, in which case fn will never run.
func (l *EventLoop) Dispatch(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.q.Add(fn)
	l.cond.Signal()
	return true
}

// DispatchAfter queues fn once d has elapsed. Stopping the returned timer
// before it fires cancels fn.
func (l *EventLoop) DispatchAfter(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.Dispatch(fn) })
}

// Stop runs what is already queued, then ends the loop. It must not be
// called from a function running on the loop.
func (l *EventLoop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.cond.Signal()
	l.mu.Unlock()
	<-l.done
}

// Done is closed once the loop goroutine has exited
func (l *EventLoop) Done() <-chan struct{} { return l.done }

func (l *EventLoop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for l.q.Length() == 0 && !l.stopped {
			l.cond.Wait()
		}
		if l.q.Length() == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.q.Remove().(func())
		l.mu.Unlock()
		l.call(fn)
	}
}

func (l *EventLoop) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Err(fmt.Errorf("%v", r)).Msg("panic in event loop")
		}
	}()
	fn()
}
