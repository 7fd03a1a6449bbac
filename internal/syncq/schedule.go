package syncq

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// task runs fn on every tick of interval until stopped. fn runs on the task goroutine,
// so a slow fn delays the next tick rather than piling ticks up.
type task struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func every(clock clockwork.Clock, interval time.Duration, fn func()) *task {
	t := &task{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	// the ticker is created before returning so fake clocks see it immediately
	ticker := clock.NewTicker(interval)

	go func() {
		defer close(t.done)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.Chan():
				fn()
			}
		}
	}()
	return t
}

// Stop cancels the task and waits for a running fn to return. Safe on nil.
func (t *task) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}
