package shmex

import (
	"sync"
)

// ListenerFunc handles one arriving request. It receives the request's
// payload size; the bytes themselves are read from the endpoint's segment
// (Obtain) and the handler eventually calls Respond on the same endpoint.
type ListenerFunc func(size uint64)

// Listener turns an endpoint into an event-driven server: a dedicated
// goroutine blocks in Poll and invokes the handler for every request. It
// terminates cleanly on shutdown; any other Poll failure means the exchange
// invariants are broken and is fatal.
type Listener struct {
	ex   *Exchange
	fn   ListenerFunc
	done chan struct{}
	stop sync.Once
}

// StartListener begins serving requests arriving on ex. It returns once the
// poll goroutine is running. The handler runs on the poll goroutine, so a
// slow handler delays the next poll, which is fine: the exchange holds at
// most one request at a time.
func StartListener(ex *Exchange, fn ListenerFunc) *Listener {
	l := &Listener{
		ex:   ex,
		fn:   fn,
		done: make(chan struct{}),
	}
	started := make(chan struct{})
	go l.run(started)
	<-started
	return l
}

func (l *Listener) run(started chan<- struct{}) {
	defer close(l.done)
	close(started)
	for {
		size, err := l.ex.Poll()
		if err != nil {
			if IsShutdown(err) {
				l.ex.logger.Debugf("listener for session %d exiting on shutdown", l.ex.SessionID())
				return
			}
			fatalf("listener poll failed",
				"session", l.ex.SessionID(), "error", err)
			return
		}
		l.fn(size)
	}
}

// Close signals shutdown on the exchange and joins the poll goroutine.
// Idempotent. The endpoint itself is still open afterwards; the caller
// closes it separately.
func (l *Listener) Close() {
	l.stop.Do(l.ex.SignalStop)
	<-l.done
}
