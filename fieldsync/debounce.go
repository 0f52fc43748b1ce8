package fieldsync

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
)

const DefaultDebounceTimeout = 500 * time.Millisecond

type SendFunction = func(payload *Payload)

// DebouncedEmitter is a trailing edge debounce over a single pending slot.
// Each schedule replaces the pending payload and restarts the timer,
// so edits to different fields inside one window collapse to the last one.
type DebouncedEmitter struct {
	clock   clockwork.Clock
	timeout time.Duration
	send    SendFunction

	stateLock sync.Mutex
	pending   *Payload
	timer     clockwork.Timer
	// incremented on every schedule so that a timer that already fired
	// but lost the race with a newer schedule does nothing
	generation uint64
	stopped    bool
}

func NewDebouncedEmitter(clock clockwork.Clock, timeout time.Duration, send SendFunction) *DebouncedEmitter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if timeout <= 0 {
		timeout = DefaultDebounceTimeout
	}
	return &DebouncedEmitter{
		clock:   clock,
		timeout: timeout,
		send:    send,
	}
}

func (self *DebouncedEmitter) Schedule(payload *Payload) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.stopped {
		return
	}

	if self.timer != nil {
		self.timer.Stop()
	}
	self.generation += 1
	generation := self.generation
	self.pending = payload
	self.timer = self.clock.AfterFunc(self.timeout, func() {
		self.flush(generation)
	})
}

// Pending returns the payload waiting for the window to close, if any
func (self *DebouncedEmitter) Pending() *Payload {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.pending
}

func (self *DebouncedEmitter) flush(generation uint64) {
	var payload *Payload
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.stopped || generation != self.generation {
			return
		}
		payload = self.pending
		self.pending = nil
		self.timer = nil
	}()
	if payload == nil {
		return
	}

	glog.V(2).Infof("[debounce]flush %s\n", payload)
	HandleError(func() {
		self.send(payload)
	})
}

// stop drops the pending payload. Only the owning workspace stops the emitter, on teardown.
func (self *DebouncedEmitter) stop() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.stopped = true
	self.pending = nil
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}
