package examclient

import (
	"sync"
	"time"
)

// Timer counts down the time left in an attempt. It is seeded from the
// server's remaining time and fires onExpire exactly once. After firing it
// stops counting.
type Timer struct {
	mu        sync.Mutex
	remaining time.Duration
	fired     bool
	running   bool
	stop      chan struct{}
	done      chan struct{}

	interval time.Duration
	onExpire func()
	onTick   func(time.Duration)
}

type TimerOption func(*Timer)

// WithTickInterval sets how often the countdown advances. Default 1s.
func WithTickInterval(d time.Duration) TimerOption { return func(t *Timer) { t.interval = d } }

// WithOnTick is called with the remaining time after every tick.
func WithOnTick(fn func(time.Duration)) TimerOption { return func(t *Timer) { t.onTick = fn } }

func NewTimer(remaining time.Duration, onExpire func(), opts ...TimerOption) *Timer {
	t := &Timer{remaining: remaining, onExpire: onExpire, interval: time.Second}
	for _, o := range opts {
		o(t)
	}
	if t.remaining < 0 {
		t.remaining = 0
	}
	return t
}

// Start launches the countdown. A timer seeded with no time left fires
// immediately. Calling Start on a running or fired timer does nothing.
func (t *Timer) Start() {
	t.mu.Lock()
	if t.running || t.fired {
		t.mu.Unlock()
		return
	}
	if t.remaining <= 0 {
		t.mu.Unlock()
		t.advance(0)
		return
	}
	t.running = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	stop, done := t.stop, t.done
	t.mu.Unlock()

	go func() {
		defer close(done)
		tk := time.NewTicker(t.interval)
		defer tk.Stop()
		last := time.Now()
		for {
			select {
			case <-stop:
				return
			case now := <-tk.C:
				elapsed := now.Sub(last)
				last = now
				if t.advance(elapsed) {
					return
				}
			}
		}
	}()
}

// advance moves the countdown by d and reports whether the timer has fired.
func (t *Timer) advance(d time.Duration) bool {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		return true
	}
	t.remaining -= d
	if t.remaining < 0 {
		t.remaining = 0
	}
	left := t.remaining
	fire := left == 0
	if fire {
		t.fired = true
		t.running = false
	}
	t.mu.Unlock()

	if t.onTick != nil {
		t.onTick(left)
	}
	if fire && t.onExpire != nil {
		t.onExpire()
	}
	return fire
}

// Resync replaces the remaining time with a fresh server value. Ignored
// once the timer has fired.
func (t *Timer) Resync(remaining time.Duration) {
	if remaining <= 0 {
		t.advance(t.Remaining())
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.fired {
		t.remaining = remaining
	}
}

// Stop halts the countdown and waits for the ticking goroutine to exit.
// It must not be called from onExpire.
func (t *Timer) Stop() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop = nil
	t.running = false
	t.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

func (t *Timer) Fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}
