package chat

import (
	"sync"
	"time"
)

// debouncer coalesces bursts of calls per key into one trailing-edge
// invocation after the configured quiet period.
type debouncer struct {
	mu     sync.Mutex
	delay  time.Duration
	timers map[string]*time.Timer
	fns    map[string]func()
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{
		delay:  delay,
		timers: make(map[string]*time.Timer),
		fns:    make(map[string]func()),
	}
}

// trigger schedules fn to run after the quiet period, resetting any pending
// run for the same key. The latest fn wins.
func (d *debouncer) trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fns[key] = fn
	if timer, ok := d.timers[key]; ok {
		timer.Stop()
	}
	d.timers[key] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		pending := d.fns[key]
		delete(d.fns, key)
		delete(d.timers, key)
		d.mu.Unlock()
		if pending != nil {
			pending()
		}
	})
}

// flush runs every pending fn now and clears all timers.
func (d *debouncer) flush() {
	d.mu.Lock()
	var pending []func()
	for key, timer := range d.timers {
		timer.Stop()
		if fn := d.fns[key]; fn != nil {
			pending = append(pending, fn)
		}
		delete(d.timers, key)
		delete(d.fns, key)
	}
	d.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}
