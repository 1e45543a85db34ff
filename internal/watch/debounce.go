package watch

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Debouncer batches rapid file events and ensures callbacks don't overlap.
// Events that arrive while a callback runs are delivered in a later batch.
type Debouncer struct {
	duration time.Duration
	callback func([]fsnotify.Event)
	mu       sync.Mutex
	timer    *time.Timer
	events   []fsnotify.Event
	stopped  bool
	inFlight bool
	pending  []fsnotify.Event
	idle     *sync.Cond
}

func NewDebouncer(d time.Duration, cb func([]fsnotify.Event)) *Debouncer {
	db := &Debouncer{duration: d, callback: cb}
	db.idle = sync.NewCond(&db.mu)
	return db
}

func (d *Debouncer) Add(evt fsnotify.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.inFlight {
		d.pending = append(d.pending, evt)
		return
	}

	d.events = append(d.events, evt)
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.duration, d.flush)
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	if d.stopped || len(d.events) == 0 {
		d.mu.Unlock()
		return
	}
	if d.inFlight {
		d.pending = append(d.pending, d.events...)
		d.events = nil
		d.mu.Unlock()
		return
	}
	events := d.events
	d.events = nil
	d.inFlight = true
	d.mu.Unlock()

	d.callback(events)

	d.mu.Lock()
	d.inFlight = false
	if len(d.pending) > 0 && !d.stopped {
		d.events = append(d.events, d.pending...)
		d.pending = nil
		d.timer = time.AfterFunc(d.duration, d.flush)
	}
	d.idle.Broadcast()
	d.mu.Unlock()
}

// Stop cancels any pending batch, prevents future ones and waits for a
// running callback to return.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.events = nil
	d.pending = nil
	for d.inFlight {
		d.idle.Wait()
	}
}

// isNonEmptyChmodOnly reports a permission-only change on a non-empty file.
// Some editors create an empty file and chmod it before writing, so chmod
// on an empty file is kept.
func isNonEmptyChmodOnly(evt fsnotify.Event) bool {
	if evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create) || evt.Has(fsnotify.Remove) ||
		evt.Has(fsnotify.Rename) {
		return false
	}
	info, err := os.Stat(evt.Name)
	if err != nil {
		return false
	}
	return info.Size() > 0
}
