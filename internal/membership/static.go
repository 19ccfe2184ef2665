package membership

import "sync"

// StaticDriver is an in-process membership driver: a test harness or a
// single-box deployment injects events directly via Inject, rather than the
// driver deriving them from any external cluster manager.
type StaticDriver struct {
	mu     sync.Mutex
	events chan Event
	closed bool
}

// NewStaticDriver creates a driver with the given event channel buffer size.
func NewStaticDriver(buffer int) *StaticDriver {
	return &StaticDriver{events: make(chan Event, buffer)}
}

func (d *StaticDriver) Events() <-chan Event { return d.events }

// Inject delivers e to the driver's channel. No-op if the driver is closed.
func (d *StaticDriver) Inject(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.events <- e
}

func (d *StaticDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.events)
	return nil
}
