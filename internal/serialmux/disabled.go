package serialmux

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// DisabledLink stands in for the CUL stick when the bridge runs without
// hardware (--disable-serial). It is never open, so every transport send
// fails fast with a link-unavailable result, but listeners can still be
// registered and are closed deterministically on Unsubscribe or Close.
type DisabledLink struct {
	mu          sync.Mutex
	subscribers map[string]chan []byte
	closing     bool
}

func NewDisabledLink() *DisabledLink {
	return &DisabledLink{
		subscribers: make(map[string]chan []byte),
	}
}

func (d *DisabledLink) IsOpen() bool { return false }

func (d *DisabledLink) Write([]byte) error { return ErrClosed }

func (d *DisabledLink) Subscribe() (string, <-chan []byte, error) {
	id := uuid.NewString()
	ch := make(chan []byte)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		// If already closing, return a closed channel so callers don't block.
		close(ch)
		return id, ch, nil
	}
	d.subscribers[id] = ch
	return id, ch, nil
}

func (d *DisabledLink) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledLink) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *DisabledLink) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}
