// Package serialmux owns the serial port of the CUL stick. A Link reads raw
// bursts from the port in a single monitor goroutine and fans them out to
// any number of registered listeners, while writes are serialised and
// flushed to the wire.
package serialmux

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/rts.bridge/internal/monitoring"
)

var (
	ErrWriteFailed = fmt.Errorf("failed to write to serial port")
	ErrClosed      = errors.New("serial link closed")
)

// readBufferSize bounds a single read; CUL frames are far shorter.
const readBufferSize = 256

// listenerBuffer is the number of bursts a slow listener may fall behind
// before further bursts are dropped for it.
const listenerBuffer = 16

// Link is a serial port shared by one writer at a time and any number of
// listeners.
type Link[T SerialPorter] struct {
	port T

	writeMu sync.Mutex

	subscriberMu sync.Mutex
	subscribers  map[string]chan []byte
	closed       bool
}

// LinkInterface is the behaviour shared by real, mock and disabled links.
type LinkInterface interface {
	// IsOpen reports whether the link accepts writes.
	IsOpen() bool
	// Write writes p in full and flushes it to the device.
	Write(p []byte) error
	// Subscribe registers a listener for received bursts. The channel is
	// closed by Unsubscribe or Close.
	Subscribe() (string, <-chan []byte, error)
	// Unsubscribe removes a listener.
	Unsubscribe(id string)
	// Monitor reads from the port until ctx is done or the port fails.
	Monitor(ctx context.Context) error
	// Close closes all listener channels and the port.
	Close() error
}

// NewLink creates a Link over an already opened port.
func NewLink[T SerialPorter](port T) *Link[T] {
	return &Link[T]{
		port:        port,
		subscribers: make(map[string]chan []byte),
	}
}

// IsOpen reports whether Close has not been called yet.
func (l *Link[T]) IsOpen() bool {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	return !l.closed
}

func (l *Link[T]) Subscribe() (string, <-chan []byte, error) {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	if l.closed {
		return "", nil, ErrClosed
	}
	id := uuid.NewString()
	ch := make(chan []byte, listenerBuffer)
	l.subscribers[id] = ch
	return id, ch, nil
}

// Unsubscribe removes a listener and closes its channel. Unknown IDs are
// ignored.
func (l *Link[T]) Unsubscribe(id string) {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	if ch, ok := l.subscribers[id]; ok {
		close(ch)
		delete(l.subscribers, id)
	}
}

// Listeners returns the number of registered listeners.
func (l *Link[T]) Listeners() int {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	return len(l.subscribers)
}

// Write sends p to the port. A short write is reported as ErrWriteFailed.
// Ports that can drain their output buffer are drained before returning so
// the caller's timestamp marks the end of transmission.
func (l *Link[T]) Write(p []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if !l.IsOpen() {
		return ErrClosed
	}

	n, err := l.port.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return ErrWriteFailed
	}

	if d, ok := any(l.port).(Drainer); ok {
		if err := d.Drain(); err != nil {
			return fmt.Errorf("failed to drain serial port: %w", err)
		}
	}
	monitoring.Debugf("wrote %d bytes: %q", n, p)
	return nil
}

// Monitor reads bursts from the port and hands a copy of each to every
// listener. A listener whose buffer is full misses the burst rather than
// stalling the reader.
func (l *Link[T]) Monitor(ctx context.Context) error {
	burstChan := make(chan []byte)
	readErrChan := make(chan error, 1)

	// the blocking Read lives in its own goroutine so the loop below can
	// still observe context cancellation
	go func() {
		defer close(burstChan)
		buf := make([]byte, readBufferSize)
		for {
			n, err := l.port.Read(buf)
			if n > 0 {
				burst := append([]byte(nil), buf[:n]...)
				select {
				case burstChan <- burst:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case readErrChan <- err:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrChan:
			if !l.IsOpen() {
				return nil
			}
			return fmt.Errorf("failed to read from serial port: %w", err)

		case burst, ok := <-burstChan:
			if !ok {
				select {
				case err := <-readErrChan:
					if l.IsOpen() {
						return fmt.Errorf("failed to read from serial port: %w", err)
					}
				default:
				}
				return nil
			}
			monitoring.Debugf("received %d bytes: %q", len(burst), burst)
			l.fanout(burst)
		}
	}
}

func (l *Link[T]) fanout(burst []byte) {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	if l.closed {
		return
	}
	for _, ch := range l.subscribers {
		select {
		case ch <- burst:
		default:
			// if the channel is full skip so as not to block the reader
		}
	}
}

// Close closes every listener channel and then the port. Subsequent calls
// return nil.
func (l *Link[T]) Close() error {
	l.subscriberMu.Lock()
	if l.closed {
		l.subscriberMu.Unlock()
		return nil
	}
	l.closed = true
	for id, ch := range l.subscribers {
		close(ch)
		delete(l.subscribers, id)
	}
	l.subscriberMu.Unlock()

	return l.port.Close()
}
