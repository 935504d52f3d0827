package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// fakeLink implements Link in memory. It records every write and tracks how
// many listeners are registered so tests can assert that send windows never
// overlap and that listeners are always released.
type fakeLink struct {
	mu sync.Mutex

	open         bool
	closed       bool
	writeErr     error
	subscribeErr error

	subs   map[string]chan []byte
	nextID int

	writes    []string
	writeTime []time.Time

	listeners    int
	maxListeners int
	overlaps     int

	// respond, if set, runs in its own goroutine after each successful write.
	respond func(l *fakeLink, p []byte)
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		open: true,
		subs: make(map[string]chan []byte),
	}
}

// echoing returns a link that echoes every write back as a single burst.
func echoing() *fakeLink {
	l := newFakeLink()
	l.respond = func(l *fakeLink, p []byte) { l.deliver(p) }
	return l
}

func (l *fakeLink) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open && !l.closed
}

func (l *fakeLink) Write(p []byte) error {
	l.mu.Lock()
	if l.writeErr != nil {
		err := l.writeErr
		l.mu.Unlock()
		return err
	}
	if l.listeners != 1 {
		l.overlaps++
	}
	l.writes = append(l.writes, string(p))
	l.writeTime = append(l.writeTime, time.Now())
	respond := l.respond
	l.mu.Unlock()

	if respond != nil {
		data := append([]byte(nil), p...)
		go respond(l, data)
	}
	return nil
}

func (l *fakeLink) Subscribe() (string, <-chan []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subscribeErr != nil {
		return "", nil, l.subscribeErr
	}
	if l.closed {
		return "", nil, errors.New("closed")
	}
	l.nextID++
	id := fmt.Sprintf("sub-%d", l.nextID)
	ch := make(chan []byte, 16)
	l.subs[id] = ch
	l.listeners++
	if l.listeners > l.maxListeners {
		l.maxListeners = l.listeners
	}
	return id, ch, nil
}

func (l *fakeLink) Unsubscribe(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.subs[id]; ok {
		close(ch)
		delete(l.subs, id)
		l.listeners--
	}
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, ch := range l.subs {
		close(ch)
		delete(l.subs, id)
		l.listeners--
	}
	return nil
}

// deliver hands a burst to every registered listener.
func (l *fakeLink) deliver(p []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- append([]byte(nil), p...):
		default:
		}
	}
}

func (l *fakeLink) activeListeners() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listeners
}

func (l *fakeLink) writeTimes() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Time(nil), l.writeTime...)
}

func (l *fakeLink) written() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.writes...)
}

type recorderFunc func(SendResult) error

func (f recorderFunc) RecordSend(r SendResult) error { return f(r) }
