package serialmux

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// Reads block until data is queued or the port is closed, like a real port
// without a read timeout. Each AddReadData call is returned as its own burst.
type TestableSerialPort struct {
	mu sync.Mutex

	readQueue [][]byte

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// WriteLatency adds a delay to each Write call
	WriteLatency time.Duration

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// DrainError is returned by the next Drain call if set
	DrainError error

	// CloseError is returned by Close if set
	CloseError error

	// ShortWrite makes Write report one byte fewer than requested
	ShortWrite bool

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls, WriteCalls and DrainCalls count calls
	ReadCalls  int
	WriteCalls int
	DrainCalls int

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// OnWrite, if set, is called in its own goroutine with a copy of every
	// successful write.
	OnWrite func(p []byte)

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read returns the next queued burst, blocking until one is available.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	for !t.Closed && t.ReadError == nil && len(t.readQueue) == 0 {
		t.readCond.Wait()
	}
	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	n = copy(p, t.readQueue[0])
	if n < len(t.readQueue[0]) {
		t.readQueue[0] = t.readQueue[0][n:]
	} else {
		t.readQueue = t.readQueue[1:]
	}
	return n, nil
}

// Write writes to the write buffer, optionally simulating latency and errors.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	if t.WriteLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.WriteLatency)
		t.mu.Lock()
	}

	if t.ShortWrite && len(p) > 0 {
		p = p[:len(p)-1]
	}
	n, err = t.WriteBuffer.Write(p)

	if t.OnWrite != nil && !t.ShortWrite {
		go t.OnWrite(append([]byte(nil), p...))
	}
	return n, err
}

// Drain implements Drainer.
func (t *TestableSerialPort) Drain() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.DrainCalls++
	if t.DrainError != nil {
		err := t.DrainError
		t.DrainError = nil
		return err
	}
	return nil
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast() // Wake up any blocked readers

	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// SetReadError makes the next Read fail with err, waking a blocked reader.
func (t *TestableSerialPort) SetReadError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadError = err
	t.readCond.Broadcast()
}

// AddReadData queues data to be returned as one burst by a later Read.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.readQueue = append(t.readQueue, append([]byte(nil), data...))
	t.readCond.Signal() // Wake up a blocked reader
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// Counts returns the Read, Write and Drain call counts.
func (t *TestableSerialPort) Counts() (reads, writes, drains int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.ReadCalls, t.WriteCalls, t.DrainCalls
}

// EchoOptions shapes how an echo port answers writes.
type EchoOptions struct {
	// Delay before the first echoed byte.
	Delay time.Duration
	// Fragments splits the echo into this many bursts (default 1).
	Fragments int
	// FragmentGap is the pause between bursts.
	FragmentGap time.Duration
	// Mutate, if set, rewrites the echo before it is sent back.
	Mutate func(p []byte) []byte
}

// NewEchoPort returns a TestableSerialPort that answers every write with
// its own bytes, the way a CUL stick acknowledges a command.
func NewEchoPort(opts EchoOptions) *TestableSerialPort {
	port := NewTestableSerialPort()
	port.OnWrite = func(p []byte) {
		if opts.Mutate != nil {
			p = opts.Mutate(p)
		}
		if opts.Delay > 0 {
			time.Sleep(opts.Delay)
		}
		for i, frag := range fragment(p, opts.Fragments) {
			if i > 0 && opts.FragmentGap > 0 {
				time.Sleep(opts.FragmentGap)
			}
			port.AddReadData(frag)
		}
	}
	return port
}

func fragment(p []byte, n int) [][]byte {
	if n <= 1 || len(p) < 2 {
		return [][]byte{p}
	}
	if n > len(p) {
		n = len(p)
	}
	size := (len(p) + n - 1) / n
	var out [][]byte
	for len(p) > 0 {
		end := size
		if end > len(p) {
			end = len(p)
		}
		out = append(out, p[:end])
		p = p[end:]
	}
	return out
}

// NewMockLink creates a Link backed by an echo port so the bridge can run in
// dev mode without a CUL stick attached.
func NewMockLink(opts EchoOptions) *Link[*TestableSerialPort] {
	return NewLink(NewEchoPort(opts))
}
