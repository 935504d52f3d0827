// Package transport sends command frames to a CUL radio stick over a shared
// serial link and confirms each one by the stick's echo.
//
// Every send is a self-contained transaction: it waits for its turn on the
// link, honours the minimum spacing since the previous command, registers a
// listener, writes the frame and then waits a bounded time for a merged
// message that equals the frame exactly. Sends from concurrent callers are
// serialised; the order is lock acquisition order, so FIFO is not guaranteed
// beyond the lock's own fairness.
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/rts.bridge/internal/monitoring"
	"github.com/banshee-data/rts.bridge/internal/timeutil"
)

const (
	// DefaultMinSpacing is the minimum gap between consecutive transmissions.
	DefaultMinSpacing = 100 * time.Millisecond
	// DefaultEchoTimeout bounds the wait for a matching echo, measured from
	// write completion.
	DefaultEchoTimeout = 1000 * time.Millisecond
	// DefaultQuietInterval is the silence that ends a fragmented message.
	DefaultQuietInterval = 100 * time.Millisecond
)

// Link is the serial link the transport drives.
type Link interface {
	// IsOpen reports whether the link can currently be written.
	IsOpen() bool
	// Write writes p completely and flushes it to the wire.
	Write(p []byte) error
	// Subscribe registers a listener for bursts received on the link.
	Subscribe() (string, <-chan []byte, error)
	// Unsubscribe removes a listener registered by Subscribe.
	Unsubscribe(id string)
}

// Recorder receives the result of every send attempt.
type Recorder interface {
	RecordSend(SendResult) error
}

// Options tunes a CommandTransport. Zero values select the defaults.
type Options struct {
	MinSpacing    time.Duration
	EchoTimeout   time.Duration
	QuietInterval time.Duration
	Clock         timeutil.Clock
	Recorder      Recorder
}

func (o Options) withDefaults() Options {
	if o.MinSpacing <= 0 {
		o.MinSpacing = DefaultMinSpacing
	}
	if o.EchoTimeout <= 0 {
		o.EchoTimeout = DefaultEchoTimeout
	}
	if o.QuietInterval <= 0 {
		o.QuietInterval = DefaultQuietInterval
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// SendResult describes one send attempt.
type SendResult struct {
	ID         string        `json:"id"`
	Command    string        `json:"command"`
	Outcome    Outcome       `json:"outcome"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	WrittenAt  time.Time     `json:"written_at,omitzero"`
	Latency    time.Duration `json:"latency_ns"`
	Mismatches []string      `json:"mismatches,omitempty"`
}

// Confirmed reports whether the attempt saw a matching echo.
func (r SendResult) Confirmed() bool {
	return r.Outcome == OutcomeConfirmed
}

// CommandTransport serialises and confirms command delivery over one Link.
type CommandTransport struct {
	link Link
	opts Options

	// sem is the transmission lock. Goroutines blocked sending on a channel
	// are queued in arrival order, which keeps waiting callers from starving.
	sem chan struct{}

	// lastCommand is only touched while holding sem.
	lastCommand time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a CommandTransport over link. A nil link is allowed; every send
// then fails with ErrLinkUnavailable.
func New(link Link, opts Options) *CommandTransport {
	return &CommandTransport{
		link: link,
		opts: opts.withDefaults(),
		sem:  make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Send transmits command and reports whether the device echoed it back within
// the echo timeout. Every failure, whatever its cause, reads as false; use
// SendContext to tell them apart.
func (t *CommandTransport) Send(command string) bool {
	_, err := t.SendContext(context.Background(), command)
	return err == nil
}

// SendContext transmits command and waits for its echo. The returned error is
// nil when the echo was confirmed; otherwise it matches ErrLinkUnavailable,
// ErrTimeout, ErrInterrupted or is an *IOError.
func (t *CommandTransport) SendContext(ctx context.Context, command string) (SendResult, error) {
	res := SendResult{
		ID:        uuid.NewString(),
		Command:   command,
		StartedAt: t.opts.Clock.Now(),
	}

	err := t.send(ctx, command, &res)
	res.Outcome = OutcomeOf(err)
	if err != nil {
		res.Error = err.Error()
		log.Printf("command %q not confirmed: %v", command, err)
	} else {
		monitoring.Logf("command %q confirmed after %v", command, res.Latency)
	}

	if t.opts.Recorder != nil {
		if rerr := t.opts.Recorder.RecordSend(res); rerr != nil {
			log.Printf("failed to record send %s: %v", res.ID, rerr)
		}
	}
	return res, err
}

func (t *CommandTransport) send(ctx context.Context, command string, res *SendResult) error {
	if t.link == nil || t.isClosed() || !t.link.IsOpen() {
		return ErrLinkUnavailable
	}

	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.waitSpacing(ctx); err != nil {
		return err
	}

	want := []byte(command)

	id, bursts, err := t.link.Subscribe()
	if err != nil {
		return errors.Join(ErrLinkUnavailable, err)
	}
	defer t.link.Unsubscribe(id)

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	messages := assemble(lctx, t.opts.Clock, bursts, t.opts.QuietInterval)

	monitoring.Debugf("writing %q to serial link", command)
	if err := t.link.Write(want); err != nil {
		return &IOError{Op: "write", Err: err}
	}

	written := t.opts.Clock.Now()
	if written.After(t.lastCommand) {
		t.lastCommand = written
	}
	res.WrittenAt = written

	deadline := t.opts.Clock.NewTimer(t.opts.EchoTimeout)
	defer deadline.Stop()

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return ErrInterrupted
				}
				return &IOError{Op: "listen", Err: io.ErrUnexpectedEOF}
			}
			if bytes.Equal(msg, want) {
				res.Latency = t.opts.Clock.Since(written)
				return nil
			}
			monitoring.Debugf("ignoring %q while waiting for echo of %q", msg, command)
			res.Mismatches = append(res.Mismatches, string(msg))

		case <-deadline.C():
			return ErrTimeout

		case <-ctx.Done():
			return ErrInterrupted

		case <-t.done:
			return ErrInterrupted
		}
	}
}

func (t *CommandTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ErrInterrupted
	case <-t.done:
		return ErrInterrupted
	}
	if t.isClosed() {
		<-t.sem
		return ErrInterrupted
	}
	return nil
}

func (t *CommandTransport) release() {
	<-t.sem
}

func (t *CommandTransport) waitSpacing(ctx context.Context) error {
	if t.lastCommand.IsZero() {
		return nil
	}
	wait := t.lastCommand.Add(t.opts.MinSpacing).Sub(t.opts.Clock.Now())
	if wait <= 0 {
		return nil
	}

	timer := t.opts.Clock.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return ErrInterrupted
	case <-t.done:
		return ErrInterrupted
	}
}

func (t *CommandTransport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// LastCommand returns the completion time of the most recent write, or the
// zero time if nothing has been written yet.
func (t *CommandTransport) LastCommand() time.Time {
	t.sem <- struct{}{}
	defer t.release()
	return t.lastCommand
}

// Close interrupts waiting senders, waits for an in-flight send to unwind and
// closes the link if it implements io.Closer. Sends after Close fail with
// ErrLinkUnavailable.
func (t *CommandTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		// the in-flight send, if any, returns promptly once done is closed
		t.sem <- struct{}{}
		defer t.release()
		if c, ok := t.link.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
