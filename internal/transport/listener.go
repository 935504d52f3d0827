package transport

import (
	"context"
	"time"

	"github.com/banshee-data/rts.bridge/internal/timeutil"
)

// assemble merges bursts read from the link into messages. A message is
// complete once the line has been quiet for the quiet interval after the last
// burst; it is then delivered on the returned channel. The channel is closed
// when ctx is done or bursts is closed. Bytes still pending when bursts closes
// are dropped: the link went away mid-message.
func assemble(ctx context.Context, clock timeutil.Clock, bursts <-chan []byte, quiet time.Duration) <-chan []byte {
	out := make(chan []byte)

	go func() {
		defer close(out)

		var (
			buf    []byte
			timer  timeutil.Timer
			settle <-chan time.Time
		)
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case b, ok := <-bursts:
				if !ok {
					return
				}
				buf = append(buf, b...)
				if timer != nil {
					timer.Stop()
				}
				timer = clock.NewTimer(quiet)
				settle = timer.C()

			case <-settle:
				msg := buf
				buf = nil
				timer = nil
				settle = nil
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
