package channel

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/glimte/postbox-go/contracts"
	"github.com/glimte/postbox-go/serialization"
)

// batcher collects user letters for one channel. It is guarded by the
// channel's mutex; fire runs on timer goroutines and must take that mutex.
type batcher struct {
	opts  BatchOptions
	limit int // frame size limit for a packed batch
	clock clock.Clock
	fire  func()

	pending     []*contracts.Letter
	sizes       []int // batched size of each pending letter
	bytes       int
	extend      *clock.Timer
	maxExtend   *clock.Timer
	outstanding bool
	due         bool
}

func newBatcher(opts BatchOptions, limit int, clk clock.Clock, fire func()) *batcher {
	return &batcher{opts: opts, limit: limit, clock: clk, fire: fire}
}

// add queues l, whose encoded size is size, and reports whether a flush is
// due right away
func (b *batcher) add(l *contracts.Letter, size int) bool {
	b.pending = append(b.pending, l)
	b.sizes = append(b.sizes, serialization.BatchedSize(size))
	b.bytes += serialization.BatchedSize(size)

	if len(b.pending) == 1 {
		b.maxExtend = b.restart(b.maxExtend, b.opts.MaxExtendInterval)
	}
	b.extend = b.restart(b.extend, b.opts.ExtendInterval)

	if len(b.pending) >= b.opts.MaxLetters || serialization.BatchHeaderSize+b.bytes > b.limit {
		b.due = true
	}
	return b.due
}

// take removes the next batch if one may be sent now. A batch holds at most
// MaxLetters letters and never packs into a frame above the limit. A flush
// requested while a batch is outstanding is remembered and taken on
// completion.
func (b *batcher) take() []*contracts.Letter {
	if len(b.pending) == 0 {
		b.due = false
		b.stopTimers()
		return nil
	}
	if b.outstanding {
		b.due = true
		return nil
	}

	n, framed := 0, serialization.BatchHeaderSize
	for n < len(b.pending) && n < b.opts.MaxLetters {
		if n > 0 && framed+b.sizes[n] > b.limit {
			break
		}
		framed += b.sizes[n]
		n++
	}

	letters := make([]*contracts.Letter, n)
	copy(letters, b.pending)
	b.pending = b.pending[n:]
	b.sizes = b.sizes[n:]
	b.bytes -= framed - serialization.BatchHeaderSize

	b.outstanding = true
	b.due = len(b.pending) > 0
	if !b.due {
		b.pending = nil
		b.sizes = nil
		b.bytes = 0
		b.stopTimers()
	}
	return letters
}

// complete marks the outstanding batch done and reports whether another
// flush is due
func (b *batcher) complete() bool {
	b.outstanding = false
	return b.due
}

// reset drops all state and returns the letters never handed out
func (b *batcher) reset() []*contracts.Letter {
	letters := b.pending
	b.pending = nil
	b.sizes = nil
	b.bytes = 0
	b.outstanding = false
	b.due = false
	b.stopTimers()
	return letters
}

func (b *batcher) len() int {
	return len(b.pending)
}

func (b *batcher) restart(t *clock.Timer, d time.Duration) *clock.Timer {
	if t != nil {
		t.Stop()
	}
	return b.clock.AfterFunc(d, b.fire)
}

func (b *batcher) stopTimers() {
	if b.extend != nil {
		b.extend.Stop()
		b.extend = nil
	}
	if b.maxExtend != nil {
		b.maxExtend.Stop()
		b.maxExtend = nil
	}
}
