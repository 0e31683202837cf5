//go:build !tinygo

package hal

import "time"

// hostTime turns wall-clock progress into millisecond ticks. Ticks are only
// produced when the runner calls step, so a paused runner pauses time.
type hostTime struct {
	ch   chan uint64
	seq  uint64
	tick time.Duration

	last time.Time
	acc  time.Duration
}

func newHostTime() *hostTime {
	return &hostTime{ch: make(chan uint64, 1024), tick: time.Millisecond}
}

func (t *hostTime) Ticks() <-chan uint64 { return t.ch }

// step emits the ticks that elapsed since the previous call. The first
// call emits one tick.
func (t *hostTime) step() {
	now := time.Now()
	if t.last.IsZero() {
		t.last = now
		t.emit(1)
		return
	}
	t.acc += now.Sub(t.last)
	t.last = now
	n := uint64(t.acc / t.tick)
	t.acc %= t.tick
	t.emit(n)
}

// emit publishes n ticks. When the reader falls behind only the latest
// sequence number matters, so stale values are dropped.
func (t *hostTime) emit(n uint64) {
	if n == 0 {
		return
	}
	t.seq += n
	for {
		select {
		case t.ch <- t.seq:
			return
		default:
		}
		select {
		case <-t.ch:
		default:
		}
	}
}
