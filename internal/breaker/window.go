package breaker

import (
	"sync/atomic"
	"time"
)

// Snapshot is the aggregate of the live buckets of a rolling window.
type Snapshot struct {
	Requests  int64   `json:"requests"`
	Failures  int64   `json:"failures"`
	ErrorRate float64 `json:"errorRate"`
}

type bucket struct {
	epoch     int64
	successes atomic.Int64
	failures  atomic.Int64
}

// rollingWindow counts outcomes in fixed-width buckets without locks. A slot
// is recycled by swapping in a fresh bucket for the new epoch, so counters are
// never reset underneath a concurrent increment.
type rollingWindow struct {
	slots []atomic.Pointer[bucket]
	width int64
	now   func() time.Time
}

func newRollingWindow(window time.Duration, n int, now func() time.Time) *rollingWindow {
	width := int64(window) / int64(n)
	if width <= 0 {
		width = 1
	}
	w := &rollingWindow{slots: make([]atomic.Pointer[bucket], n), width: width, now: now}
	w.reset()
	return w
}

func (w *rollingWindow) epoch() int64 {
	return w.now().UnixNano() / w.width
}

func (w *rollingWindow) record(success bool) {
	epoch := w.epoch()
	slot := &w.slots[epoch%int64(len(w.slots))]
	var b *bucket
	for {
		b = slot.Load()
		if b.epoch >= epoch {
			break
		}
		slot.CompareAndSwap(b, &bucket{epoch: epoch})
	}
	if success {
		b.successes.Add(1)
	} else {
		b.failures.Add(1)
	}
}

func (w *rollingWindow) snapshot() Snapshot {
	now := w.epoch()
	n := int64(len(w.slots))
	var s Snapshot
	for i := range w.slots {
		b := w.slots[i].Load()
		if b.epoch < 0 || b.epoch > now || now-b.epoch >= n {
			continue
		}
		f := b.failures.Load()
		s.Failures += f
		s.Requests += f + b.successes.Load()
	}
	if s.Requests > 0 {
		s.ErrorRate = float64(s.Failures) / float64(s.Requests)
	}
	return s
}

func (w *rollingWindow) reset() {
	for i := range w.slots {
		w.slots[i].Store(&bucket{epoch: -1})
	}
}
