package circuitbreaker

import "time"

// window accumulates call outcomes. Implementations are not safe for
// concurrent use; the owning breaker serializes access.
type window interface {
	add(failed, slow bool)
	totals() (total, failed, slow int)
	reset()
}

// countWindow keeps the outcomes of the last N calls in a ring.
type countWindow struct {
	ring []record
	next int
	size int

	total  int
	failed int
	slow   int
}

type record struct {
	failed bool
	slow   bool
}

func newCountWindow(n int) *countWindow {
	return &countWindow{ring: make([]record, n)}
}

func (w *countWindow) add(failed, slow bool) {
	if w.size == len(w.ring) {
		// Evict the record being overwritten
		old := w.ring[w.next]
		w.total--
		if old.failed {
			w.failed--
		}
		if old.slow {
			w.slow--
		}
	} else {
		w.size++
	}

	w.ring[w.next] = record{failed: failed, slow: slow}
	w.next = (w.next + 1) % len(w.ring)

	w.total++
	if failed {
		w.failed++
	}
	if slow {
		w.slow++
	}
}

func (w *countWindow) totals() (int, int, int) {
	return w.total, w.failed, w.slow
}

func (w *countWindow) reset() {
	w.size, w.next = 0, 0
	w.total, w.failed, w.slow = 0, 0, 0
	for i := range w.ring {
		w.ring[i] = record{}
	}
}

// timeWindow keeps per-second outcome buckets covering the last W seconds.
type timeWindow struct {
	buckets  []bucket
	lastTick int64 // unix second of the most recent rotation
	now      func() time.Time
}

type bucket struct {
	total  int
	failed int
	slow   int
}

func newTimeWindow(seconds int, now func() time.Time) *timeWindow {
	if now == nil {
		now = time.Now
	}
	w := &timeWindow{
		buckets: make([]bucket, seconds),
		now:     now,
	}
	w.lastTick = w.now().Unix()
	return w
}

// rotate clears buckets that have fallen out of the window.
func (w *timeWindow) rotate() {
	nowSec := w.now().Unix()
	elapsed := nowSec - w.lastTick
	if elapsed <= 0 {
		return
	}
	if elapsed >= int64(len(w.buckets)) {
		for i := range w.buckets {
			w.buckets[i] = bucket{}
		}
	} else {
		for i := int64(1); i <= elapsed; i++ {
			idx := (w.lastTick + i) % int64(len(w.buckets))
			w.buckets[idx] = bucket{}
		}
	}
	w.lastTick = nowSec
}

func (w *timeWindow) add(failed, slow bool) {
	w.rotate()
	b := &w.buckets[w.lastTick%int64(len(w.buckets))]
	b.total++
	if failed {
		b.failed++
	}
	if slow {
		b.slow++
	}
}

func (w *timeWindow) totals() (total, failed, slow int) {
	w.rotate()
	for _, b := range w.buckets {
		total += b.total
		failed += b.failed
		slow += b.slow
	}
	return
}

func (w *timeWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
	w.lastTick = w.now().Unix()
}
