package rotate

import "time"

// window is a sliding-window counter: the sum of recorded amounts inside the
// span never exceeds the limit. Events age out as time advances.
type window struct {
	span   time.Duration
	limit  int
	seq    uint64
	events []windowEvent
}

type windowEvent struct {
	id uint64
	t  time.Time
	n  int
}

func newWindow(span time.Duration, limit int) *window {
	return &window{span: span, limit: limit}
}

// prune drops events older than the span.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.events) && !w.events[i].t.After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// count returns the in-window total.
func (w *window) count(now time.Time) int {
	w.prune(now)
	total := 0
	for _, e := range w.events {
		total += e.n
	}
	return total
}

// admits reports whether adding n now would stay within the limit.
// A non-positive limit means unlimited.
func (w *window) admits(now time.Time, n int) bool {
	if w.limit <= 0 {
		return true
	}
	return w.count(now)+n <= w.limit
}

// add records an amount and returns a stable id for possible rollback. Ids
// survive pruning; slice positions do not.
func (w *window) add(now time.Time, n int) uint64 {
	w.seq++
	w.events = append(w.events, windowEvent{id: w.seq, t: now, n: n})
	return w.seq
}

// cancel zeroes a previously added event. A no-op if pruning already
// removed it.
func (w *window) cancel(id uint64) {
	for i := range w.events {
		if w.events[i].id == id {
			w.events[i].n = 0
			return
		}
	}
}

// nextFree returns the earliest time at which adding n could be admitted,
// assuming no further traffic. Returns now when already admissible.
func (w *window) nextFree(now time.Time, n int) time.Time {
	if w.admits(now, n) {
		return now
	}
	total := w.count(now)
	for _, e := range w.events {
		total -= e.n
		if total+n <= w.limit {
			return e.t.Add(w.span)
		}
	}
	return now.Add(w.span)
}
