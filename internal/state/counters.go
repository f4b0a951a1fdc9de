// Package state maintains per-subject rolling counters, profile baselines,
// and recent-event fingerprints, and serves consistent snapshots to the
// detector set.
package state

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Window names one of the configured velocity windows.
type Window string

const (
	Window1m  Window = "1m"
	Window1h  Window = "1h"
	Window24h Window = "24h"
	Window7d  Window = "7d"
	Window30d Window = "30d"
)

// DefaultWindows maps window names to their durations.
func DefaultWindows() map[Window]time.Duration {
	return map[Window]time.Duration{
		Window1m:  time.Minute,
		Window1h:  time.Hour,
		Window24h: 24 * time.Hour,
		Window7d:  7 * 24 * time.Hour,
		Window30d: 30 * 24 * time.Hour,
	}
}

// WindowStats is the aggregate over one window for one event kind.
type WindowStats struct {
	Count int64           `json:"count"`
	Sum   decimal.Decimal `json:"sum"`
}

// slidingWindow is an exact per-event window. Used for the 1 minute window
// where sub-minute burst detection needs exact counts.
type slidingWindow struct {
	Window  time.Duration `json:"window"`
	Entries []slidingEntry `json:"entries"`
}

type slidingEntry struct {
	At     time.Time       `json:"at"`
	Amount decimal.Decimal `json:"amount"`
}

func newSlidingWindow(w time.Duration) *slidingWindow {
	return &slidingWindow{Window: w}
}

func (s *slidingWindow) add(at time.Time, amount decimal.Decimal) {
	s.Entries = append(s.Entries, slidingEntry{At: at, Amount: amount})
	// Entries arrive occurred_at-ordered per subject; a late event may land
	// out of order, so keep the slice sorted.
	for i := len(s.Entries) - 1; i > 0 && s.Entries[i].At.Before(s.Entries[i-1].At); i-- {
		s.Entries[i], s.Entries[i-1] = s.Entries[i-1], s.Entries[i]
	}
}

// stats evicts expired entries and aggregates the rest. Eviction happens on
// read so an idle subject reports zero. The lower window edge is inclusive.
func (s *slidingWindow) stats(now time.Time) WindowStats {
	cutoff := now.Add(-s.Window)
	idx := sort.Search(len(s.Entries), func(i int) bool {
		return !s.Entries[i].At.Before(cutoff)
	})
	if idx > 0 {
		s.Entries = append(s.Entries[:0], s.Entries[idx:]...)
	}
	out := WindowStats{Sum: decimal.Zero}
	for _, e := range s.Entries {
		if e.At.After(now) {
			continue
		}
		out.Count++
		out.Sum = out.Sum.Add(e.Amount)
	}
	return out
}

// bucketWindow is a coarse sliding window of fixed sub-buckets. With 96
// buckets the boundary error stays within ~1% of the window, which meets the
// accuracy contract for the 1h..30d windows.
type bucketWindow struct {
	Window    time.Duration       `json:"window"`
	BucketDur time.Duration       `json:"bucket_dur"`
	Buckets   map[int64]*bucketAgg `json:"buckets"`
}

type bucketAgg struct {
	Count int64           `json:"count"`
	Sum   decimal.Decimal `json:"sum"`
}

const bucketsPerWindow = 96

func newBucketWindow(w time.Duration) *bucketWindow {
	bd := w / bucketsPerWindow
	if bd < time.Second {
		bd = time.Second
	}
	return &bucketWindow{
		Window:    w,
		BucketDur: bd,
		Buckets:   make(map[int64]*bucketAgg),
	}
}

func (b *bucketWindow) key(at time.Time) int64 {
	return at.UnixNano() / int64(b.BucketDur)
}

func (b *bucketWindow) add(at time.Time, amount decimal.Decimal) {
	k := b.key(at)
	agg, ok := b.Buckets[k]
	if !ok {
		agg = &bucketAgg{Sum: decimal.Zero}
		b.Buckets[k] = agg
	}
	agg.Count++
	agg.Sum = agg.Sum.Add(amount)
}

func (b *bucketWindow) stats(now time.Time) WindowStats {
	minKey := b.key(now.Add(-b.Window))
	out := WindowStats{Sum: decimal.Zero}
	for k, agg := range b.Buckets {
		if k < minKey {
			delete(b.Buckets, k)
			continue
		}
		out.Count += agg.Count
		out.Sum = out.Sum.Add(agg.Sum)
	}
	return out
}

// kindCounters holds all windows for a single event kind.
type kindCounters struct {
	Exact   *slidingWindow           `json:"exact"`
	Buckets map[Window]*bucketWindow `json:"buckets"`
}

func newKindCounters(windows map[Window]time.Duration) *kindCounters {
	kc := &kindCounters{
		Buckets: make(map[Window]*bucketWindow),
	}
	for name, dur := range windows {
		if name == Window1m {
			kc.Exact = newSlidingWindow(dur)
			continue
		}
		kc.Buckets[name] = newBucketWindow(dur)
	}
	if kc.Exact == nil {
		kc.Exact = newSlidingWindow(time.Minute)
	}
	return kc
}

func (kc *kindCounters) add(at time.Time, amount decimal.Decimal) {
	kc.Exact.add(at, amount)
	for _, bw := range kc.Buckets {
		bw.add(at, amount)
	}
}

func (kc *kindCounters) stats(now time.Time) map[Window]WindowStats {
	out := make(map[Window]WindowStats, len(kc.Buckets)+1)
	out[Window1m] = kc.Exact.stats(now)
	for name, bw := range kc.Buckets {
		out[name] = bw.stats(now)
	}
	return out
}
