package allocator

import (
	"sort"
	"time"

	"postpilot/internal/domain"
)

// bookings indexes an account's claimed instants for validity checks.
//
// taken holds every non-cancelled booking (the uniqueness set). spaced holds
// the bookings that will or did publish; min_interval and max_per_day are
// measured against those.
type bookings struct {
	loc    *time.Location
	taken  map[int64]struct{}
	spaced []time.Time
	perDay map[int64]int
}

func newBookings(items []domain.Item, excludeID string, loc *time.Location) *bookings {
	b := &bookings{
		loc:    loc,
		taken:  make(map[int64]struct{}, len(items)),
		perDay: make(map[int64]int),
	}
	for _, it := range items {
		if it.ID == excludeID && excludeID != "" {
			continue
		}
		if !it.Booked() {
			continue
		}
		b.taken[it.At().UnixNano()] = struct{}{}
		if it.Status.Spacing() {
			b.spaced = append(b.spaced, it.At())
			b.perDay[b.dayKey(it.At())]++
		}
	}
	sort.Slice(b.spaced, func(i, j int) bool { return b.spaced[i].Before(b.spaced[j]) })
	return b
}

func (b *bookings) dayKey(t time.Time) int64 {
	return domain.StartOfDay(t, b.loc).Unix()
}

// add records a freshly chosen instant (used within a batch).
func (b *bookings) add(t time.Time) {
	b.taken[t.UnixNano()] = struct{}{}
	i := sort.Search(len(b.spaced), func(i int) bool { return !b.spaced[i].Before(t) })
	b.spaced = append(b.spaced, time.Time{})
	copy(b.spaced[i+1:], b.spaced[i:])
	b.spaced[i] = t
	b.perDay[b.dayKey(t)]++
}

func (b *bookings) isTaken(t time.Time) bool {
	_, ok := b.taken[t.UnixNano()]
	return ok
}

// nearest returns the closest spacing booking to t and its distance.
func (b *bookings) nearest(t time.Time) (time.Time, time.Duration, bool) {
	if len(b.spaced) == 0 {
		return time.Time{}, 0, false
	}
	i := sort.Search(len(b.spaced), func(i int) bool { return !b.spaced[i].Before(t) })
	var (
		best     time.Time
		bestDist time.Duration = -1
	)
	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= len(b.spaced) {
			continue
		}
		d := absDur(b.spaced[j].Sub(t))
		if bestDist < 0 || d < bestDist {
			best, bestDist = b.spaced[j], d
		}
	}
	return best, bestDist, true
}

func (b *bookings) dayCount(t time.Time) int { return b.perDay[b.dayKey(t)] }

// check validates t against uniqueness, then (unless override) min_interval and
// max_per_day, in that order.
func (b *bookings) check(acc domain.Account, t time.Time, override bool) error {
	if b.isTaken(t) {
		return domain.NewAllocationError(domain.SlotTaken, t, "instant already booked")
	}
	if override {
		return nil
	}
	if acc.MinInterval > 0 {
		if other, d, ok := b.nearest(t); ok && d < acc.MinInterval {
			return domain.NewAllocationError(domain.IntervalViolation, t,
				"%s from booking at %s, min_interval %s", d, other.Format(time.RFC3339), acc.MinInterval)
		}
	}
	if acc.MaxPerDay > 0 && b.dayCount(t) >= acc.MaxPerDay {
		return domain.NewAllocationError(domain.CapacityExhausted, t,
			"day already holds %d of max_per_day %d", b.dayCount(t), acc.MaxPerDay)
	}
	return nil
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
