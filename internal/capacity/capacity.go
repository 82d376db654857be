package capacity

import (
	"time"

	"postpilot/internal/domain"
)

// Snapshot is a computed occupancy summary over a lookahead window. It is
// never stored.
type Snapshot struct {
	AccountID      string    `json:"account_id"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	WindowDays     int       `json:"window_days"`
	TotalCapacity  int       `json:"total_capacity"`
	TotalOccupied  int       `json:"total_occupied"`
	PercentageFull float64   `json:"percentage_full"`

	// DaysUntilFull is the offset (0 = today) of the first day that still has
	// an open slot. Nil when every day in the window is full.
	DaysUntilFull *int `json:"days_until_full"`

	// OpenSlots counts future slot instants in the window that are still free
	// and not blocked by max_per_day.
	OpenSlots    int        `json:"open_slots"`
	FirstOpenDay *time.Time `json:"first_open_day,omitempty"`
}

// Occupancy computes the capacity snapshot of acc over [now, now+windowDays]
// from items. It has no side effects and depends only on its arguments.
// Days are calendar days in the account's time zone; windowDays below 1 is
// treated as 1.
func Occupancy(acc domain.Account, items []domain.Item, windowDays int, now time.Time) Snapshot {
	if windowDays < 1 {
		windowDays = 1
	}
	loc := acc.Location()
	pattern := acc.Pattern.Normalize()
	end := now.Add(time.Duration(windowDays) * 24 * time.Hour)

	snap := Snapshot{
		AccountID:     acc.ID,
		WindowStart:   now,
		WindowEnd:     end,
		WindowDays:    windowDays,
		TotalCapacity: windowDays * len(pattern.Slots),
	}

	booked := make(map[int64]struct{})
	perDay := make(map[int64]int)
	for _, it := range items {
		if it.AccountID != acc.ID && acc.ID != "" {
			continue
		}
		if !it.Status.Occupying() || it.ScheduledAt == nil {
			continue
		}
		at := *it.ScheduledAt
		booked[at.UnixNano()] = struct{}{}
		perDay[domain.StartOfDay(at, loc).Unix()]++
		if !at.Before(now) && !at.After(end) {
			snap.TotalOccupied++
		}
	}

	switch {
	case snap.TotalCapacity == 0:
		snap.PercentageFull = 100
	default:
		snap.PercentageFull = float64(snap.TotalOccupied) / float64(snap.TotalCapacity) * 100
		if snap.PercentageFull > 100 {
			snap.PercentageFull = 100
		}
	}
	if len(pattern.Slots) == 0 {
		return snap
	}

	today := domain.StartOfDay(now, loc)
	for d := 0; d < windowDays; d++ {
		day := domain.AddDays(today, d)
		open := 0
		if acc.MaxPerDay <= 0 || perDay[day.Unix()] < acc.MaxPerDay {
			free := 0
			for _, at := range pattern.InstantsOn(day) {
				if at.Before(now) || at.After(end) {
					continue
				}
				if _, taken := booked[at.UnixNano()]; !taken {
					free++
				}
			}
			open = free
			if acc.MaxPerDay > 0 {
				open = min(free, acc.MaxPerDay-perDay[day.Unix()])
			}
		}
		if open == 0 {
			continue
		}
		snap.OpenSlots += open
		if snap.DaysUntilFull == nil {
			offset := d
			snap.DaysUntilFull = &offset
			snap.FirstOpenDay = domain.TimePtr(day)
		}
	}
	return snap
}

// Full reports whether every day of the window is fully booked.
func (s Snapshot) Full() bool { return s.DaysUntilFull == nil }
