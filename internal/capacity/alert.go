package capacity

import (
	"fmt"
	"strings"
)

type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

const (
	warningThreshold  = 70.0
	criticalThreshold = 90.0
)

// Rank orders levels for filtering (info < warning < critical).
func (l Level) Rank() int {
	switch l {
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	}
	return 0
}

// Alert is a user-visible "needs attention" record. Capacity alerts carry
// the snapshot they were classified from.
type Alert struct {
	AccountID string    `json:"account_id"`
	ItemID    string    `json:"item_id,omitempty"`
	Kind      string    `json:"kind"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Snapshot  *Snapshot `json:"snapshot,omitempty"`
}

const (
	KindCapacity = "capacity"
	KindAccount  = "account"
	KindFailed   = "item_failed"
	KindRetry    = "item_retry"
)

func LevelFor(pct float64) Level {
	switch {
	case pct >= criticalThreshold:
		return LevelCritical
	case pct >= warningThreshold:
		return LevelWarning
	}
	return LevelInfo
}

// Classify turns a snapshot into an alert.
func Classify(s Snapshot) Alert {
	a := Alert{AccountID: s.AccountID, Kind: KindCapacity, Level: LevelFor(s.PercentageFull), Snapshot: &s}
	if s.TotalCapacity == 0 {
		a.Message = "account has no posting slots; add time slots to the posting pattern before submitting content"
		return a
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%.1f%% of the next %d day(s) booked (%d of %d slots, %d open).",
		s.PercentageFull, s.WindowDays, s.TotalOccupied, s.TotalCapacity, s.OpenSlots)
	switch {
	case s.DaysUntilFull == nil:
		b.WriteString(" No open slot in the window.")
	case *s.DaysUntilFull == 0:
		b.WriteString(" Next open slot is today.")
	default:
		fmt.Fprintf(&b, " Next open slot is in %d day(s) (%s).", *s.DaysUntilFull, s.FirstOpenDay.Format("2006-01-02"))
	}
	b.WriteString(" ")
	b.WriteString(recommendation(a.Level, s))
	a.Message = b.String()
	return a
}

func recommendation(l Level, s Snapshot) string {
	switch {
	case s.DaysUntilFull == nil:
		return "Add posting slots or raise max_per_day; new items will land beyond the window."
	case l == LevelCritical:
		return "Add posting slots or raise max_per_day soon."
	case l == LevelWarning:
		return "Consider adding posting slots."
	}
	return "No action needed."
}
