package allocator

import (
	"math/rand"
	"time"

	"postpilot/internal/domain"
)

// Policy is the allocator's tunable behaviour.
type Policy struct {
	MinLeadTime     time.Duration
	HorizonDays     int
	RandomRangeDays int
	SpacedGap       time.Duration

	// RescheduleOverride lets manual reschedules skip min_interval and max_per_day.
	RescheduleOverride bool
}

func (p Policy) normalized() Policy {
	if p.HorizonDays <= 0 {
		p.HorizonDays = 60
	}
	if p.RandomRangeDays <= 0 {
		p.RandomRangeDays = 7
	}
	if p.MinLeadTime < 0 {
		p.MinLeadTime = 0
	}
	return p
}

// Request describes one placement.
type Request struct {
	Account     domain.Account
	Item        domain.Item
	RequestedAt *time.Time
	Strategy    domain.Strategy

	// From/To bound random and spaced candidates. Zero values mean
	// [now+lead, From+random_range_days].
	From, To time.Time
	// Gap is the spaced target distance; zero falls back to Policy.SpacedGap.
	Gap time.Duration
	// Chosen are instants already picked earlier in the same batch.
	Chosen []time.Time

	// Manual marks a user reschedule, subject to RescheduleOverride.
	Manual bool
	// Status is written with the booking; empty means scheduled.
	Status domain.ItemStatus
	// Expect, when set, is the stored state the item must still be in.
	Expect *domain.Expect
}

// Pick chooses an instant for req given the account's current items. It is
// pure: the same items, request, policy, now and rng state give the same answer.
func Pick(req Request, items []domain.Item, p Policy, now time.Time, rng *rand.Rand) (time.Time, error) {
	p = p.normalized()
	acc := req.Account
	b := newBookings(items, req.Item.ID, acc.Location())
	earliest := now.Add(p.MinLeadTime)

	if req.RequestedAt != nil {
		t := *req.RequestedAt
		if !t.After(now) || t.Before(earliest) {
			return time.Time{}, domain.NewAllocationError(domain.TooSoon, t,
				"must be at least %s after %s", p.MinLeadTime, now.Format(time.RFC3339))
		}
		return t, b.check(acc, t, req.Manual && p.RescheduleOverride)
	}

	if len(acc.Pattern.Slots) == 0 {
		return time.Time{}, domain.NewAllocationError(domain.CapacityExhausted, time.Time{}, "account has no posting slots")
	}

	switch req.Strategy {
	case domain.StrategyRandom, domain.StrategySpaced:
		from, to := req.From, req.To
		if from.IsZero() || from.Before(earliest) {
			from = earliest
		}
		if to.IsZero() {
			to = domain.AddDays(domain.StartOfDay(from, acc.Location()), p.RandomRangeDays)
		}
		cands := candidates(acc, b, from, to)
		if len(cands) == 0 {
			return time.Time{}, domain.NewAllocationError(domain.CapacityExhausted, time.Time{},
				"no valid slot between %s and %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
		}
		if req.Strategy == domain.StrategyRandom {
			if rng == nil {
				rng = rand.New(rand.NewSource(now.UnixNano()))
			}
			return cands[rng.Intn(len(cands))], nil
		}
		gap := req.Gap
		if gap <= 0 {
			gap = p.SpacedGap
		}
		return spaced(cands, req.Chosen, gap), nil
	default:
		return sequential(acc, b, earliest, p.HorizonDays)
	}
}

// sequential returns the first valid slot at or after from, walking forward day
// by day within the horizon.
func sequential(acc domain.Account, b *bookings, from time.Time, horizonDays int) (time.Time, error) {
	day := domain.StartOfDay(from, acc.Location())
	for d := 0; d < horizonDays; d++ {
		for _, t := range acc.Pattern.InstantsOn(domain.AddDays(day, d)) {
			if t.Before(from) {
				continue
			}
			if b.check(acc, t, false) == nil {
				return t, nil
			}
		}
	}
	return time.Time{}, domain.NewAllocationError(domain.CapacityExhausted, time.Time{},
		"no valid slot within %d days", horizonDays)
}

// candidates lists valid slot instants in [from, to], chronologically.
func candidates(acc domain.Account, b *bookings, from, to time.Time) []time.Time {
	var out []time.Time
	for day := domain.StartOfDay(from, acc.Location()); !day.After(to); day = domain.AddDays(day, 1) {
		for _, t := range acc.Pattern.InstantsOn(day) {
			if t.Before(from) || t.After(to) {
				continue
			}
			if b.check(acc, t, false) == nil {
				out = append(out, t)
			}
		}
	}
	return out
}

// spaced picks the earliest candidate at least gap away from every chosen
// instant. If none qualifies it picks the candidate farthest from its nearest
// chosen instant; ties go to the earliest.
func spaced(cands, chosen []time.Time, gap time.Duration) time.Time {
	if len(chosen) == 0 {
		return cands[0]
	}
	best, bestScore := cands[0], time.Duration(-1)
	for _, c := range cands {
		score := time.Duration(-1)
		for _, ch := range chosen {
			if d := absDur(c.Sub(ch)); score < 0 || d < score {
				score = d
			}
		}
		if gap > 0 && score >= gap {
			return c
		}
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

// retryInstant returns the first instant at or after notBefore that is free,
// keeps min_interval and fits under max_per_day.
func retryInstant(acc domain.Account, b *bookings, notBefore time.Time, horizonDays int) (time.Time, error) {
	t := notBefore.Truncate(time.Second)
	if t.Before(notBefore) {
		t = t.Add(time.Second)
	}
	limit := notBefore.Add(time.Duration(horizonDays) * 24 * time.Hour)
	for !t.After(limit) {
		if acc.MaxPerDay > 0 && b.dayCount(t) >= acc.MaxPerDay {
			t = domain.AddDays(domain.StartOfDay(t, acc.Location()), 1)
			continue
		}
		if acc.MinInterval > 0 {
			if other, d, ok := b.nearest(t); ok && d < acc.MinInterval {
				t = other.Add(acc.MinInterval)
				continue
			}
		}
		if b.isTaken(t) {
			t = t.Add(time.Second)
			continue
		}
		return t, nil
	}
	return time.Time{}, domain.NewAllocationError(domain.CapacityExhausted, notBefore,
		"no retry instant within %d days", horizonDays)
}
