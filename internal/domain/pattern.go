package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Slot is a recurring time-of-day in an account's posting pattern.
type Slot struct {
	Hour   int
	Minute int
}

// ParseSlot parses "HH:MM" (24h).
func ParseSlot(s string) (Slot, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return Slot{}, fmt.Errorf("invalid slot %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Slot{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return Slot{}, fmt.Errorf("invalid minute in %q", s)
	}
	return Slot{Hour: h, Minute: m}, nil
}

func (s Slot) String() string { return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute) }

func (s Slot) minutes() int { return s.Hour*60 + s.Minute }

// On returns the slot instant on the calendar day of day (in loc).
func (s Slot) On(day time.Time, loc *time.Location) time.Time {
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), s.Hour, s.Minute, 0, 0, loc)
}

func (s Slot) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Slot) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v, err := ParseSlot(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// PostingPattern is the ordered set of daily slots plus the zone they are expressed in.
type PostingPattern struct {
	Slots    []Slot `json:"slots"`
	Timezone string `json:"timezone,omitempty"`
}

// ParsePattern builds a normalized pattern from "HH:MM" strings.
func ParsePattern(tz string, slots ...string) (PostingPattern, error) {
	p := PostingPattern{Timezone: strings.TrimSpace(tz)}
	for _, raw := range slots {
		s, err := ParseSlot(raw)
		if err != nil {
			return PostingPattern{}, err
		}
		p.Slots = append(p.Slots, s)
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return PostingPattern{}, fmt.Errorf("invalid timezone %q: %w", p.Timezone, err)
		}
	}
	return p.Normalize(), nil
}

// Normalize sorts slots chronologically and drops duplicates.
func (p PostingPattern) Normalize() PostingPattern {
	out := append([]Slot(nil), p.Slots...)
	sort.Slice(out, func(i, j int) bool { return out[i].minutes() < out[j].minutes() })
	n := 0
	for i, s := range out {
		if i > 0 && s == out[n-1] {
			continue
		}
		out[n] = s
		n++
	}
	p.Slots = out[:n]
	return p
}

func (p PostingPattern) Location() *time.Location {
	tz := strings.TrimSpace(p.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// InstantsOn returns the slot instants of the calendar day containing day, in order.
func (p PostingPattern) InstantsOn(day time.Time) []time.Time {
	loc := p.Location()
	slots := p.Normalize().Slots
	out := make([]time.Time, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.On(day, loc))
	}
	return out
}

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	d := t.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
}

// AddDays moves a midnight forward by n calendar days (DST-safe).
func AddDays(midnight time.Time, n int) time.Time {
	return time.Date(midnight.Year(), midnight.Month(), midnight.Day()+n, 0, 0, 0, 0, midnight.Location())
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	return StartOfDay(a, loc).Equal(StartOfDay(b, loc))
}
