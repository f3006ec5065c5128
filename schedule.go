/*
 * Copyright (C) 2024 Picking-gh <picking@woft.name>
 *
 * SPDX-License-Identifier: MIT
 */

package main

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Action binds a weekly schedule to start/pause semantics.
type Action int

const (
	// ActionNone means the daemon never issues start/stop commands on its
	// own; the engine's own state is left alone (ControllerState Manual).
	ActionNone Action = iota
	ActionStartOrPause
	ActionPauseOrStart
)

func (a Action) String() string {
	switch a {
	case ActionStartOrPause:
		return "start-or-pause"
	case ActionPauseOrStart:
		return "pause-or-start"
	default:
		return "none"
	}
}

// ParseAction converts the --action flag value into an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "start-or-pause":
		return ActionStartOrPause, nil
	case "pause-or-start":
		return ActionPauseOrStart, nil
	default:
		return ActionNone, fmt.Errorf("invalid action %q: must be start-or-pause or pause-or-start", s)
	}
}

// TimeOfDay is a minute offset since midnight. AddPeriod accepts hours up
// to 24 and minutes up to 59, so values run from 0 (00:00) to 1499 (24:59).
type TimeOfDay int

// Period is an inclusive [Start, End] interval within a single weekday.
type Period struct {
	Start TimeOfDay
	End   TimeOfDay
}

func (p Period) contains(t TimeOfDay) bool {
	return t >= p.Start && t <= p.End
}

// WeekPeriods holds, for each weekday (index 0=Sunday matching
// time.Weekday), an ordered, strictly-disjoint list of periods.
type WeekPeriods struct {
	Days [7][]Period
}

var periodRe = regexp.MustCompile(`^\s*([1-7])(\s*-\s*([1-7]))?\s*/\s*(\d{1,2})\s*:\s*(\d{2})\s*-\s*(\d{1,2})\s*:\s*(\d{2})\s*$`)

// AddPeriod parses a single "D[-D]/HH:MM-HH:MM" spec and inserts it into wp
// for every weekday it spans, rejecting malformed or overlapping input.
func AddPeriod(wp *WeekPeriods, spec string) error {
	m := periodRe.FindStringSubmatch(spec)
	if m == nil {
		return fmt.Errorf("invalid period %q: does not match D[-D]/HH:MM-HH:MM", spec)
	}

	startDay, _ := strconv.Atoi(strings.TrimSpace(m[1]))
	endDay := startDay
	if strings.TrimSpace(m[3]) != "" {
		endDay, _ = strconv.Atoi(strings.TrimSpace(m[3]))
	}
	if endDay < startDay {
		return fmt.Errorf("invalid period %q: end day before start day", spec)
	}

	startHour, _ := strconv.Atoi(strings.TrimSpace(m[4]))
	startMin, _ := strconv.Atoi(strings.TrimSpace(m[5]))
	endHour, _ := strconv.Atoi(strings.TrimSpace(m[6]))
	endMin, _ := strconv.Atoi(strings.TrimSpace(m[7]))

	if startHour > 24 || endHour > 24 {
		return fmt.Errorf("invalid period %q: hour out of range", spec)
	}
	if startMin > 59 || endMin > 59 {
		return fmt.Errorf("invalid period %q: minute out of range", spec)
	}

	start := TimeOfDay(startHour*60 + startMin)
	end := TimeOfDay(endHour*60 + endMin)
	if start > end {
		return fmt.Errorf("invalid period %q: start after end", spec)
	}

	for d := startDay; d <= endDay; d++ {
		idx := d % 7
		if err := insertPeriod(wp, idx, Period{Start: start, End: end}); err != nil {
			return fmt.Errorf("invalid period %q: %w", spec, err)
		}
	}
	return nil
}

// insertPeriod inserts p into wp.Days[idx], keeping the list sorted by Start
// and rejecting anything that is not strictly disjoint from its neighbors.
func insertPeriod(wp *WeekPeriods, idx int, p Period) error {
	list := wp.Days[idx]
	pos := sort.Search(len(list), func(i int) bool { return list[i].Start >= p.Start })

	if pos > 0 && list[pos-1].End >= p.Start {
		return fmt.Errorf("overlaps existing period %v", list[pos-1])
	}
	if pos < len(list) && list[pos].Start <= p.End {
		return fmt.Errorf("overlaps existing period %v", list[pos])
	}

	list = append(list, Period{})
	copy(list[pos+1:], list[pos:])
	list[pos] = p
	wp.Days[idx] = list
	return nil
}

// IsNowIn reports whether now falls inside any configured period for its
// weekday. Both endpoints of a period are inclusive.
func IsNowIn(wp *WeekPeriods, now time.Time) bool {
	if wp == nil {
		return false
	}
	idx := int(now.Weekday())
	t := TimeOfDay(now.Hour()*60 + now.Minute())
	for _, p := range wp.Days[idx] {
		if p.contains(t) {
			return true
		}
		if t < p.Start {
			break
		}
	}
	return false
}

// desiredActive computes the engine's desired ambient run state for the
// given action/schedule/instant.
func desiredActive(action Action, wp *WeekPeriods, now time.Time) bool {
	switch action {
	case ActionStartOrPause:
		return IsNowIn(wp, now)
	case ActionPauseOrStart:
		return !IsNowIn(wp, now)
	default:
		return true
	}
}

var durationRe = regexp.MustCompile(`^([1-9]\d*)([mhd])$`)

// ParseDurationSpec parses strings of the form "30m", "2h", "1d" into a
// time.Duration. Zero magnitudes and missing units are rejected.
func ParseDurationSpec(s string) (time.Duration, error) {
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: expected N followed by m, h, or d", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	var unit time.Duration
	switch m[2] {
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	return time.Duration(n) * unit, nil
}
