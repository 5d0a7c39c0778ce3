// Package retention thins out old archives with a day, week and month
// quota per source file.
//
// An archive is removed only when all three of its buckets are over quota.
// Archives of one container directory are ranked by name, oldest first.
// The day pass marks the oldest archives of every over-quota day, up to the
// day's surplus. The week pass keeps only day-marked archives, up to the
// week's surplus, and the month pass narrows the week-marked ones the same
// way. Whatever the month pass marks is removed.
package retention

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Policy is the per-profile sweep configuration.
type Policy struct {
	MinAgeDays int
	PerDay     int
	PerWeek    int
	PerMonth   int
}

// DefaultPolicy mirrors the configuration defaults.
var DefaultPolicy = Policy{MinAgeDays: 2, PerDay: 2, PerWeek: 14, PerMonth: 60}

// Candidate is an archive old enough to be swept. Date is the calendar day
// taken from the archive name.
type Candidate struct {
	Dir  string
	Name string
	Date time.Time
}

// Path joins Dir and Name.
func (c Candidate) Path() string {
	return filepath.Join(c.Dir, c.Name)
}

// Removal is a candidate selected for deletion, with its buckets and the
// rank it had in each.
type Removal struct {
	Candidate
	Day, Week, Month             string
	DayRank, WeekRank, MonthRank string
}

// DayKey returns the day bucket of d.
func DayKey(d time.Time) string {
	return d.Format("2006-01-02")
}

// MonthKey returns the month bucket of d.
func MonthKey(d time.Time) string {
	return d.Format("2006-01")
}

// WeekKey returns the week bucket of d as year and Monday-based week of the
// year. Days of early January before the first Monday (week 00) belong to
// the last week of the previous year.
func WeekKey(d time.Time) string {
	if d.Month() == time.January && d.Day() < 7 && mondayWeek(d) == 0 {
		d = time.Date(d.Year()-1, time.December, 31, 0, 0, 0, 0, d.Location())
	}
	return fmt.Sprintf("%04d-%02d", d.Year(), mondayWeek(d))
}

// mondayWeek is strftime's %W.
func mondayWeek(d time.Time) int {
	yday := d.YearDay() - 1
	wday := (int(d.Weekday()) + 6) % 7
	return (yday + 7 - wday) / 7
}

// Eligible reports whether an archive dated d is old enough on today.
func (p Policy) Eligible(d, today time.Time) bool {
	y, m, dd := today.Date()
	cutoff := time.Date(y, m, dd, 0, 0, 0, 0, d.Location()).AddDate(0, 0, -p.MinAgeDays)
	return !d.After(cutoff)
}

type entry struct {
	c             Candidate
	d, w, m       string
	dRm, wRm, mRm string
}

type bucket struct{ dir, key string }

// Plan selects the archives to remove. cands must be ordered the way the
// archives are ranked, oldest first within a directory. The result is
// sorted by directory, then name.
func Plan(cands []Candidate, p Policy) []Removal {
	entries := make([]*entry, len(cands))
	dCnt := map[bucket]int{}
	wCnt := map[bucket]int{}
	mCnt := map[bucket]int{}
	for i, c := range cands {
		e := &entry{c: c, d: DayKey(c.Date), w: WeekKey(c.Date), m: MonthKey(c.Date)}
		entries[i] = e
		dCnt[bucket{c.Dir, e.d}]++
		wCnt[bucket{c.Dir, e.w}]++
		mCnt[bucket{c.Dir, e.m}]++
	}

	// Day pass: every bucket must be over quota.
	overQuota := func(e *entry) bool {
		return mCnt[bucket{e.c.Dir, e.m}] > p.PerMonth &&
			wCnt[bucket{e.c.Dir, e.w}] > p.PerWeek &&
			dCnt[bucket{e.c.Dir, e.d}] > p.PerDay
	}
	mark(entries, overQuota,
		func(e *entry) string { return e.d }, dCnt, p.PerDay,
		func(e *entry, s string) { e.dRm = s })

	mark(entries, func(e *entry) bool { return e.dRm != "" && wCnt[bucket{e.c.Dir, e.w}] > p.PerWeek },
		func(e *entry) string { return e.w }, wCnt, p.PerWeek,
		func(e *entry, s string) { e.wRm = s })

	mark(entries, func(e *entry) bool { return e.wRm != "" && mCnt[bucket{e.c.Dir, e.m}] > p.PerMonth },
		func(e *entry) string { return e.m }, mCnt, p.PerMonth,
		func(e *entry, s string) { e.mRm = s })

	var removals []Removal
	for _, e := range entries {
		if e.mRm == "" {
			continue
		}
		removals = append(removals, Removal{
			Candidate: e.c,
			Day:       e.d, Week: e.w, Month: e.m,
			DayRank: e.dRm, WeekRank: e.wRm, MonthRank: e.mRm,
		})
	}
	slices.SortStableFunc(removals, func(a, b Removal) int {
		if c := strings.Compare(a.Dir, b.Dir); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return removals
}

// mark ranks the entries passing eligible within their bucket and labels
// the first count-keep of them.
func mark(entries []*entry, eligible func(*entry) bool, key func(*entry) string, counts map[bucket]int, keep int, set func(*entry, string)) {
	groups := map[bucket][]*entry{}
	var order []bucket
	for _, e := range entries {
		if !eligible(e) {
			continue
		}
		b := bucket{e.c.Dir, key(e)}
		if _, seen := groups[b]; !seen {
			order = append(order, b)
		}
		groups[b] = append(groups[b], e)
	}
	for _, b := range order {
		g := groups[b]
		surplus := counts[b] - keep
		n := min(surplus, len(g))
		for i := 0; i < n; i++ {
			set(g[i], fmt.Sprintf("%d of %d (max %d - %d)", i+1, n, counts[b], keep))
		}
	}
}
