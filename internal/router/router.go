// Package router maps timestamps to storage buckets and query windows to the
// ordered set of buckets that may hold matching records.
package router

import (
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/hivemind-plus/hivelink/internal/domain"
)

// Granularity is the width of one bucketing period.
type Granularity int

const (
	Hour Granularity = iota + 1
	Day
	Month
	Year
)

func (g Granularity) String() string {
	switch g {
	case Hour:
		return "hour"
	case Day:
		return "day"
	case Month:
		return "month"
	case Year:
		return "year"
	default:
		return "unknown"
	}
}

// Router is the single writer of bucket assignment. It is immutable after New
// and safe for concurrent use.
type Router struct {
	pattern     string
	layout      *strftime.Strftime
	granularity Granularity
	loc         *time.Location
}

// New compiles a strftime bucket pattern such as "%Y%m%d". Patterns that
// could map two different periods onto one key are rejected with a
// configuration error.
func New(pattern string, loc *time.Location) (*Router, error) {
	if loc == nil {
		loc = time.UTC
	}
	g, err := analyze(pattern)
	if err != nil {
		return nil, domain.Config("bucket format", err)
	}
	layout, err := strftime.New(pattern)
	if err != nil {
		return nil, domain.Config("bucket format", err)
	}
	return &Router{
		pattern:     pattern,
		layout:      layout,
		granularity: g,
		loc:         loc,
	}, nil
}

func (r *Router) Pattern() string          { return r.pattern }
func (r *Router) Granularity() Granularity { return r.granularity }
func (r *Router) Location() *time.Location { return r.loc }

// BucketFor returns the key of the bucket containing t.
func (r *Router) BucketFor(t time.Time) domain.BucketKey {
	return domain.BucketKey(r.layout.FormatString(r.Floor(t)))
}

// Floor truncates t to the start of its bucketing period.
func (r *Router) Floor(t time.Time) time.Time {
	t = t.In(r.loc)
	y, m, d := t.Date()
	switch r.granularity {
	case Hour:
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, r.loc)
	case Day:
		return time.Date(y, m, d, 0, 0, 0, 0, r.loc)
	case Month:
		return time.Date(y, m, 1, 0, 0, 0, 0, r.loc)
	default:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, r.loc)
	}
}

func (r *Router) next(floor time.Time) time.Time {
	switch r.granularity {
	case Hour:
		n := r.Floor(floor.Add(time.Hour))
		if !n.After(floor) {
			// repeated wall-clock hour at a DST fall-back
			n = r.Floor(floor.Add(2 * time.Hour))
		}
		return n
	case Day:
		return floor.AddDate(0, 0, 1)
	case Month:
		return floor.AddDate(0, 1, 0)
	default:
		return floor.AddDate(1, 0, 0)
	}
}

// Buckets yields the keys of every bucket overlapping [start, end], oldest
// first. The boundary buckets are always included even when they extend past
// the window; callers filter records by time after fetching. A reversed range
// is walked as if its ends were swapped. The sequence is finite and can be
// ranged over more than once.
func (r *Router) Buckets(start, end time.Time) iter.Seq[domain.BucketKey] {
	if end.Before(start) {
		start, end = end, start
	}
	return func(yield func(domain.BucketKey) bool) {
		var prev domain.BucketKey
		for cur := r.Floor(start); !cur.After(end); cur = r.next(cur) {
			key := domain.BucketKey(r.layout.FormatString(cur))
			if key == prev {
				continue
			}
			if !yield(key) {
				return
			}
			prev = key
		}
	}
}

// BucketsInRange collects Buckets into a slice.
func (r *Router) BucketsInRange(start, end time.Time) []domain.BucketKey {
	return slices.Collect(r.Buckets(start, end))
}

// CompileTimeFormat compiles a strftime layout used for display timestamps.
func CompileTimeFormat(pattern string) (*strftime.Strftime, error) {
	f, err := strftime.New(pattern)
	if err != nil {
		return nil, domain.Config("time format", err)
	}
	return f, nil
}

type coverage uint8

const (
	covYear coverage = 1 << iota
	covMonth
	covDay
	covHour
	covHour12
	covMeridiem
	covWeekday
	covShortYear
	covCentury
)

var directives = map[byte]coverage{
	'Y': covYear,
	'y': covShortYear,
	'C': covCentury,
	'm': covMonth,
	'b': covMonth,
	'B': covMonth,
	'd': covDay,
	'e': covDay,
	'j': covMonth | covDay,
	'a': covWeekday,
	'A': covWeekday,
	'u': covWeekday,
	'w': covWeekday,
	'H': covHour,
	'k': covHour,
	'I': covHour12,
	'l': covHour12,
	'p': covMeridiem,
	'F': covYear | covMonth | covDay,
	'D': covShortYear | covMonth | covDay,
	'x': covShortYear | covMonth | covDay,
	'v': covYear | covMonth | covDay,
	'Z': 0,
	'z': 0,
	'n': 0,
	't': 0,
	'%': 0,
}

var tooFine = map[byte]bool{'M': true, 'S': true, 'R': true, 'T': true, 'X': true, 'c': true, 'r': true}

var weekly = map[byte]bool{'U': true, 'V': true, 'W': true}

func analyze(pattern string) (Granularity, error) {
	if pattern == "" {
		return 0, fmt.Errorf("pattern is empty")
	}
	var cov coverage
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '%' {
			continue
		}
		if i+1 >= len(pattern) {
			return 0, fmt.Errorf("dangling %% at end of %q", pattern)
		}
		i++
		verb := pattern[i]
		switch {
		case tooFine[verb]:
			return 0, fmt.Errorf("%%%c is finer than one hour", verb)
		case weekly[verb]:
			return 0, fmt.Errorf("week-based %%%c is not supported", verb)
		}
		c, ok := directives[verb]
		if !ok {
			return 0, fmt.Errorf("unsupported directive %%%c", verb)
		}
		cov |= c
	}

	if cov&covShortYear != 0 && cov&covCentury != 0 {
		cov |= covYear
	}

	hour := cov&covHour != 0 || (cov&covHour12 != 0 && cov&covMeridiem != 0)
	if cov&covHour12 != 0 && !hour {
		return 0, fmt.Errorf("12-hour directive requires %%p")
	}
	if cov&covMeridiem != 0 && cov&covHour12 == 0 {
		return 0, fmt.Errorf("%%p requires a 12-hour directive")
	}

	var g Granularity
	switch {
	case hour:
		g = Hour
	case cov&(covDay|covWeekday) != 0:
		g = Day
	case cov&covMonth != 0:
		g = Month
	case cov&covYear != 0:
		g = Year
	default:
		return 0, fmt.Errorf("pattern %q has no date directive", pattern)
	}

	if cov&covYear == 0 {
		if cov&covShortYear != 0 {
			return 0, fmt.Errorf("pattern %q uses a two-digit year; add %%C or use %%Y", pattern)
		}
		return 0, fmt.Errorf("pattern %q needs a year directive", pattern)
	}
	if g <= Month && cov&covMonth == 0 {
		return 0, fmt.Errorf("pattern %q needs a month directive", pattern)
	}
	if g <= Day && cov&covDay == 0 {
		return 0, fmt.Errorf("pattern %q needs a day directive", pattern)
	}
	return g, nil
}
