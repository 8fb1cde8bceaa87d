package schedule

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Field identifies one of the seven schedule attributes.
type Field int

const (
	Second Field = iota
	Minute
	Hour
	DayOfWeek
	DayOfMonth
	Month
	Year
)

var fieldNames = [...]string{"second", "minute", "hour", "dayOfWeek", "dayOfMonth", "month", "year"}

func (f Field) String() string {
	if f < Second || f > Year {
		return "expression"
	}
	return fieldNames[f]
}

// bounds provides the legal range of a field plus its aliases.
type bounds struct {
	min, max int
	names    map[string]int
}

var fieldBounds = [...]bounds{
	Second: {0, 59, nil},
	Minute: {0, 59, nil},
	Hour:   {0, 23, nil},
	// 0 and 7 are both Sunday.
	DayOfWeek: {0, 7, map[string]int{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}},
	DayOfMonth: {-7, 31, nil},
	Month: {1, 12, map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}},
	Year: {1000, 9999, nil},
}

var ordinals = map[string]int{"1st": 1, "2nd": 2, "3rd": 3, "4th": 4, "5th": 5, "last": lastOrdinal}

const lastOrdinal = -1

// Kind is the syntactic class of a field value.
type Kind int

const (
	Wildcard Kind = iota
	Single
	List
	Range
	Increment
	Relative
)

var kindNames = [...]string{"wildcard", "single", "list", "range", "increment", "relative"}

func (k Kind) String() string {
	if k < Wildcard || k > Relative {
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
	return kindNames[k]
}

// point is one end of a term. Relative points only occur in day-of-month.
type point struct {
	n       int  // absolute value, or negative offset from the last day
	last    bool // "Last"
	ordinal int  // non-zero for "<ordinal> <weekday>"
	weekday int
}

func (p point) relative() bool { return p.last || p.ordinal != 0 || p.n < 0 }

// term is a single value (lo only) or an inclusive range.
type term struct {
	lo, hi  point
	isRange bool
}

// Value is the parsed constraint of one field.
type Value struct {
	field    Field
	text     string
	kind     Kind
	terms    []term
	static   []int // resolved set when no relative terms are present
	relative bool
	ordinal  bool
}

// ParseValue classifies text for field f. Checks run in priority order:
// wildcard, increment, list, range, relative, single.
func ParseValue(f Field, text string) (*Value, error) {
	if f < Second || f > Year {
		return nil, parseErr(f, text, "unknown field")
	}
	s := strings.TrimSpace(text)
	v := &Value{field: f, text: text}
	switch {
	case s == "":
		return nil, parseErr(f, text, "empty value")
	case s == "*":
		v.kind = Wildcard
	case strings.Contains(s, "/"):
		if err := v.parseIncrement(s); err != nil {
			return nil, err
		}
	case strings.Contains(s, ","):
		v.kind = List
		for _, item := range strings.Split(s, ",") {
			item = strings.TrimSpace(item)
			if item == "" || item == "*" {
				return nil, parseErr(f, text, "list items must be values or ranges")
			}
			t, err := parseTerm(f, item)
			if err != nil {
				return nil, err
			}
			v.terms = append(v.terms, t)
		}
	default:
		t, err := parseTerm(f, s)
		if err != nil {
			return nil, err
		}
		v.terms = []term{t}
		switch {
		case t.isRange:
			v.kind = Range
		case t.lo.relative():
			v.kind = Relative
		default:
			v.kind = Single
		}
	}

	for _, t := range v.terms {
		if t.lo.relative() || (t.isRange && t.hi.relative()) {
			v.relative = true
		}
		if t.lo.ordinal != 0 || (t.isRange && t.hi.ordinal != 0) {
			v.ordinal = true
		}
	}
	if v.kind != Increment && !v.relative {
		v.static = v.resolve(0, 0)
	}
	return v, nil
}

func (v *Value) parseIncrement(s string) error {
	f := v.field
	if f == DayOfMonth || f == Year {
		return parseErr(f, v.text, "increments are not allowed for %s", f)
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return parseErr(f, v.text, "increment must be start/interval")
	}
	b := fieldBounds[f]
	start := b.min
	if first := strings.TrimSpace(parts[0]); first != "*" {
		p, err := parseAtom(f, first)
		if err != nil {
			return err
		}
		start = p.n
	}
	interval, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || interval <= 0 {
		return parseErr(f, v.text, "increment interval must be a positive integer")
	}
	v.kind = Increment
	for n := start; n <= b.max; n += interval {
		v.static = append(v.static, n)
	}
	v.static = normalize(f, v.static)
	return nil
}

func parseTerm(f Field, s string) (term, error) {
	if lo, hi, ok := splitRange(s); ok {
		a, err := parseAtom(f, lo)
		if err != nil {
			return term{}, err
		}
		b, err := parseAtom(f, hi)
		if err != nil {
			return term{}, err
		}
		if a == b {
			return term{lo: a, hi: a}, nil
		}
		return term{lo: a, hi: b, isRange: true}, nil
	}
	p, err := parseAtom(f, s)
	if err != nil {
		return term{}, err
	}
	return term{lo: p, hi: p}, nil
}

// splitRange finds the first hyphen that separates two non-empty operands,
// so negative day-of-month offsets such as "-3--1" split as "-3" and "-1".
func splitRange(s string) (string, string, bool) {
	for i := 1; i < len(s)-1; i++ {
		if s[i] != '-' {
			continue
		}
		lo := strings.TrimSpace(s[:i])
		hi := strings.TrimSpace(s[i+1:])
		if lo == "" || hi == "" || strings.HasSuffix(lo, "-") {
			continue
		}
		return lo, hi, true
	}
	return "", "", false
}

func parseAtom(f Field, s string) (point, error) {
	b := fieldBounds[f]
	lower := strings.ToLower(strings.TrimSpace(s))
	if n, ok := b.names[lower]; ok {
		return point{n: n}, nil
	}
	if f == DayOfMonth {
		if lower == "last" {
			return point{last: true}, nil
		}
		if words := strings.Fields(lower); len(words) == 2 {
			ord, ok := ordinals[words[0]]
			day, dok := fieldBounds[DayOfWeek].names[words[1]]
			if !ok || !dok {
				return point{}, parseErr(f, s, "expected <ordinal> <weekday>")
			}
			return point{ordinal: ord, weekday: day}, nil
		}
	}
	n, err := strconv.Atoi(lower)
	if err != nil {
		return point{}, parseErr(f, s, "not a number")
	}
	if n < b.min || n > b.max {
		return point{}, parseErr(f, s, "out of range [%d,%d]", b.min, b.max)
	}
	if f == DayOfMonth && n == 0 {
		return point{}, parseErr(f, s, "day of month cannot be 0")
	}
	return point{n: n}, nil
}

// Field reports which attribute v constrains.
func (v *Value) Field() Field { return v.field }

// Kind reports the syntactic class of v.
func (v *Value) Kind() Kind { return v.kind }

// Text returns the source text v was parsed from.
func (v *Value) Text() string { return v.text }

// IsWildcard reports whether v places no restriction on its field.
func (v *Value) IsWildcard() bool { return v.kind == Wildcard }

// Values returns the sorted legal values of the field at anchor. Relative
// day-of-month values resolve against the anchor's month.
func (v *Value) Values(anchor time.Time) []int {
	if v.field == DayOfMonth {
		return v.days(anchor.Year(), anchor.Month())
	}
	if v.kind == Wildcard {
		b := fieldBounds[v.field]
		return normalize(v.field, span(nil, b.min, b.max))
	}
	return append([]int(nil), v.static...)
}

// days resolves a day-of-month value for one month, dropping days the month
// cannot host.
func (v *Value) days(year int, month time.Month) []int {
	dim := daysIn(year, month)
	if v.kind == Wildcard {
		return span(nil, 1, dim)
	}
	set := v.static
	if v.relative {
		set = v.resolve(year, month)
	}
	out := make([]int, 0, len(set))
	for _, d := range set {
		if d >= 1 && d <= dim {
			out = append(out, d)
		}
	}
	return out
}

// resolve expands the terms into a sorted set. year and month are only
// consulted for relative points.
func (v *Value) resolve(year int, month time.Month) []int {
	b := fieldBounds[v.field]
	min, max := b.min, b.max
	if v.field == DayOfMonth {
		min = 1
	}
	var out []int
	for _, t := range v.terms {
		lo, ok := v.point(t.lo, year, month)
		if !ok {
			continue
		}
		if !t.isRange {
			out = append(out, lo)
			continue
		}
		hi, ok := v.point(t.hi, year, month)
		if !ok {
			continue
		}
		if lo <= hi {
			out = span(out, lo, hi)
		} else {
			out = span(span(out, lo, max), min, hi)
		}
	}
	return normalize(v.field, out)
}

func (v *Value) point(p point, year int, month time.Month) (int, bool) {
	switch {
	case p.ordinal != 0:
		// Ordinal weekday forms are accepted by the parser but never resolved.
		return 0, false
	case p.last:
		return daysIn(year, month), true
	case v.field == DayOfMonth && p.n < 0:
		return daysIn(year, month) + p.n, true
	default:
		return p.n, true
	}
}

func span(dst []int, lo, hi int) []int {
	for n := lo; n <= hi; n++ {
		dst = append(dst, n)
	}
	return dst
}

// normalize folds Sunday=7 onto 0, sorts and removes duplicates.
func normalize(f Field, in []int) []int {
	if f == DayOfWeek {
		for i, n := range in {
			if n == 7 {
				in[i] = 0
			}
		}
	}
	sort.Ints(in)
	out := in[:0]
	for _, n := range in {
		if len(out) > 0 && out[len(out)-1] == n {
			continue
		}
		out = append(out, n)
	}
	return out
}

func daysIn(year int, month time.Month) int {
	if month == 0 {
		return 31
	}
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ceil returns the smallest element of the sorted set that is >= n.
func ceil(set []int, n int) (int, bool) {
	i := sort.SearchInts(set, n)
	if i == len(set) {
		return 0, false
	}
	return set[i], true
}
