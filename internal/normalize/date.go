package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DateFormat is the field order of a scraped date.
type DateFormat string

const (
	FormatMDY DateFormat = "MM/DD/YYYY"
	FormatYMD DateFormat = "YYYY-MM-DD"
	FormatDMY DateFormat = "DD/MM/YYYY"
)

// ParseDateFormat maps a configured format string to a DateFormat. Empty or
// unrecognised values fall back to MM/DD/YYYY.
func ParseDateFormat(s string) DateFormat {
	switch DateFormat(strings.ToUpper(strings.TrimSpace(s))) {
	case FormatYMD:
		return FormatYMD
	case FormatDMY:
		return FormatDMY
	default:
		return FormatMDY
	}
}

const (
	yearPivot = 50
	minYear   = 2000
	maxYear   = 2100
)

var dateTripleRe = regexp.MustCompile(`^\D*(\d+)[/.\-](\d+)[/.\-](\d+)`)

// ValidateDate reads a numeric date triple from s in the given field order and
// returns it as YYYY-MM-DD. Any leading non-numeric prefix is ignored and the
// separators may be '/', '-' or '.'. Two-digit years expand around a pivot of
// 50 (00-49 are 2000s, 50-99 are 1900s). The result is rejected when the month
// is outside 1-12, the day outside 1-31, or the year outside 2000-2100.
func ValidateDate(s string, format DateFormat) (string, bool) {
	m := dateTripleRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", false
	}

	var ys, ms, ds string
	switch format {
	case FormatYMD:
		ys, ms, ds = m[1], m[2], m[3]
	case FormatDMY:
		ds, ms, ys = m[1], m[2], m[3]
	default:
		ms, ds, ys = m[1], m[2], m[3]
	}

	year, ok := expandYear(ys)
	if !ok {
		return "", false
	}
	month, err := strconv.Atoi(ms)
	if err != nil || month < 1 || month > 12 {
		return "", false
	}
	day, err := strconv.Atoi(ds)
	if err != nil || day < 1 || day > 31 {
		return "", false
	}
	if year < minYear || year > maxYear {
		return "", false
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day), true
}

func expandYear(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	switch len(s) {
	case 1, 2:
		if n < yearPivot {
			return 2000 + n, true
		}
		return 1900 + n, true
	case 4:
		return n, true
	default:
		return 0, false
	}
}
