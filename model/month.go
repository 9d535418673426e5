package model

import (
	"fmt"
	"regexp"
	"strconv"
)

// Month is a report month split into its year and two-digit month number.
type Month struct {
	Year   string
	Number string
}

var digitRuns = regexp.MustCompile(`\d+`)

// ParseMonth accepts "2025-09" and the other common shapes ("09/2025", "2025.9", "202509").
func ParseMonth(s string) (Month, error) {
	parts := digitRuns.FindAllString(s, -1)
	var year, num string
	switch len(parts) {
	case 1:
		if len(parts[0]) != 6 {
			return Month{}, fmt.Errorf("invalid month %q", s)
		}
		year, num = parts[0][:4], parts[0][4:]
	case 2:
		switch {
		case len(parts[0]) == 4:
			year, num = parts[0], parts[1]
		case len(parts[1]) == 4:
			year, num = parts[1], parts[0]
		default:
			return Month{}, fmt.Errorf("invalid month %q: no four-digit year", s)
		}
	default:
		return Month{}, fmt.Errorf("invalid month %q", s)
	}

	n, err := strconv.Atoi(num)
	if err != nil || n < 1 || n > 12 {
		return Month{}, fmt.Errorf("invalid month %q: month number out of range", s)
	}
	return Month{Year: year, Number: fmt.Sprintf("%02d", n)}, nil
}

// Int returns the month number 1-12.
func (m Month) Int() int {
	n, _ := strconv.Atoi(m.Number)
	return n
}

// String formats as YYYY-MM.
func (m Month) String() string {
	return m.Year + "-" + m.Number
}
