package scrapers

import (
	"strings"

	"github.com/commission-vm/model"
)

var hebrewMonths = [...]string{
	"ינואר", "פברואר", "מרץ", "אפריל", "מאי", "יוני",
	"יולי", "אוגוסט", "ספטמבר", "אוקטובר", "נובמבר", "דצמבר",
}

// HebrewMonthLabel formats month as "<month name> <year>", e.g. "ספטמבר 2025".
func HebrewMonthLabel(m model.Month) string {
	n := m.Int()
	if n < 1 || n > 12 {
		return ""
	}
	return hebrewMonths[n-1] + " " + m.Year
}

// SplitPhone splits an Israeli mobile number into its 3-digit prefix and the rest.
// "+972-50-1234567" and "050-1234567" both give ("050", "1234567").
func SplitPhone(phone string) (prefix, number string) {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "972") {
		digits = "0" + digits[3:]
	}
	if len(digits) <= 3 {
		return digits, ""
	}
	return digits[:3], digits[3:]
}
