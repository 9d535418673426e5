package browser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	otpPlaceholderHints = []string{"קוד", "הקלד"}
	otpTextHints        = []string{"קוד", "OTP", "נשלח", "הקלד"}
)

// Option is one <option> of a <select>.
type Option struct {
	Value    string
	Label    string
	Selected bool
}

func parse(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page html: %w", err)
	}
	return doc, nil
}

// DetectOTPChallenge reports whether the page looks like an OTP entry step: a code-style
// input (placeholder hint, tel or number type) or body text mentioning the code.
func DetectOTPChallenge(html string) (bool, error) {
	doc, err := parse(html)
	if err != nil {
		return false, err
	}

	found := false
	doc.Find("input").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		typ := strings.ToLower(s.AttrOr("type", ""))
		if typ == "tel" || typ == "number" || containsAny(s.AttrOr("placeholder", ""), otpPlaceholderHints) {
			found = true
			return false
		}
		return true
	})
	if found {
		return true, nil
	}
	return containsAny(doc.Find("body").Text(), otpTextHints), nil
}

// ContainsText reports whether the page body text contains text.
func ContainsText(html, text string) (bool, error) {
	doc, err := parse(html)
	if err != nil {
		return false, err
	}
	return strings.Contains(doc.Find("body").Text(), text), nil
}

// SelectOptions lists the options of the first <select> matching sel.
func SelectOptions(html, sel string) ([]Option, error) {
	doc, err := parse(html)
	if err != nil {
		return nil, err
	}
	var out []Option
	doc.Find(sel).First().Find("option").Each(func(_ int, s *goquery.Selection) {
		label := strings.TrimSpace(s.Text())
		out = append(out, Option{
			Value:    s.AttrOr("value", label),
			Label:    label,
			Selected: s.Is("[selected]"),
		})
	})
	return out, nil
}

func containsAny(s string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}
