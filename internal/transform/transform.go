// Package transform turns raw scraped field maps into canonical values.
// Every parser here accepts nil or blank input and returns nil rather than
// failing, so a missing column never aborts a record.
package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Raw is one scraped row keyed by normalized column label. Absent columns are
// absent keys.
type Raw map[string]string

// NormalizeKey lower-cases a column label and collapses its whitespace.
func NormalizeKey(label string) string {
	label = strings.TrimSpace(label)
	label = strings.TrimSuffix(label, ":")
	return strings.ToLower(strings.Join(strings.Fields(label), " "))
}

// Field returns the first non-blank value among the given aliases,
// normalized, or nil.
func (r Raw) Field(aliases ...string) *string {
	for _, a := range aliases {
		v, ok := r[NormalizeKey(a)]
		if !ok {
			continue
		}
		if s := NormalizeText(&v); s != nil {
			return s
		}
	}
	return nil
}

// Merge copies keys from other that are missing or blank in r.
func (r Raw) Merge(other Raw) {
	for k, v := range other {
		if cur, ok := r[k]; !ok || strings.TrimSpace(cur) == "" {
			r[k] = v
		}
	}
}

// NormalizeText trims and collapses internal whitespace. Blank yields nil.
func NormalizeText(s *string) *string {
	if s == nil {
		return nil
	}
	out := strings.Join(strings.Fields(*s), " ")
	if out == "" {
		return nil
	}
	return &out
}

var dateLayouts = []string{
	"02/01/2006",
	"2/1/2006",
	"02/01/06",
	"2006-01-02",
	"02-01-2006",
	"02.01.2006",
	"2 January 2006",
	"02 January 2006",
	"2 Jan 2006",
	"02 Jan 2006",
	"January 2, 2006",
	time.RFC3339,
}

// ParseDate accepts the day-first formats the listings use and returns a
// UTC midnight date, or nil when s is blank or unparseable.
func ParseDate(s *string) *time.Time {
	v := NormalizeText(s)
	if v == nil {
		return nil
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, *v)
		if err != nil {
			continue
		}
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return &d
	}
	return nil
}

var moneyStripper = strings.NewReplacer("£", "", ",", "", " ", "", "GBP", "", "gbp", "")

// ParseMoney converts an amount such as "£2,000.50" into pence. Blank,
// negative and malformed amounts yield nil.
func ParseMoney(s *string) *int64 {
	if s == nil {
		return nil
	}
	v := moneyStripper.Replace(strings.TrimSpace(*s))
	if v == "" {
		return nil
	}
	whole, frac, hasFrac := strings.Cut(v, ".")
	if whole == "" {
		whole = "0"
	}
	if !digitsOnly(whole) {
		return nil
	}
	switch {
	case !hasFrac:
		frac = "00"
	case len(frac) == 1 && digitsOnly(frac):
		frac += "0"
	case len(frac) == 2 && digitsOnly(frac):
	default:
		return nil
	}
	pounds, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || pounds > (1<<62)/100 {
		return nil
	}
	pence, _ := strconv.ParseInt(frac, 10, 64)
	total := pounds*100 + pence
	return &total
}

func digitsOnly(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// SplitBreaches splits a breach cell on line breaks, semicolons and pipes,
// dropping blanks and duplicates while keeping order.
func SplitBreaches(s *string) []string {
	if s == nil {
		return nil
	}
	parts := strings.FieldsFunc(*s, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ';' || r == '|'
	})
	seen := make(map[string]struct{}, len(parts))
	var out []string
	for _, p := range parts {
		n := NormalizeText(&p)
		if n == nil {
			continue
		}
		if _, dup := seen[*n]; dup {
			continue
		}
		seen[*n] = struct{}{}
		out = append(out, *n)
	}
	return out
}

// SyntheticID derives a stable identifier from source fields for records
// that carry no reference of their own. Nil parts hash as empty strings.
func SyntheticID(parts ...*string) string {
	h := sha256.New()
	for _, p := range parts {
		if p != nil {
			h.Write([]byte(strings.ToLower(strings.Join(strings.Fields(*p), " "))))
		}
		h.Write([]byte{0x1f})
	}
	return "SYN-" + hex.EncodeToString(h.Sum(nil))[:24]
}

// FormatDate renders d as an ISO date, or nil.
func FormatDate(d *time.Time) *string {
	if d == nil {
		return nil
	}
	s := d.Format("2006-01-02")
	return &s
}
