package matcher

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var suffixes = map[string]string{
	"ltd":     "limited",
	"limited": "limited",
	"plc":     "plc",
	"co":      "company",
	"company": "company",
	"&":       "and",
}

var punctuation = strings.NewReplacer(".", "", ",", " ", "(", " ", ")", " ", "&", " & ")

// NormalizeName folds case, collapses whitespace and standardizes legal
// suffixes so that "Test   Company Ltd." and "TEST COMPANY LIMITED" agree.
func NormalizeName(name string) string {
	s := norm.NFKC.String(name)
	s = cases.Fold().String(s)
	s = punctuation.Replace(s)
	tokens := strings.Fields(s)

	for i, tok := range tokens {
		if canon, ok := suffixes[tok]; ok {
			tokens[i] = canon
		}
	}
	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		if i+2 < len(tokens) && tokens[i] == "public" && tokens[i+1] == "limited" && tokens[i+2] == "company" {
			out = append(out, "plc")
			i += 2
			continue
		}
		out = append(out, tokens[i])
	}
	return strings.Join(out, " ")
}

// ukPostcode matches outward and inward codes with optional spacing.
var ukPostcode = regexp.MustCompile(`(?i)\b([A-Z]{1,2}[0-9][A-Z0-9]?)\s*([0-9][A-Z]{2})\b`)

// ExtractPostcode returns the last UK postcode in address, upper-cased with
// no space. A nil, empty or postcode-free address yields nil.
func ExtractPostcode(address *string) *string {
	if address == nil || strings.TrimSpace(*address) == "" {
		return nil
	}
	matches := ukPostcode.FindAllStringSubmatch(*address, -1)
	if len(matches) == 0 {
		return nil
	}
	m := matches[len(matches)-1]
	pc := strings.ToUpper(m[1] + m[2])
	return &pc
}

// Similarity is the Jaccard ratio of the two names' rune sets, whitespace
// excluded. Two empty names are dissimilar.
func Similarity(a, b string) float64 {
	setA := runeSet(a)
	setB := runeSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for r := range setA {
		if _, ok := setB[r]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func runeSet(s string) map[rune]struct{} {
	set := make(map[rune]struct{}, len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		set[r] = struct{}{}
	}
	return set
}

// NameRunes is the number of distinct non-space runes in a normalized name.
func NameRunes(normalized string) int {
	return len(runeSet(normalized))
}

// runeBounds returns the range of rune-set sizes a name needs to reach
// threshold against a name with n distinct runes. Jaccard similarity
// cannot exceed min(n, m)/max(n, m).
func runeBounds(n int, threshold float64) (lo, hi int) {
	if threshold <= 0 {
		return 0, math.MaxInt32
	}
	lo = int(math.Ceil(float64(n)*threshold - 1e-9))
	hi = int(math.Floor(float64(n)/threshold + 1e-9))
	return lo, hi
}
