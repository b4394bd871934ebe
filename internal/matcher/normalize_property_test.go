package matcher

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNormalizeNameProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("normalization is idempotent", prop.ForAll(
		func(s string) bool {
			once := NormalizeName(s)
			return NormalizeName(once) == once
		},
		gen.RegexMatch(`[A-Za-z .,&()]{0,40}`),
	))

	properties.Property("extra whitespace never changes the result", prop.ForAll(
		func(words []string) bool {
			tight := ""
			loose := "  "
			for _, w := range words {
				tight += w + " "
				loose += w + "   \t "
			}
			return NormalizeName(tight) == NormalizeName(loose)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("similarity is symmetric and bounded", prop.ForAll(
		func(a, b string) bool {
			ab := Similarity(a, b)
			return ab == Similarity(b, a) && ab >= 0 && ab <= 1
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
