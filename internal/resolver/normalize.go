package resolver

import (
	"strings"
	"unicode"
)

// legalSuffixes are trailing tokens dropped during name normalization so
// "Acme Holdings Inc" and "ACME HOLDINGS, LLC" compare equal.
var legalSuffixes = map[string]struct{}{
	"inc": {},
	"llc": {},
	"co":  {},
	"ltd": {},
}

// Normalize produces the comparison form of an entity name: case-folded,
// punctuation collapsed to single spaces, trailing legal suffixes removed.
//
// Stripping never consumes the whole name: a company actually named "Ltd"
// keeps its one token.
func Normalize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastSpace := true
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	folded := strings.TrimSpace(b.String())
	if folded == "" {
		return ""
	}

	tokens := strings.Fields(folded)
	trimmed := tokens
	for len(trimmed) > 1 {
		if _, ok := legalSuffixes[trimmed[len(trimmed)-1]]; !ok {
			break
		}
		trimmed = trimmed[:len(trimmed)-1]
	}
	if len(trimmed) == 0 {
		trimmed = tokens
	}
	return strings.Join(trimmed, " ")
}

// editDistance computes the classic dynamic-programming string edit distance
// between a and b: insert, delete, and substitute each cost 1.
func editDistance(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = minInt(
				prev[j]+1,      // delete
				cur[j-1]+1,     // insert
				prev[j-1]+cost, // substitute
			)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// Similarity scores two normalized names in [0,1]:
// 1 - editDistance/max(len). Two empty names are identical.
func Similarity(a, b string) float64 {
	la := len([]rune(a))
	lb := len([]rune(b))
	max := la
	if lb > max {
		max = lb
	}
	if max == 0 {
		return 1
	}
	return 1 - float64(editDistance(a, b))/float64(max)
}

func minInt(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
