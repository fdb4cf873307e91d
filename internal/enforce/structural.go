package enforce

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hurttlocker/engram/internal/store"
)

var (
	numberPattern = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	entityPattern = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\b`)
)

var numberWords = map[string]string{
	"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
	"ten": "10", "eleven": "11", "twelve": "12",
}

// structuralMismatch is Stage A: cheap checks that catch the common ways
// a draft disagrees with a stored fact without calling the LLM.
func structuralMismatch(draft string, f *store.Fact) (bool, string) {
	factNums := extractNumbers(f.Value)
	draftNums := extractNumbers(draft)
	if len(factNums) > 0 && len(draftNums) > 0 && !shareAny(factNums, draftNums) {
		return true, fmt.Sprintf("number mismatch: memory says %s for %s/%s, draft says %s",
			strings.Join(factNums, ","), f.Domain, f.Key, strings.Join(draftNums, ","))
	}

	if negationMismatch(draft, f.Value) {
		return true, fmt.Sprintf("negation mismatch against %s/%s", f.Domain, f.Key)
	}

	factEntities := entityPattern.FindAllString(f.Value, -1)
	draftEntities := entityPattern.FindAllString(draft, -1)
	if len(factEntities) > 0 && len(draftEntities) > 0 {
		if !shareAny(lowerAll(factEntities), lowerAll(draftEntities)) {
			return true, fmt.Sprintf("named-entity mismatch: memory says %q for %s/%s",
				f.Value, f.Domain, f.Key)
		}
	}
	return false, ""
}

// extractNumbers pulls digits and spelled-out small numbers, normalized
// to digit strings.
func extractNumbers(text string) []string {
	out := numberPattern.FindAllString(text, -1)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?")
		if d, ok := numberWords[w]; ok {
			out = append(out, d)
		}
	}
	return out
}

// negationMismatch fires when exactly one side negates a shared term:
// "I like cats" vs "you don't like cats".
func negationMismatch(draft, factValue string) bool {
	draftNeg := hasNegation(draft)
	factNeg := hasNegation(factValue)
	if draftNeg == factNeg {
		return false
	}
	// Only meaningful when the texts talk about the same thing at all.
	return shareContentWord(draft, factValue)
}

var negationPattern = regexp.MustCompile(`(?i)\b(not|no|never|don'?t|doesn'?t|isn'?t|aren'?t|won'?t|can'?t)\b`)

func hasNegation(text string) bool {
	return negationPattern.MatchString(text)
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"i": true, "you": true, "your": true, "my": true, "me": true, "it": true,
	"to": true, "of": true, "in": true, "on": true, "and": true, "that": true,
	"do": true, "does": true, "have": true, "has": true,
}

func shareContentWord(a, b string) bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(a)) {
		w = strings.Trim(w, ".,;:!?'\"")
		if len(w) > 2 && !stopWords[w] {
			words[w] = true
		}
	}
	for _, w := range strings.Fields(strings.ToLower(b)) {
		w = strings.Trim(w, ".,;:!?'\"")
		if words[w] {
			return true
		}
	}
	return false
}

func shareAny(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if set[s] {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
