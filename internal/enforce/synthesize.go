package enforce

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hurttlocker/engram/internal/store"
)

// synthesize builds the replacement reply from canonical memory. Numbered
// key families (child_1, child_2) render as a single list sentence; plain
// facts render as short "your X is Y" statements.
func (e *Enforcer) synthesize(ctx context.Context, userMessage string, facts []*store.Fact) (string, error) {
	if len(facts) == 0 {
		return "", fmt.Errorf("nothing to synthesize from")
	}

	grouped := groupNumbered(facts)
	parts := make([]string, 0, len(grouped))
	for _, g := range grouped {
		if len(g.members) > 1 {
			parts = append(parts, fmt.Sprintf("your %s are %s",
				pluralize(g.prefix), joinNatural(values(g.members))))
			continue
		}
		f := g.members[0]
		parts = append(parts, fmt.Sprintf("your %s is %s", humanKey(f.Key), f.Value))
	}
	return "Based on what you've told me, " + strings.Join(parts, "; ") + ".", nil
}

type numberedGroup struct {
	prefix  string
	members []*store.Fact
}

// groupNumbered folds child_1, child_2 into one group keyed by prefix;
// everything else is its own group. Group order follows first appearance.
func groupNumbered(facts []*store.Fact) []numberedGroup {
	order := make([]string, 0, len(facts))
	byPrefix := make(map[string][]*store.Fact)
	for _, f := range facts {
		key := f.Key
		if m := numberedFamily.FindStringSubmatch(f.Key); m != nil {
			key = m[1]
		}
		if _, ok := byPrefix[key]; !ok {
			order = append(order, key)
		}
		byPrefix[key] = append(byPrefix[key], f)
	}

	out := make([]numberedGroup, 0, len(order))
	for _, prefix := range order {
		members := byPrefix[prefix]
		sort.SliceStable(members, func(i, j int) bool { return members[i].Key < members[j].Key })
		out = append(out, numberedGroup{prefix: prefix, members: members})
	}
	return out
}

var numberedFamily = regexp.MustCompile(`^([a-z][a-z0-9_]*?)_(\d+)$`)

func values(facts []*store.Fact) []string {
	out := make([]string, len(facts))
	for i, f := range facts {
		out[i] = f.Value
	}
	return out
}

// joinNatural renders "A", "A and B", "A, B, and C".
func joinNatural(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") + ", and " + items[len(items)-1]
	}
}

func humanKey(key string) string {
	return strings.ReplaceAll(key, "_", " ")
}

var irregularPlurals = map[string]string{
	"child":  "children",
	"person": "people",
}

func pluralize(word string) string {
	word = humanKey(word)
	if p, ok := irregularPlurals[word]; ok {
		return p
	}
	switch {
	case strings.HasSuffix(word, "s"):
		return word
	case strings.HasSuffix(word, "y"):
		return word[:len(word)-1] + "ies"
	default:
		return word + "s"
	}
}
