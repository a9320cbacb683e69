package traversal

import (
	"bytes"
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/selvadb/selva/internal/hierarchy"
)

// OrderItem is one row of a traversal result pending the `order`
// clause of spec.md §4.K: a node plus the sort key extracted from its
// `order field`.
type OrderItem struct {
	NodeID    hierarchy.NodeID
	Text      string
	Numeric   float64
	IsNumeric bool
}

// SortOrder sorts items in place by their key, breaking ties by NodeID
// byte order (spec.md §4.H: "ties in result-sort are broken by node-id
// comparison"). String keys are compared with a locale-aware collator
// (golang.org/x/text/collate) rather than raw byte order, so results
// match what the `lang` argument of hierarchy.find would expect from a
// real ICU-backed deployment.
func SortOrder(items []OrderItem, desc bool, lang string) {
	col := collate.New(language.Make(lang))
	sort.SliceStable(items, func(i, j int) bool {
		c := compareItems(items[i], items[j], col)
		if c == 0 {
			c = bytes.Compare(items[i].NodeID[:], items[j].NodeID[:])
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func compareItems(a, b OrderItem, col *collate.Collator) int {
	if a.IsNumeric && b.IsNumeric {
		switch {
		case a.Numeric < b.Numeric:
			return -1
		case a.Numeric > b.Numeric:
			return 1
		default:
			return 0
		}
	}
	return col.CompareString(a.Text, b.Text)
}
