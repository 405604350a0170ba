package query

import "sort"

// SortDocuments sorts docs in place by field, ascending unless desc is set.
// T is constrained to map[string]interface{}-shaped documents so callers
// can pass []storage.Document directly without a conversion allocation.
func SortDocuments[T ~map[string]interface{}](docs []T, field string, desc bool) {
	sort.SliceStable(docs, func(i, j int) bool {
		cmp := CompareValues(docs[i][field], docs[j][field])
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
}
