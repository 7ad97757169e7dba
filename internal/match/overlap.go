// Package match computes interest overlap between two participants.
package match

// Overlap returns the interests present in both a and b, in a's order.
// Duplicates in a contribute a single entry. The order matters: tests and
// clients see shared interests ranked by the searcher's own list.
func Overlap(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}

	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}

	var shared []string
	for _, s := range a {
		if in[s] {
			shared = append(shared, s)
			delete(in, s)
		}
	}
	return shared
}

// Eligible reports whether two interest sets can be paired and returns the
// shared set. Two empty sets are a valid pairing with no shared interests:
// participants with no stated preference still get matched with each other.
func Eligible(a, b []string) ([]string, bool) {
	if len(a) == 0 && len(b) == 0 {
		return nil, true
	}
	shared := Overlap(a, b)
	return shared, len(shared) > 0
}
