package reader

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ParseIDs reads a comma-separated list of entry ids where "a-b" stands for
// every id from a to b. The result is sorted without duplicates.
func ParseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(tok, "-")
		first, err := strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
		if err != nil || first < 0 {
			return nil, fmt.Errorf("invalid id %q", tok)
		}
		last := first
		if isRange {
			last, err = strconv.ParseInt(strings.TrimSpace(hi), 10, 64)
			if err != nil || last < first {
				return nil, fmt.Errorf("invalid id range %q", tok)
			}
		}
		for id := first; id <= last; id++ {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}
