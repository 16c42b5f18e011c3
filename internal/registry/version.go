package registry

import (
	"strconv"
	"strings"
)

// CompareVersions orders two dotted numeric version strings, returning
// -1, 0, or 1. Segments compare numerically; a missing segment counts
// as 0, so "1.0" == "1.0.0" and "1.0.0.1" > "1.0.0". Non-numeric
// segments compare as 0.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av := segmentValue(as, i)
		bv := segmentValue(bs, i)
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}

func segmentValue(segments []string, i int) int {
	if i >= len(segments) {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(segments[i]))
	if err != nil {
		return 0
	}
	return v
}
