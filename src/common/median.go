package common

import (
	"sort"
	"time"
)

// Median gets the median duration in a slice of durations. It is used to
// summarize commit latencies on the status surface.
func Median(input []time.Duration) (median time.Duration) {

	// Sort a copy of the slice
	s := make([]time.Duration, len(input))
	copy(s, input)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })

	l := len(s)
	if l == 0 {
		return 0
	} else if l%2 == 0 {
		mid := l/2 - 1
		median = (s[mid] + s[mid+1]) / 2
	} else {
		median = s[l/2]
	}

	return median
}
