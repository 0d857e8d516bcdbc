// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import "strings"

// CompareSequence compares two decimal sequence numbers numerically and
// returns -1, 0 or +1. Sequence numbers exceed 64 bits, so they are compared
// by digit count first and lexicographically second.
func CompareSequence(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return strings.Compare(a, b)
	}
}
