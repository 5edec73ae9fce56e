package engine

// Sequence numbers (delivery-count, delivery-id, transfer-id) compare
// using RFC 1982 serial arithmetic with a 32 bit serial bits value.

// serialLess reports whether a precedes b.
func serialLess(a, b uint32) bool {
	d := b - a
	return d != 0 && d < 1<<31
}

// serialDiff returns how far a is ahead of b, or 0 when it is not.
func serialDiff(a, b uint32) uint32 {
	if serialLess(b, a) {
		return a - b
	}
	return 0
}

// serialInRange reports whether n lies in [first, last].
func serialInRange(n, first, last uint32) bool {
	return !serialLess(n, first) && !serialLess(last, n)
}

// remaining returns n less used, or 0 when used covers all of n.
func remaining(n, used uint32) uint32 {
	if n > used {
		return n - used
	}
	return 0
}
