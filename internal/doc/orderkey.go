package doc

import "strings"

// Alphabet for fractional order keys. Keys are compared as plain strings,
// so the alphabet must be in byte order.
const keyDigits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// KeyBetween returns an order key strictly between a and b.
// An empty a means "before everything", an empty b means "after everything".
// Generated keys never end in the smallest digit, so there is always room
// to generate another key between any two existing ones.
func KeyBetween(a, b string) string {
	if b != "" && a >= b {
		// Bounds out of order; keep going rather than corrupting the
		// sequence. Ties on equal keys are broken by (clock, conn).
		return a + string(keyDigits[len(keyDigits)/2])
	}
	return midpoint(a, b)
}

func midpoint(a, b string) string {
	if b != "" {
		// Shared prefix is kept verbatim, midpoint applies to the rest.
		n := 0
		for n < len(b) && digitAt(a, n) == b[n] {
			n++
		}
		if n > 0 {
			return b[:n] + midpoint(sliceFrom(a, n), b[n:])
		}
	}

	digitA := 0
	if a != "" {
		digitA = strings.IndexByte(keyDigits, a[0])
	}
	digitB := len(keyDigits)
	if b != "" {
		digitB = strings.IndexByte(keyDigits, b[0])
	}

	if digitB-digitA > 1 {
		return string(keyDigits[(digitA+digitB+1)/2])
	}

	// Consecutive leading digits: extend under a instead.
	if len(b) > 1 {
		return b[:1]
	}
	return string(keyDigits[digitA]) + midpoint(sliceFrom(a, 1), "")
}

func digitAt(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return keyDigits[0]
}

func sliceFrom(s string, i int) string {
	if i < len(s) {
		return s[i:]
	}
	return ""
}
