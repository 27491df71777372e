package models

import "strings"

// TruncateDecimal4 truncates a decimal string to 4 fractional digits
// without rounding, matching the DECIMAL(12,4) storage precision. A
// value with 4 or fewer fractional digits, or no decimal point at
// all, is returned unchanged.
func TruncateDecimal4(s string) string {
	dot := strings.IndexByte(s, '.')
	if dot == -1 {
		return s
	}
	frac := s[dot+1:]
	if len(frac) <= 4 {
		return s
	}
	return s[:dot+1+4]
}
