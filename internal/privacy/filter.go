package privacy

import "strings"

// MaskNumber hides the middle digits of a phone number for log output,
// keeping the leading country/area prefix and the last four digits.
func MaskNumber(number string) string {
	n := len(number)
	if n <= 6 {
		return strings.Repeat("*", n)
	}
	keep := 4
	if strings.HasPrefix(number, "+") {
		keep = 5
	}
	if keep+4 >= n {
		keep = n - 4 - 1
	}
	return number[:keep] + strings.Repeat("*", n-keep-4) + number[n-4:]
}
