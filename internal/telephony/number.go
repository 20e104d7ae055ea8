package telephony

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNotRoutable = errors.New("number is not carrier-routable")

// NormalizeE164 converts a user-entered phone number to E.164. Ten-digit
// numbers are treated as NANP.
func NormalizeE164(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrNotRoutable)
	}

	plus := strings.HasPrefix(raw, "+")
	var digits strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", fmt.Errorf("%w: %q", ErrNotRoutable, raw)
		}
	}
	d := digits.String()

	switch {
	case plus && len(d) >= 8 && len(d) <= 15 && d[0] != '0':
		return "+" + d, nil
	case !plus && len(d) == 10 && d[0] >= '2':
		return "+1" + d, nil
	case !plus && len(d) == 11 && d[0] == '1' && d[1] >= '2':
		return "+" + d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrNotRoutable, raw)
}
