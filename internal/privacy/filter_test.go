package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskNumber(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+15551234567", "+1555***4567"},
		{"5551234567", "5551**4567"},
		{"1234567", "12*4567"},
		{"12345", "*****"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskNumber(tt.in), tt.in)
	}
}
