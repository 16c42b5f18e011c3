package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.1.0", "1.0.0", 1},
		{"1.0.0.1", "1.0.0", 1},
		{"1.0.0", "1.0.0", 0},
		{"1.0", "1.0.0", 0},
		{"0.9.9", "1.0.0", -1},
		{"2", "1.9.9", 1},
		{"1.0.0", "1.0.0.1", -1},
		{"", "0.0.0", 0},
	}
	for _, tc := range tests {
		t.Run(tc.a+" vs "+tc.b, func(t *testing.T) {
			require.Equal(t, tc.want, CompareVersions(tc.a, tc.b))
		})
	}
}
