package qos

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDSCP_ValidNames(t *testing.T) {
	tests := []struct {
		name     string
		expected int
	}{
		{"EF", 46},
		{"ef", 46},
		{"AF41", 34},
		{"af41", 34},
		{"AF11", 10},
		{"AF43", 38},
		{"CS0", 0},
		{"CS1", 8},
		{"CS7", 56},
		{"  AF31  ", 26},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			val, err := ParseDSCP(tt.name)
			require.NoError(t, err)
			require.Equal(t, tt.expected, val)
		})
	}
}

func TestParseDSCP_Empty(t *testing.T) {
	val, err := ParseDSCP("")
	require.NoError(t, err)
	require.Equal(t, 0, val)
}

func TestParseDSCP_Invalid(t *testing.T) {
	invalids := []string{"DSCP1", "XX", "AF50", "best-effort", "42"}

	for _, name := range invalids {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDSCP(name)
			require.Error(t, err)
		})
	}
}
