package base

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLimitFromParameter(t *testing.T) {
	tests := []struct {
		Input    interface{}
		Expected uint64
		Min      uint64
		Default  uint64
		Err      string
	}{
		{"foo", 0, 5, 5, "parameter must be an integer, 'foo' invalid"},
		{"50", 50, 5, 5, ""},
		{"5", 25, 25, 50, ""}, // lower than Min returns Min
		{nil, 50, 25, 50, ""}, // nil returns default
		{812, 812, 25, 50, ""},
		{-3, 25, 25, 50, ""},
		{3.5, 0, 25, 50, "invalid value '3.5'"},
	}

	for _, item := range tests {
		t.Run(fmt.Sprint(item.Input), func(t *testing.T) {
			actual, err := GetLimitFromParameter(item.Input, item.Min, item.Default)
			if item.Err != "" {
				assert.EqualError(t, err, item.Err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, item.Expected, actual)
		})
	}
}
