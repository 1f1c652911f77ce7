package gc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	tests := []struct {
		config map[interface{}]interface{}
		want   PurgeOption
		err    string
	}{
		{
			config: map[interface{}]interface{}{"enabled": true, "age": "120h", "interval": "48h", "dryrun": false},
			want:   PurgeOption{Enabled: true, Age: 120 * time.Hour, Interval: 48 * time.Hour},
		},
		{
			config: map[interface{}]interface{}{"dryrun": true},
			want:   PurgeOption{Enabled: true, Age: time.Hour, Interval: 10 * time.Minute, DryRun: true},
		},
		{
			config: map[interface{}]interface{}{"enabled": false},
			want:   PurgeOption{Age: time.Hour, Interval: 10 * time.Minute},
		},
		{config: map[interface{}]interface{}{"age": "aaaa"}, err: "age"},
		{config: map[interface{}]interface{}{"interval": "aaaa"}, err: "interval"},
		{config: map[interface{}]interface{}{"interval": 12}, err: "interval is not a string"},
		{config: map[interface{}]interface{}{"age": "-1h"}, err: "age must be positive"},
		{config: map[interface{}]interface{}{"enabled": "yes"}, err: "enabled"},
		{config: map[interface{}]interface{}{"dryrun": "no"}, err: "dryrun"},
	}

	for _, tc := range tests {
		got, err := ParseConfig(tc.config)
		if tc.err != "" {
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, *got)
	}
}
