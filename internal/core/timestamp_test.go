package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	cases := []struct {
		in    string
		want  time.Time
		zoned bool
	}{
		{"2024-02-13T03:00:00.000Z", time.Date(2024, 2, 13, 3, 0, 0, 0, time.UTC), true},
		{"2024-02-13T04:00:00+01:00", time.Date(2024, 2, 13, 3, 0, 0, 0, time.UTC), true},
		{"2024-11-30T19:53:57.016797", time.Date(2024, 11, 30, 19, 53, 57, 16797000, time.UTC), false},
		{"2024-02-13 03:00:00", time.Date(2024, 2, 13, 3, 0, 0, 0, time.UTC), false},
		{"2024-02-13 03:00:00+00:00", time.Date(2024, 2, 13, 3, 0, 0, 0, time.UTC), true},
		{"2024-02-13", time.Date(2024, 2, 13, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, zoned, err := ParseTimestamp(tc.in)
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(got))
			assert.Equal(t, time.UTC, got.Location())
			assert.Equal(t, tc.zoned, zoned)
		})
	}

	_, err := ParseTimestampUTC("13/02/2024")
	assert.Error(t, err)
}
