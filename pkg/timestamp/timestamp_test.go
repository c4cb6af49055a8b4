package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeconds(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{"typical", "1700000000", 1700000000000, false},
		{"zero", "0", 0, false},
		{"padded", " 1700000000\n", 1700000000000, false},
		{"negative", "-60", -60000, false},
		{"empty", "", 0, true},
		{"float", "1700000000.5", 0, true},
		{"trailing junk", "1700000000abc", 0, true},
		{"overflow", "99999999999999999", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSeconds(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "2023-11-14T22:13:20.000Z", Format(1700000000000))
	assert.Equal(t, "1970-01-01T00:00:00.000Z", Format(0))
	assert.Equal(t, "2023-11-14T22:13:20.123Z", Format(1700000000123))
}

func TestFormatParseRoundTrip(t *testing.T) {
	ms := int64(1700000000000)
	back, err := Parse(Format(ms))
	require.NoError(t, err)
	assert.Equal(t, ms, back)
	assert.Equal(t, int64(1700000000), ToSeconds(back))
}

func TestToTime_IsUTC(t *testing.T) {
	tm := ToTime(1700000000000)
	assert.Equal(t, time.UTC, tm.Location())
	assert.Equal(t, 2023, tm.Year())
}

func TestNow(t *testing.T) {
	before := time.Now().UnixMilli()
	n := Now()
	assert.GreaterOrEqual(t, n, before)
}
