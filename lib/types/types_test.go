package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullDuration(t *testing.T) {
	t.Parallel()

	t.Run("JSON", func(t *testing.T) {
		t.Parallel()

		var d NullDuration
		require.NoError(t, json.Unmarshal([]byte(`"1.5s"`), &d))
		assert.Equal(t, NullDurationFrom(1500*time.Millisecond), d)

		require.NoError(t, json.Unmarshal([]byte(`250`), &d))
		assert.Equal(t, NullDurationFrom(250*time.Millisecond), d)

		require.NoError(t, json.Unmarshal([]byte(`null`), &d))
		assert.False(t, d.Valid)

		data, err := json.Marshal(NullDuration{})
		require.NoError(t, err)
		assert.Equal(t, `null`, string(data))
	})

	t.Run("Text", func(t *testing.T) {
		t.Parallel()

		var d NullDuration
		require.NoError(t, d.UnmarshalText([]byte("3s")))
		assert.Equal(t, 3*time.Second, d.TimeDuration())

		require.NoError(t, d.UnmarshalText(nil))
		assert.False(t, d.Valid)
		assert.Equal(t, Duration(0), d.ValueOrZero())

		assert.Error(t, d.UnmarshalText([]byte("three seconds")))
	})
}

func TestGetDurationValue(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		in  interface{}
		exp time.Duration
	}{
		{int64(100), 100 * time.Millisecond},
		{float64(1.5), 1500 * time.Microsecond},
		{"2s", 2 * time.Second},
		{"20", 20 * time.Millisecond},
		{time.Minute, time.Minute},
	}
	for _, tc := range testCases {
		d, err := GetDurationValue(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.exp, d)
	}

	_, err := GetDurationValue(struct{}{})
	assert.Error(t, err)
}
