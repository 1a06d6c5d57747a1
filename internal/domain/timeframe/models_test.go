package timeframe

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
)

func testKeys(t *testing.T, n int) []keys.PublicKey {
	out := make([]keys.PublicKey, 0, n)
	for i := 0; i < n; i++ {
		pair, err := keys.Generate()
		require.NoError(t, err)
		out = append(out, pair.Public)
	}
	return out
}

func TestTimeframe_SetIsMonotonic(t *testing.T) {
	ks := testKeys(t, 1)
	tf := New()
	tf2 := tf.Set(ks[0], 5)
	tf3 := tf2.Set(ks[0], 3)

	_, ok := tf.Get(ks[0])
	assert.False(t, ok, "original value must not change")
	seq, _ := tf3.Get(ks[0])
	assert.EqualValues(t, 5, seq)
}

func TestMerge(t *testing.T) {
	ks := testKeys(t, 3)
	a := New(Frame{ks[0], 1}, Frame{ks[1], 7})
	b := New(Frame{ks[0], 4}, Frame{ks[2], 0})
	merged := Merge(a, b)
	assert.True(t, merged.Equals(New(Frame{ks[0], 4}, Frame{ks[1], 7}, Frame{ks[2], 0})))
	assert.EqualValues(t, 5+8+1, merged.Total())
}

func TestDependencies(t *testing.T) {
	ks := testKeys(t, 3)
	tests := []struct {
		name    string
		target  Timeframe
		current Timeframe
		want    Timeframe
	}{
		{
			name:    "nothing missing when current is ahead",
			target:  New(Frame{ks[0], 2}),
			current: New(Frame{ks[0], 3}),
			want:    New(),
		},
		{
			name:    "equal seqs are not missing",
			target:  New(Frame{ks[0], 3}),
			current: New(Frame{ks[0], 3}),
			want:    New(),
		},
		{
			name:    "strictly greater seqs are missing",
			target:  New(Frame{ks[0], 4}, Frame{ks[1], 1}),
			current: New(Frame{ks[0], 3}, Frame{ks[1], 1}),
			want:    New(Frame{ks[0], 4}),
		},
		{
			name:    "absent feeds are missing, even at seq 0",
			target:  New(Frame{ks[2], 0}),
			current: New(Frame{ks[0], 9}),
			want:    New(Frame{ks[2], 0}),
		},
		{
			name:    "empty target has no dependencies",
			target:  New(),
			current: New(),
			want:    New(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Dependencies(tt.target, tt.current)
			assert.True(t, tt.want.Equals(got), "want %v got %v", tt.want, got)
		})
	}
}

func TestGaps(t *testing.T) {
	ks := testKeys(t, 2)
	target := New(Frame{ks[0], 5}, Frame{ks[1], 2})
	current := New(Frame{ks[0], 3})
	gaps := Gaps(target, current)
	assert.ElementsMatch(t, []Gap{
		{Key: ks[0], From: 4, To: 5},
		{Key: ks[1], From: 0, To: 2},
	}, gaps)
}

func TestTimeframe_JSON(t *testing.T) {
	ks := testKeys(t, 2)
	tf := New(Frame{ks[0], 1}, Frame{ks[1], 12})
	raw, err := json.Marshal(tf)
	require.NoError(t, err)
	var parsed Timeframe
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.True(t, tf.Equals(parsed))
	assert.Contains(t, string(raw), ks[0].Hex())
}

func TestTimeframe_Covers(t *testing.T) {
	ks := testKeys(t, 2)
	tf := New(Frame{ks[0], feed.Seq(3)})
	assert.True(t, tf.Covers(ks[0], 0))
	assert.True(t, tf.Covers(ks[0], 3))
	assert.False(t, tf.Covers(ks[0], 4))
	assert.False(t, tf.Covers(ks[1], 0))
	assert.False(t, tf.Without(ks[0]).Covers(ks[0], 0))
}
