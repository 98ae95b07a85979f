package jsonutil_test

import (
	"math"
	"testing"
	"time"

	"github.com/jvs-project/lvsnap/pkg/jsonutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalMarshal_SortedKeys(t *testing.T) {
	out, err := jsonutil.CanonicalMarshal(map[string]any{"zebra": 1, "alpha": 2, "mid": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":3,"zebra":1}`, string(out))
}

func TestCanonicalMarshal_Nested(t *testing.T) {
	input := map[string]any{
		"b": map[string]any{"z": 1, "a": []any{map[string]any{"y": true, "x": nil}}},
		"a": 0,
	}
	out, err := jsonutil.CanonicalMarshal(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":0,"b":{"a":[{"x":null,"y":true}],"z":1}}`, string(out))
}

func TestCanonicalMarshal_LargeIntegersExact(t *testing.T) {
	out, err := jsonutil.CanonicalMarshal(map[string]any{"n": int64(math.MaxInt64), "f": 1.5})
	require.NoError(t, err)
	assert.Equal(t, `{"f":1.5,"n":9223372036854775807}`, string(out))
}

func TestCanonicalMarshal_StructSortsFields(t *testing.T) {
	type record struct {
		Zebra int       `json:"zebra"`
		Alpha string    `json:"alpha"`
		At    time.Time `json:"at"`
	}
	at := time.Date(2026, 10, 18, 3, 0, 0, 0, time.UTC)
	out, err := jsonutil.CanonicalMarshal(record{Zebra: 1, Alpha: "a", At: at})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"a","at":"2026-10-18T03:00:00Z","zebra":1}`, string(out))
}

func TestCanonicalMarshal_Deterministic(t *testing.T) {
	input := map[string]any{"k1": "v", "k2": []any{3, 2, 1}, "k3": map[string]any{"b": 1, "a": 2}}
	first, err := jsonutil.CanonicalMarshal(input)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := jsonutil.CanonicalMarshal(input)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCanonicalMarshal_Unsupported(t *testing.T) {
	_, err := jsonutil.CanonicalMarshal(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestDigest_KeyOrderIndependent(t *testing.T) {
	a, err := jsonutil.Digest(map[string]any{"event": "post-mount", "volume": "vg0/data"})
	require.NoError(t, err)
	b, err := jsonutil.Digest(map[string]any{"volume": "vg0/data", "event": "post-mount"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c, err := jsonutil.Digest(map[string]any{"volume": "vg0/home", "event": "post-mount"})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestDigest_KnownValue(t *testing.T) {
	// sha256 of "{}"
	d, err := jsonutil.Digest(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a", d)
}
