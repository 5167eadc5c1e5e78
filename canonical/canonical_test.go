package canonical

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysAtEveryDepth(t *testing.T) {
	in := map[string]any{
		"b": 1,
		"a": map[string]any{
			"z": 1,
			"y": 2,
		},
	}
	out, err := Marshal(in)
	require.NoError(t, err)
	require.Equal(t, `{"a":{"y":2,"z":1},"b":1}`, string(out))
}

func TestMarshalNumberNormalization(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`1`, `1`},
		{`1.0`, `1`},
		{`1e2`, `100`},
		{`1.50`, `1.5`},
	}
	for _, tc := range cases {
		out, err := Marshal(json.RawMessage(tc.in))
		require.NoError(t, err)
		require.Equal(t, tc.want, string(out))
	}
}

func TestEqualIsStableUnderRoundTrip(t *testing.T) {
	a := map[string]any{"x": 1, "y": []any{1, 2, 3}}
	b, err := Marshal(a)
	require.NoError(t, err)

	var decoded any
	require.NoError(t, json.Unmarshal(b, &decoded))

	eq, err := Equal(a, decoded)
	require.NoError(t, err)
	require.True(t, eq)
}
