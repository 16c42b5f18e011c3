package ca

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWildcardPattern(t *testing.T) {
	base := "mynetwk.biz"
	tests := []struct {
		name string
		w    Wildcard
		want string
	}{
		{"global", Wildcard{Kind: WildcardGlobal}, "*.mynetwk.biz"},
		{"legacy code", Wildcard{Kind: WildcardLegacyCode}, "*.code.mynetwk.biz"},
		{"per-app", AppWildcard("hello"), "*.hello.mynetwk.biz"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.w.Pattern(base))
		})
	}
}

func TestWildcardCodecRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		w    Wildcard
		json string
	}{
		{"global", Wildcard{Kind: WildcardGlobal}, `"global"`},
		{"code", Wildcard{Kind: WildcardLegacyCode}, `"code"`},
		{"app", AppWildcard("hello"), `{"app":"hello"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := json.Marshal(tc.w)
			require.NoError(t, err)
			require.JSONEq(t, tc.json, string(out))

			var back Wildcard
			require.NoError(t, json.Unmarshal(out, &back))
			require.Equal(t, tc.w, back)
		})
	}
}

func TestWildcardMainAliasReadsAsGlobal(t *testing.T) {
	var w Wildcard
	require.NoError(t, json.Unmarshal([]byte(`"main"`), &w))
	require.Equal(t, WildcardGlobal, w.Kind)

	// The alias is never written back.
	out, err := json.Marshal(w)
	require.NoError(t, err)
	require.Equal(t, `"global"`, string(out))
}

func TestWildcardDecodeRejectsUnknown(t *testing.T) {
	var w Wildcard
	require.Error(t, json.Unmarshal([]byte(`"sideways"`), &w))
	require.Error(t, json.Unmarshal([]byte(`{"app":""}`), &w))
}
