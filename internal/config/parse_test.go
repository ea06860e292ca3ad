package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_CommentOnlyAfterWhitespace(t *testing.T) {
	// S7: the comment begins only at " ;" (space + ";"), so a value
	// containing an inline ";" with no preceding space survives intact.
	doc, err := Parse(strings.NewReader(`tuya_local_key = abc;def#ghi ; inline note` + "\n"))
	require.NoError(t, err)

	v, ok := doc.Section("").String("tuya_local_key")
	require.True(t, ok)
	require.Equal(t, "abc;def#ghi", v)
}

func TestParse_HashCommentSameRule(t *testing.T) {
	doc, err := Parse(strings.NewReader("key = value#not-a-comment # this is\n"))
	require.NoError(t, err)

	v, ok := doc.Section("").String("key")
	require.True(t, ok)
	require.Equal(t, "value#not-a-comment", v)
}

func TestParse_Sections(t *testing.T) {
	input := `
[general]
plugin_instances = deye1, bms1
poll_interval_seconds = 10

; a full-line comment
[deye1]
plugin_type = plugin.deye.hybrid
connection_type = tcp
`
	doc, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	gen := doc.Section("general")
	require.NotNil(t, gen)
	v, ok := gen.String("plugin_instances")
	require.True(t, ok)
	require.Equal(t, "deye1, bms1", v)

	deye := doc.Section("deye1")
	require.NotNil(t, deye)
	pt, ok := deye.String("plugin_type")
	require.True(t, ok)
	require.Equal(t, "plugin.deye.hybrid", pt)
}

func TestParse_QuoteStripping(t *testing.T) {
	doc, err := Parse(strings.NewReader(`password = "s3cr3t"` + "\n" + `other = 'abc'` + "\n"))
	require.NoError(t, err)

	v, _ := doc.Section("").String("password")
	require.Equal(t, "s3cr3t", v)
	v2, _ := doc.Section("").String("other")
	require.Equal(t, "abc", v2)
}

func TestSection_Bool(t *testing.T) {
	doc, err := Parse(strings.NewReader("a = TRUE\nb = No\nc = 1\nd = 0\n"))
	require.NoError(t, err)
	s := doc.Section("")

	for key, want := range map[string]bool{"a": true, "b": false, "c": true, "d": false} {
		got, err := s.Bool(key, false)
		require.NoError(t, err)
		require.Equal(t, want, got, key)
	}
}
