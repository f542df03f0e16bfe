package argparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNoOptions(t *testing.T) {
	ap := NewArgParserWithVariableArgs("test")
	res, err := ap.Parse([]string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, res.Args)
	assert.Equal(t, 3, res.NArg())
}

func TestParseHelp(t *testing.T) {
	ap := NewArgParserWithVariableArgs("test")
	_, err := ap.Parse([]string{"-h"})
	assert.Equal(t, ErrHelp, err)

	_, err = ap.Parse([]string{"--help"})
	assert.Equal(t, ErrHelp, err)
}

func TestParseLongFlag(t *testing.T) {
	ap := NewArgParserWithVariableArgs("test").SupportsFlag("force", "f", "force desc")
	res, err := ap.Parse([]string{"--force", "b", "c"})
	require.NoError(t, err)
	assert.True(t, res.Contains("force"))
	assert.Equal(t, []string{"b", "c"}, res.Args)
}

func TestParseShortFlagAbbrev(t *testing.T) {
	ap := NewArgParserWithVariableArgs("test").SupportsFlag("force", "f", "force desc")
	res, err := ap.Parse([]string{"b", "-f", "c"})
	require.NoError(t, err)
	assert.True(t, res.Contains("force"))
	assert.Equal(t, []string{"b", "c"}, res.Args)
}

func TestParseLongValueNextToken(t *testing.T) {
	ap := NewArgParserWithVariableArgs("test").SupportsString("message", "m", "msg", "msg desc")
	res, err := ap.Parse([]string{"--message", "hello", "c"})
	require.NoError(t, err)
	v, ok := res.GetValue("message")
	require.True(t, ok)
	assert.Equal(t, "hello", v)
	assert.Equal(t, []string{"c"}, res.Args)
}

func TestParseLongValueEquals(t *testing.T) {
	ap := NewArgParserWithVariableArgs("test").SupportsString("message", "m", "msg", "msg desc")
	res, err := ap.Parse([]string{"b", "--message=value", "c"})
	require.NoError(t, err)
	v, _ := res.GetValue("message")
	assert.Equal(t, "value", v)
	assert.Equal(t, []string{"b", "c"}, res.Args)
}

func TestParseLongValueColon(t *testing.T) {
	ap := NewArgParserWithVariableArgs("test").SupportsString("message", "m", "msg", "msg desc")
	res, err := ap.Parse([]string{"b", "--message:value", "c"})
	require.NoError(t, err)
	v, _ := res.GetValue("message")
	assert.Equal(t, "value", v)
}

func TestParseShortValueAttached(t *testing.T) {
	ap := NewArgParserWithVariableArgs("test").SupportsString("message", "m", "msg", "msg desc")
	res, err := ap.Parse([]string{"-mvalue"})
	require.NoError(t, err)
	v, _ := res.GetValue("message")
	assert.Equal(t, "value", v)
	assert.Empty(t, res.Args)
}

func TestParseShortClusteredFlags(t *testing.T) {
	ap := NewArgParserWithVariableArgs("test").
		SupportsFlag("force", "f", "").
		SupportsFlag("all", "a", "")
	res, err := ap.Parse([]string{"-fa"})
	require.NoError(t, err)
	assert.True(t, res.Contains("force"))
	assert.True(t, res.Contains("all"))
}

func TestParseShortClusterEndingInValue(t *testing.T) {
	ap := NewArgParserWithVariableArgs("test").
		SupportsFlag("force", "f", "").
		SupportsString("message", "m", "msg", "")
	res, err := ap.Parse([]string{"-fm", "hello"})
	require.NoError(t, err)
	assert.True(t, res.Contains("force"))
	v, _ := res.GetValue("message")
	assert.Equal(t, "hello", v)
	assert.Empty(t, res.Args)
}

func TestParseUnknownLongOption(t *testing.T) {
	ap := NewArgParserWithVariableArgs("test")
	_, err := ap.Parse([]string{"--bogus"})
	require.Error(t, err)
	assert.Equal(t, UnknownArgumentParam{Name: "bogus"}, err)
}

func TestParseUnknownShortOption(t *testing.T) {
	ap := NewArgParserWithVariableArgs("test")
	_, err := ap.Parse([]string{"-v"})
	require.Error(t, err)
	assert.Equal(t, UnknownArgumentParam{Name: "v"}, err)
}

func TestParseDuplicateFlagErrors(t *testing.T) {
	ap := NewArgParserWithVariableArgs("test").SupportsFlag("force", "f", "")
	_, err := ap.Parse([]string{"-f", "-f"})
	require.Error(t, err)
}

func TestParseListOption(t *testing.T) {
	ap := NewArgParserWithVariableArgs("test").SupportsList("not", "", "branches", "")
	res, err := ap.Parse([]string{"value", "--not", "main", "branch"})
	require.NoError(t, err)
	v, _ := res.GetValue("not")
	assert.Equal(t, "main,branch", v)
	assert.Equal(t, []string{"value"}, res.Args)
}

func TestParseMaxArgsExceeded(t *testing.T) {
	ap := NewArgParserWithMaxArgs("test", 1)
	_, err := ap.Parse([]string{"foo", "bar"})
	require.Error(t, err)
}

func TestParseMaxArgsWithinBound(t *testing.T) {
	ap := NewArgParserWithMaxArgs("test", 1)
	res, err := ap.Parse([]string{"foo"})
	require.NoError(t, err)
	assert.Equal(t, []string{"foo"}, res.Args)
}

func TestValidationHookRejectsValue(t *testing.T) {
	ap := NewArgParserWithVariableArgs("test")
	ap.SupportOption(&Option{
		Name: "count", Abbrev: "c", OptionType: OptionalValue,
		Validation: func(v string) (string, error) {
			if v != "ok" {
				return "", assertErr("bad value")
			}
			return v, nil
		},
	})
	_, err := ap.Parse([]string{"-c", "nope"})
	require.Error(t, err)

	res, err := ap.Parse([]string{"-c", "ok"})
	require.NoError(t, err)
	v, _ := res.GetValue("count")
	assert.Equal(t, "ok", v)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestUsageListsOptions(t *testing.T) {
	ap := NewArgParserWithVariableArgs("widget").
		SupportsFlag("force", "f", "force it").
		SupportsString("name", "n", "name", "a name")
	usage := ap.Usage()
	assert.Contains(t, usage, "usage: widget")
	assert.Contains(t, usage, "--force, -f")
	assert.Contains(t, usage, "force it")
	assert.Contains(t, usage, "--name, -n <name>")
}
