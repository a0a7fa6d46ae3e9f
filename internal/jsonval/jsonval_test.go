package jsonval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringMap_ConvertsFlatObject(t *testing.T) {
	v := map[string]Json{"GITHUB_TOKEN": "abc", "MODE": "prod"}
	out, err := StringMap(v)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"GITHUB_TOKEN": "abc", "MODE": "prod"}, out)
}

func TestStringMap_NilIsNil(t *testing.T) {
	out, err := StringMap(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestStringMap_RejectsNonStringValue(t *testing.T) {
	v := map[string]Json{"count": float64(3)}
	_, err := StringMap(v)
	require.Error(t, err)
}

func TestStringSlice_ConvertsArray(t *testing.T) {
	v := []Json{"--yes", "--verbose"}
	out, err := StringSlice(v)
	require.NoError(t, err)
	assert.Equal(t, []string{"--yes", "--verbose"}, out)
}

func TestWalk_ReplacesEveryStringLeafRecursively(t *testing.T) {
	v := map[string]Json{
		"a": "x",
		"b": []Json{"y", map[string]Json{"c": "z"}},
	}
	out := Walk(v, strings.ToUpper)
	m, ok := AsMap(out)
	require.True(t, ok)
	assert.Equal(t, "X", m["a"])

	arr, ok := AsSlice(m["b"])
	require.True(t, ok)
	assert.Equal(t, "Y", arr[0])

	nested, ok := AsMap(arr[1])
	require.True(t, ok)
	assert.Equal(t, "Z", nested["c"])
}

func TestWalkKeyed_PassesDotJoinedPath(t *testing.T) {
	v := map[string]Json{
		"env": map[string]Json{"API_KEY": "secret-value"},
	}
	var gotPaths []string
	Walk2 := WalkKeyed(v, "", func(path, s string) string {
		gotPaths = append(gotPaths, path)
		return s
	})
	_ = Walk2
	assert.Contains(t, gotPaths, "env.API_KEY")
}

func TestWalkKeyed_IndexesArrayElements(t *testing.T) {
	v := []Json{"first", "second"}
	var gotPaths []string
	WalkKeyed(v, "args", func(path, s string) string {
		gotPaths = append(gotPaths, path)
		return s
	})
	assert.Equal(t, []string{"args[0]", "args[1]"}, gotPaths)
}
