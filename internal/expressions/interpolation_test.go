package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/waveflow/pkg/schema"
)

func TestInterpolate_WholeValueKeepsType(t *testing.T) {
	data := map[string]any{
		"fetch": 42,
		"user":  map[string]any{"name": "ada", "tags": []any{"x"}},
	}
	params := map[string]any{
		"count": "${{ fetch }}",
		"user":  "${{context.user}}",
		"name":  "${{ user.name }}",
		"plain": "no refs",
		"n":     7,
	}

	out, err := Interpolate(params, data)
	require.NoError(t, err)
	assert.Equal(t, 42, out["count"])
	assert.Equal(t, data["user"], out["user"])
	assert.Equal(t, "ada", out["name"])
	assert.Equal(t, "no refs", out["plain"])
	assert.Equal(t, 7, out["n"])

	assert.Equal(t, "${{ fetch }}", params["count"], "input must not be modified")
}

func TestInterpolate_Embedded(t *testing.T) {
	data := map[string]any{"env": "prod", "n": 3, "ok": true, "obj": map[string]any{"a": 1}}
	params := map[string]any{
		"msg": "deploy to ${{ env }} x${{n}} ok=${{ ok }} ${{ obj }}",
	}

	out, err := Interpolate(params, data)
	require.NoError(t, err)
	assert.Equal(t, `deploy to prod x3 ok=true {"a":1}`, out["msg"])
}

func TestInterpolate_Nested(t *testing.T) {
	data := map[string]any{"v": "x"}
	params := map[string]any{
		"list": []any{"${{ v }}", map[string]any{"inner": "${{ v }}!"}},
	}

	out, err := Interpolate(params, data)
	require.NoError(t, err)
	list := out["list"].([]any)
	assert.Equal(t, "x", list[0])
	assert.Equal(t, "x!", list[1].(map[string]any)["inner"])
}

func TestInterpolate_DottedKey(t *testing.T) {
	out, err := Interpolate(map[string]any{"v": "${{ a.b }}"}, map[string]any{"a.b": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, out["v"])
}

func TestInterpolate_Errors(t *testing.T) {
	data := map[string]any{"s": "str", "m": map[string]any{"k": 1}}

	tests := []struct {
		name  string
		value string
	}{
		{"unclosed", "a ${{ s"},
		{"empty", "x ${{  }}"},
		{"missing", "${{ nope }}"},
		{"missing nested", "${{ m.z }}"},
		{"non-object", "${{ s.x }}"},
		{"empty segment", "${{ m..k }}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Interpolate(map[string]any{"v": tt.value}, data)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInterpolation), "got %v", err)
		})
	}
}

func TestInterpolate_Nil(t *testing.T) {
	out, err := Interpolate(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestHasInterpolation(t *testing.T) {
	assert.False(t, HasInterpolation(map[string]any{"a": "b", "n": 1}))
	assert.True(t, HasInterpolation(map[string]any{"a": []any{"${{ x }}"}}))
}
