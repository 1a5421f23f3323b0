package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleArgs struct {
	Query string `json:"query" description:"Search text"`
	Limit *int   `json:"limit" description:"Optional cap"`
	Mode  string `json:"mode,omitempty" enum:"fast,deep"`
	skip  string
}

func TestCreateSchema(t *testing.T) {
	schema := CreateSchema(sampleArgs{})
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, props, 3)
	assert.Equal(t, "integer", props["limit"].(map[string]any)["type"])
	assert.Equal(t, []string{"fast", "deep"}, props["mode"].(map[string]any)["enum"])
	assert.Equal(t, []string{"query"}, schema["required"])

	assert.Equal(t, "object", CreateSchema(42)["type"])
}

func TestValidateParameters(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"x":    map[string]any{"type": "integer"},
			"mode": map[string]any{"type": "string", "enum": []any{"a", "b"}},
		},
		"required": []any{"x"},
	}

	assert.NoError(t, ValidateParameters(map[string]any{"x": float64(5), "extra": true}, schema))

	err := ValidateParameters(map[string]any{}, schema)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "x", ve.Field)

	err = ValidateParameters(map[string]any{"x": "nope"}, schema)
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "expected type integer")

	err = ValidateParameters(map[string]any{"x": 1.5}, schema)
	require.ErrorAs(t, err, &ve)

	err = ValidateParameters(map[string]any{"x": 1, "mode": "c"}, schema)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "mode", ve.Field)
}

func TestValidateParametersStringRequired(t *testing.T) {
	schema := CreateSchema(sampleArgs{})
	err := ValidateParameters(map[string]any{"limit": 3}, schema)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "query", ve.Field)
}

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)

	out, err = RenderTemplate(`You are the {{upper .specialist}} specialist. Task: {{default "chat" .task}}.`, map[string]any{
		"specialist": "code",
	})
	require.NoError(t, err)
	assert.Equal(t, "You are the CODE specialist. Task: chat.", out)

	out, err = RenderTemplate(`<{{.raw}}>`, map[string]any{"raw": "a&b"})
	require.NoError(t, err)
	assert.Equal(t, "<a&b>", out)

	_, err = RenderTemplate("{{", nil)
	assert.Error(t, err)
}
