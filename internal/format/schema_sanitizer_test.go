package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSchemaEmptySchemaGetsPlaceholder(t *testing.T) {
	result := SanitizeSchema(nil)

	assert.Equal(t, "object", result["type"])
	props, ok := result["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "reason")
	assert.Equal(t, []string{"reason"}, result["required"])
}

func TestSanitizeSchemaDropsDisallowedFields(t *testing.T) {
	result := SanitizeSchema(map[string]interface{}{
		"type":                 "string",
		"description":          "a field",
		"pattern":              "^[a-z]+$",
		"additionalProperties": false,
	})

	assert.Equal(t, "string", result["type"])
	assert.Equal(t, "a field", result["description"])
	assert.NotContains(t, result, "pattern")
	assert.NotContains(t, result, "additionalProperties")
}

func TestSanitizeSchemaConvertsConstToEnum(t *testing.T) {
	result := SanitizeSchema(map[string]interface{}{
		"type":  "string",
		"const": "fixed-value",
	})

	assert.Equal(t, []interface{}{"fixed-value"}, result["enum"])
	assert.NotContains(t, result, "const")
}

func TestSanitizeSchemaObjectWithoutPropertiesGetsPlaceholder(t *testing.T) {
	result := SanitizeSchema(map[string]interface{}{"type": "object"})

	props, ok := result["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "reason")
}

func TestSanitizeSchemaRecursesIntoNestedProperties(t *testing.T) {
	result := SanitizeSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"child": map[string]interface{}{
				"type":    "string",
				"pattern": "unsupported",
			},
		},
	})

	props := result["properties"].(map[string]interface{})
	child := props["child"].(map[string]interface{})
	assert.Equal(t, "string", child["type"])
	assert.NotContains(t, child, "pattern")
}

func TestCleanSchemaUppercasesPrimitiveTypes(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"string", "STRING"},
		{"number", "NUMBER"},
		{"integer", "INTEGER"},
		{"boolean", "BOOLEAN"},
		{"array", "ARRAY"},
		{"object", "OBJECT"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := CleanSchema(map[string]interface{}{"type": tt.input})
			assert.Equal(t, tt.expected, result["type"])
		})
	}
}

func TestCleanSchemaFlattensNullableTypeArray(t *testing.T) {
	result := CleanSchema(map[string]interface{}{
		"type": []interface{}{"string", "null"},
	})

	assert.Equal(t, "STRING", result["type"])
	assert.Contains(t, result["description"], "nullable")
}

func TestCleanSchemaDropsNullablePropertyFromRequired(t *testing.T) {
	result := CleanSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"type": "string"},
			"note": map[string]interface{}{"type": []interface{}{"string", "null"}},
		},
		"required": []interface{}{"name", "note"},
	})

	required, ok := result["required"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"name"}, required)
}

func TestCleanSchemaMergesAllOf(t *testing.T) {
	result := CleanSchema(map[string]interface{}{
		"allOf": []interface{}{
			map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"a": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"a"},
			},
			map[string]interface{}{
				"properties": map[string]interface{}{"b": map[string]interface{}{"type": "integer"}},
				"required":   []interface{}{"b"},
			},
		},
	})

	assert.Equal(t, "OBJECT", result["type"])
	props := result["properties"].(map[string]interface{})
	assert.Contains(t, props, "a")
	assert.Contains(t, props, "b")
	required := result["required"].([]interface{})
	assert.ElementsMatch(t, []interface{}{"a", "b"}, required)
}

func TestCleanSchemaFlattensAnyOfToMostInformativeBranch(t *testing.T) {
	result := CleanSchema(map[string]interface{}{
		"anyOf": []interface{}{
			map[string]interface{}{"type": "null"},
			map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"x": map[string]interface{}{"type": "string"}},
			},
		},
	})

	assert.Equal(t, "OBJECT", result["type"])
	assert.Contains(t, result["properties"].(map[string]interface{}), "x")
}

func TestCleanSchemaDropsUnsupportedStringFormat(t *testing.T) {
	result := CleanSchema(map[string]interface{}{"type": "string", "format": "uuid"})
	assert.NotContains(t, result, "format")

	result = CleanSchema(map[string]interface{}{"type": "string", "format": "date-time"})
	assert.Equal(t, "date-time", result["format"])
}
