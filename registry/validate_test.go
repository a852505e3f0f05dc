package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloorSchemaEnums(t *testing.T) {
	v, err := NewValidator(nil)
	require.NoError(t, err)

	assert.NoError(t, v.Validate(nil), "nil payload is the empty object")
	assert.NoError(t, v.Validate(map[string]any{"priority": "high", "category": "security"}))
	assert.NoError(t, v.Validate(map[string]any{"anything": "else"}))

	assert.Error(t, v.Validate(map[string]any{"priority": "urgent-ish"}))
	assert.Error(t, v.Validate(map[string]any{"category": "spam"}))
}

func TestWorkflowSchemaTightensFloor(t *testing.T) {
	v, err := NewValidator(map[string]any{
		"type":     "object",
		"required": []any{"order_id"},
		"properties": map[string]any{
			"order_id": map[string]any{"type": "integer"},
		},
	})
	require.NoError(t, err)

	assert.NoError(t, v.Validate(map[string]any{"order_id": 42}))
	assert.Error(t, v.Validate(map[string]any{}), "required field enforced")
	assert.Error(t, v.Validate(map[string]any{"order_id": "42"}))

	// Floor still applies underneath the workflow schema.
	assert.Error(t, v.Validate(map[string]any{"order_id": 42, "priority": "nope"}))
}

func TestNewValidatorRejectsBadSchema(t *testing.T) {
	_, err := NewValidator(map[string]any{"type": 12345})
	assert.Error(t, err)
}

func TestNormalizeIntegers(t *testing.T) {
	v, err := NewValidator(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"count": map[string]any{"type": "number"},
			"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "number"}},
		},
	})
	require.NoError(t, err)

	// Go-native ints must validate as JSON numbers, nested or not.
	assert.NoError(t, v.Validate(map[string]any{
		"count": 7,
		"tags":  []any{int64(1), float32(2.5), 3},
	}))
}
