package typeutils

import (
	"testing"
	"time"

	"github.com/datazip-inc/tidemark/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenerFlatten(t *testing.T) {
	createdAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	testCases := []struct {
		name     string
		input    types.Record
		expected types.Record
	}{
		{
			name: "nested values are stringified",
			input: types.Record{
				"Address": map[string]any{"city": "Pune"},
				"tags":    []string{"a", "b"},
			},
			expected: types.Record{
				"address": `{"city":"Pune"}`,
				"tags":    `["a","b"]`,
			},
		},
		{
			name: "raw bytes become text",
			input: types.Record{
				"payload": []byte(`{"a":1}`),
			},
			expected: types.Record{
				"payload": `{"a":1}`,
			},
		},
		{
			name: "scalars and time pass through, nil is omitted",
			input: types.Record{
				"order-id":   int64(7),
				"created_at": createdAt,
				"note":       nil,
			},
			expected: types.Record{
				"order_id":   int64(7),
				"created_at": createdAt,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			flattened, err := NewFlattener().Flatten(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, flattened)
		})
	}
}

func TestFlattenerColumnCollision(t *testing.T) {
	_, err := NewFlattener().Flatten(types.Record{"Order Id": int64(1), "order_id": int64(2)})
	assert.ErrorContains(t, err, "normalize to [order_id]")
}

func TestReformat(t *testing.T) {
	assert.Equal(t, "order_total_", Reformat("Order Total$"))
	assert.Equal(t, "id", Reformat("ID"))
}
