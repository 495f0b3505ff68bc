package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreline-ai/loreline/internal/model"
)

func noopHandler(_ context.Context, _ model.ToolContext, input map[string]any) (map[string]any, error) {
	return input, nil
}

func TestRegisterRejectsBadTools(t *testing.T) {
	reg := NewRegistry()

	assert.Error(t, reg.Register(&Tool{Handler: noopHandler}), "empty name")
	assert.Error(t, reg.Register(&Tool{Descriptor: model.ToolDescriptor{Name: "x"}}), "nil handler")

	require.NoError(t, reg.Register(&Tool{Descriptor: model.ToolDescriptor{Name: "x"}, Handler: noopHandler}))
	assert.Error(t, reg.Register(&Tool{Descriptor: model.ToolDescriptor{Name: "x"}, Handler: noopHandler}), "duplicate name")
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&Tool{
		Descriptor: model.ToolDescriptor{
			Name:        "bad",
			InputSchema: map[string]any{"type": 42},
		},
		Handler: noopHandler,
	})
	assert.Error(t, err)
}

func TestListFiltersAndSorts(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Tool{
		Descriptor: model.ToolDescriptor{Name: "zeta", Category: "retrieval", AICallable: true},
		Handler:    noopHandler,
	}))
	require.NoError(t, reg.Register(&Tool{
		Descriptor: model.ToolDescriptor{Name: "alpha", Category: "retrieval"},
		Handler:    noopHandler,
	}))
	require.NoError(t, reg.Register(&Tool{
		Descriptor: model.ToolDescriptor{Name: "mid", Category: "session", AICallable: true},
		Handler:    noopHandler,
	}))

	all := reg.List("", false)
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "mid", all[1].Name)
	assert.Equal(t, "zeta", all[2].Name)

	retrieval := reg.List("retrieval", false)
	require.Len(t, retrieval, 2)

	callable := reg.List("", true)
	require.Len(t, callable, 2)
	for _, d := range callable {
		assert.True(t, d.AICallable)
	}

	assert.Empty(t, reg.List("unknown", false))
}

func TestValidateInputNoSchemaAcceptsAnything(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Tool{Descriptor: model.ToolDescriptor{Name: "open"}, Handler: noopHandler}))

	tool, ok := reg.Get("open")
	require.True(t, ok)
	assert.NoError(t, tool.ValidateInput(map[string]any{"anything": []any{1, "two"}}))
	assert.NoError(t, tool.ValidateInput(nil))
}
