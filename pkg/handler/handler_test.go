package handler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo/pkg/models"
)

func TestInputsDefault(t *testing.T) {
	def := models.NewTextEnvelope("a", "x")
	other := models.NewTextEnvelope("b", "y")

	assert.Same(t, def, Inputs{models.PortDefault: def, "side": other}.Default())
	assert.Same(t, other, Inputs{"side": other}.Default())
	assert.Nil(t, Inputs{"one": def, "two": other}.Default())
	assert.Nil(t, Inputs{}.Default())
}

func TestVariablesConcurrentAccess(t *testing.T) {
	v := NewVariables(map[string]any{"seed": 1})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			v.Set("k", n)
			v.Get("seed")
			v.Snapshot()
		}(i)
	}
	wg.Wait()

	got, ok := v.Get("seed")
	require.True(t, ok)
	assert.Equal(t, 1, got)
	_, ok = v.Get("k")
	assert.True(t, ok)
}

func TestVariablesSnapshotIsCopy(t *testing.T) {
	v := NewVariables(map[string]any{"a": 1})
	snap := v.Snapshot()
	snap["a"] = 99
	got, _ := v.Get("a")
	assert.Equal(t, 1, got)
}

func TestRegistryValidateUnknownType(t *testing.T) {
	r := NewRegistry()
	err := r.ValidateNode(&models.Node{ID: "n", Type: "mystery"})
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.Classify(err))
}
