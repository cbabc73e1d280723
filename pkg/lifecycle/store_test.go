package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/esb/pkg/types"
)

func TestStore_PutGetRemove(t *testing.T) {
	s := New()
	rec := &types.ContainerRecord{ID: "c1", FunctionName: "hello", State: types.StateReady}
	s.Put(rec)

	assert.Equal(t, rec, s.Get("c1"))
	assert.Len(t, s.ForFunction("hello"), 1)

	s.Remove("c1")
	assert.Nil(t, s.Get("c1"))
	assert.Empty(t, s.ForFunction("hello"))
}

func TestStore_CountOccupied(t *testing.T) {
	s := New()
	s.Put(&types.ContainerRecord{ID: "c1", FunctionName: "hello", State: types.StateReady})
	s.Put(&types.ContainerRecord{ID: "c2", FunctionName: "hello", State: types.StateBusy})
	s.Put(&types.ContainerRecord{ID: "c3", FunctionName: "hello", State: types.StateGone})

	assert.Equal(t, 2, s.CountOccupied("hello"))
}

func TestStore_WarmAndPausedContainer(t *testing.T) {
	s := New()
	assert.Nil(t, s.WarmContainer("hello"))
	assert.Nil(t, s.PausedContainer("hello"))

	s.Put(&types.ContainerRecord{ID: "c1", FunctionName: "hello", State: types.StatePaused})
	assert.Equal(t, "c1", s.PausedContainer("hello").ID)

	s.Put(&types.ContainerRecord{ID: "c2", FunctionName: "hello", State: types.StateIdle})
	assert.Equal(t, "c2", s.WarmContainer("hello").ID)
}

func TestStore_TouchIsMonotone(t *testing.T) {
	s := New()
	past := time.Now().Add(-time.Hour)
	s.Put(&types.ContainerRecord{ID: "c1", FunctionName: "hello", State: types.StateIdle, LastUsedAt: past})

	s.Touch("c1")
	assert.True(t, s.Get("c1").LastUsedAt.After(past))

	later := s.Get("c1").LastUsedAt
	s.Touch("c1")
	assert.False(t, s.Get("c1").LastUsedAt.Before(later))
}

func TestStore_AllFunctions(t *testing.T) {
	s := New()
	s.Put(&types.ContainerRecord{ID: "c1", FunctionName: "hello", State: types.StateReady})
	s.Put(&types.ContainerRecord{ID: "c2", FunctionName: "world", State: types.StateReady})

	funcs := s.AllFunctions()
	assert.ElementsMatch(t, []string{"hello", "world"}, funcs)

	s.Remove("c1")
	s.Remove("c2")
	assert.Empty(t, s.AllFunctions())
}
