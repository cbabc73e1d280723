package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocator_AcquireReleaseRoundTrip(t *testing.T) {
	p := NewPortAllocator(30000, 30002)

	a, err := p.Acquire("container-a")
	require.NoError(t, err)
	assert.Equal(t, 30000, a)

	again, err := p.Acquire("container-a")
	require.NoError(t, err)
	assert.Equal(t, a, again, "repeated acquire for the same holder returns the same port")

	b, err := p.Acquire("container-b")
	require.NoError(t, err)
	assert.Equal(t, 30001, b)

	p.Release("container-a")
	c, err := p.Acquire("container-c")
	require.NoError(t, err)
	assert.Equal(t, 30000, c, "a released port is reused before a new one is handed out")
}

func TestPortAllocator_ExhaustedRangeErrors(t *testing.T) {
	p := NewPortAllocator(40000, 40000)

	_, err := p.Acquire("first")
	require.NoError(t, err)

	_, err = p.Acquire("second")
	assert.Error(t, err)
}
