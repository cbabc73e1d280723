package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHostCache_PutGet(t *testing.T) {
	c := NewHostCache(time.Minute)

	_, _, ok := c.Get("hello")
	assert.False(t, ok)

	c.Put("hello", "c1", "10.0.0.1:8080")
	addr, id, ok := c.Get("hello")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1:8080", addr)
	assert.Equal(t, "c1", id)
}

func TestHostCache_Expiry(t *testing.T) {
	c := NewHostCache(10 * time.Millisecond)
	c.Put("hello", "c1", "10.0.0.1:8080")

	time.Sleep(20 * time.Millisecond)
	_, _, ok := c.Get("hello")
	assert.False(t, ok)
}

func TestHostCache_Invalidate(t *testing.T) {
	c := NewHostCache(time.Minute)
	c.Put("hello", "c1", "10.0.0.1:8080")
	c.Invalidate("hello")

	_, _, ok := c.Get("hello")
	assert.False(t, ok)
}

func TestHostCache_ContainerIDs(t *testing.T) {
	c := NewHostCache(time.Minute)
	c.Put("hello", "c1", "10.0.0.1:8080")
	c.Put("world", "c2", "10.0.0.2:8080")

	ids := c.ContainerIDs()
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids)
}
