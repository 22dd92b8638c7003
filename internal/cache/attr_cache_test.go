package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttrCacheGetSetRoundTrip(t *testing.T) {
	c := NewAttrCache(time.Minute, 0)
	c.Set("/a.mp3", Attrs{Size: 42})

	got, ok := c.Get("/a.mp3")
	require.True(t, ok)
	assert.EqualValues(t, 42, got.Size)
}

func TestAttrCacheMissReturnsFalse(t *testing.T) {
	c := NewAttrCache(time.Minute, 0)
	_, ok := c.Get("/missing.mp3")
	assert.False(t, ok)
}

func TestAttrCacheExpiresByTTL(t *testing.T) {
	c := NewAttrCache(time.Millisecond, 0)
	c.Set("/a.mp3", Attrs{Size: 1})
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("/a.mp3")
	assert.False(t, ok)
}

func TestAttrCacheRespectsMaxSize(t *testing.T) {
	c := NewAttrCache(0, 1)
	c.Set("/a.mp3", Attrs{Size: 1})
	c.Set("/b.mp3", Attrs{Size: 2})

	_, ok := c.Get("/b.mp3")
	assert.False(t, ok, "second entry should have been rejected at capacity")
	_, ok = c.Get("/a.mp3")
	assert.True(t, ok)
}

func TestAttrCacheInvalidatePrefix(t *testing.T) {
	c := NewAttrCache(0, 0)
	c.Set("/dir/a.mp3", Attrs{Size: 1})
	c.Set("/dir/b.mp3", Attrs{Size: 2})
	c.Set("/other.mp3", Attrs{Size: 3})

	c.InvalidatePrefix("/dir")

	_, ok := c.Get("/dir/a.mp3")
	assert.False(t, ok)
	_, ok = c.Get("/dir/b.mp3")
	assert.False(t, ok)
	_, ok = c.Get("/other.mp3")
	assert.True(t, ok)
}

func TestAttrCacheInvalidate(t *testing.T) {
	c := NewAttrCache(0, 0)
	c.Set("/a.mp3", Attrs{Size: 1})
	c.Invalidate()
	assert.Equal(t, 0, c.Size())
}
