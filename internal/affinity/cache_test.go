// ABOUTME: Tests for the stream affinity cache.
// ABOUTME: Validates TTL expiry, refresh on access, eviction order and sweeping.

package affinity

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newClocked(ttl time.Duration, maxSize int) (*Cache[string], *time.Time) {
	c := New[string](ttl, maxSize)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCache_PutGet(t *testing.T) {
	cache := New[string](time.Minute, 10)
	defer cache.Close()

	cache.Put("req-1", "conn-a")
	got, ok := cache.Get("req-1")
	assert.True(t, ok)
	assert.Equal(t, "conn-a", got)

	_, ok = cache.Get("req-2")
	assert.False(t, ok)
}

func TestCache_Expiry(t *testing.T) {
	cache, now := newClocked(time.Minute, 10)
	defer cache.Close()

	cache.Put("req-1", "conn-a")
	*now = now.Add(59 * time.Second)
	_, ok := cache.Get("req-1")
	assert.True(t, ok, "access refreshes the TTL")

	*now = now.Add(59 * time.Second)
	_, ok = cache.Get("req-1")
	assert.True(t, ok)

	*now = now.Add(time.Minute)
	_, ok = cache.Get("req-1")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestCache_EvictsLeastRecentlyTouched(t *testing.T) {
	cache := New[string](time.Minute, 3)
	defer cache.Close()

	cache.Put("a", "1")
	cache.Put("b", "2")
	cache.Put("c", "3")
	cache.Get("a")
	cache.Put("d", "4")

	_, ok := cache.Get("b")
	assert.False(t, ok, "b was least recently touched")
	for _, key := range []string{"a", "c", "d"} {
		_, ok := cache.Get(key)
		assert.True(t, ok, key)
	}
}

func TestCache_DeleteFunc(t *testing.T) {
	cache := New[string](time.Minute, 10)
	defer cache.Close()

	cache.Put("r1", "conn-a")
	cache.Put("r2", "conn-b")
	cache.Put("r3", "conn-a")

	n := cache.DeleteFunc(func(v string) bool { return v == "conn-a" })
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, cache.Len())
	assert.True(t, cache.Delete("r2"))
	assert.False(t, cache.Delete("r2"))
}

func TestCache_RunCleanup(t *testing.T) {
	cache, now := newClocked(time.Minute, 10)
	defer cache.Close()

	cache.Put("old", "x")
	*now = now.Add(30 * time.Second)
	cache.Put("new", "y")
	*now = now.Add(40 * time.Second)

	cache.runCleanup()
	assert.Equal(t, 1, cache.Len())
	_, ok := cache.Get("new")
	assert.True(t, ok)
}

func TestCache_Concurrent(t *testing.T) {
	cache := New[int](time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k-%d", i)
			cache.Put(key, i)
			v, ok := cache.Get(key)
			assert.True(t, ok)
			assert.Equal(t, i, v)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, cache.Len())
}

func TestCache_CloseTwice(t *testing.T) {
	cache := New[string](time.Minute, 10)
	cache.Close()
	cache.Close()
}
