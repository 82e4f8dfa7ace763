package safemap

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeMap_StoreLoadDelete(t *testing.T) {
	m := NewSafeMap[string, int]()

	t.Run("load missing key returns zero value", func(t *testing.T) {
		v, ok := m.Load("missing")
		assert.False(t, ok)
		assert.Zero(t, v)
	})

	t.Run("store then load", func(t *testing.T) {
		m.Store("a", 1)
		v, ok := m.Load("a")
		require.True(t, ok)
		assert.Equal(t, 1, v)
		assert.True(t, m.Has("a"))
	})

	t.Run("delete removes and is idempotent", func(t *testing.T) {
		m.Delete("a")
		m.Delete("a")
		assert.False(t, m.Has("a"))
		assert.Equal(t, 0, m.Len())
	})
}

func TestSafeMap_LoadOrStore(t *testing.T) {
	m := NewSafeMap[string, string]()

	v, loaded := m.LoadOrStore("k", "first")
	assert.False(t, loaded)
	assert.Equal(t, "first", v)

	v, loaded = m.LoadOrStore("k", "second")
	assert.True(t, loaded)
	assert.Equal(t, "first", v)
}

func TestSafeMap_LoadAndDelete_SingleWinner(t *testing.T) {
	m := NewSafeMap[int, int]()
	m.Store(1, 10)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, ok := m.LoadAndDelete(1); ok {
				assert.Equal(t, 10, v)
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.False(t, m.Has(1))
}

func TestSafeMap_RangeAndValues(t *testing.T) {
	m := NewSafeMap[string, int]()
	m.Store("a", 1)
	m.Store("b", 2)
	m.Store("c", 3)

	t.Run("values snapshot", func(t *testing.T) {
		assert.ElementsMatch(t, []int{1, 2, 3}, m.Values())
		assert.Equal(t, 3, m.Len())
	})

	t.Run("range stops early", func(t *testing.T) {
		count := 0
		m.Range(func(string, int) bool {
			count++
			return count < 2
		})
		assert.Equal(t, 2, count)
	})
}

func TestSafeMap_Concurrent(t *testing.T) {
	m := NewSafeMap[int, int]()
	const goroutines = 50
	const ops = 200

	var wg sync.WaitGroup
	for g := range goroutines {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := range ops {
				key := id*ops + i
				m.Store(key, key)
				m.Load(key)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, goroutines*ops, m.Len())

	for g := range goroutines {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := range ops {
				m.Delete(id*ops + i)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 0, m.Len())
}
