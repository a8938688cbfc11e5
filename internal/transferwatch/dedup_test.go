package transferwatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupSet_AddIfAbsent(t *testing.T) {
	t.Run("accepts a new hash exactly once", func(t *testing.T) {
		dedup := newDedupSet(10 * time.Minute)

		assert.True(t, dedup.AddIfAbsent("0xabc"))
		assert.False(t, dedup.AddIfAbsent("0xabc"))
		assert.True(t, dedup.Contains("0xabc"))
		assert.Equal(t, 1, dedup.Len())
	})

	t.Run("admits each hash once under concurrency", func(t *testing.T) {
		dedup := newDedupSet(10 * time.Minute)

		const goroutines = 32
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)

		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if dedup.AddIfAbsent("0xcontended") {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
	})
}

func TestDedupSet_Retention(t *testing.T) {
	t.Run("evicts entries older than the retention window", func(t *testing.T) {
		dedup := newDedupSet(10 * time.Minute)

		current := time.Unix(1_700_000_000, 0)
		dedup.now = func() time.Time { return current }

		assert.True(t, dedup.AddIfAbsent("0xold"))

		// Past the window, the old hash is swept on the next insert.
		current = current.Add(11 * time.Minute)
		assert.True(t, dedup.AddIfAbsent("0xnew"))

		assert.False(t, dedup.Contains("0xold"))
		assert.True(t, dedup.Contains("0xnew"))
	})

	t.Run("keeps entries within the retention window", func(t *testing.T) {
		dedup := newDedupSet(10 * time.Minute)

		current := time.Unix(1_700_000_000, 0)
		dedup.now = func() time.Time { return current }

		assert.True(t, dedup.AddIfAbsent("0xrecent"))

		current = current.Add(5 * time.Minute)
		assert.False(t, dedup.AddIfAbsent("0xrecent"))
	})

	t.Run("enforces the minimum retention window", func(t *testing.T) {
		dedup := newDedupSet(time.Second)
		assert.Equal(t, minDedupRetention, dedup.retention)
	})
}
