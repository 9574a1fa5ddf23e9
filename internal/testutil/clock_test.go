package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManualClock(t *testing.T) {
	clock := NewManualClock(1000)
	assert.Equal(t, int64(1000), clock.NowMillis())

	assert.Equal(t, int64(1005), clock.Advance(5))
	clock.Set(10)
	assert.Equal(t, int64(10), clock.NowMillis())
}

func TestSequentialIDs_ThreadSafe(t *testing.T) {
	ids := NewSequentialIDs("evt")
	const n = 200

	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := ids.NewID()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	assert.True(t, seen["evt-1"])
	assert.True(t, seen["evt-200"])
}

func TestSequentialIDs_DefaultPrefix(t *testing.T) {
	assert.Equal(t, "id-1", NewSequentialIDs("").NewID())
}

func TestBlogRegistry(t *testing.T) {
	reg := BlogRegistry()
	assert.Equal(t, []string{"Blog", "Post", "Comment"}, reg.SyncOrder())
}
