package syncbuffer

import (
	"fmt"
	"sync"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func TestSyncBuffer_Lines(t *testing.T) {
	b := &SyncBuffer{}
	assert.Check(t, cmp.Len(b.Lines(), 0))

	_, _ = b.Write([]byte("booting\nlistening on 9191\npart"))
	assert.Check(t, cmp.DeepEqual(b.Lines(), []string{"booting", "listening on 9191"}))
	assert.Check(t, cmp.Equal(b.String(), "booting\nlistening on 9191\npart"))
}

func TestSyncBuffer_ConcurrentWrites(t *testing.T) {
	b := &SyncBuffer{}
	wg := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = fmt.Fprintf(b, "line %d\n", i)
			_ = b.String()
		}(i)
	}
	wg.Wait()
	assert.Check(t, cmp.Len(b.Lines(), 10))
}
