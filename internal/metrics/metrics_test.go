package metrics

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_SnapshotAndString(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				atomic.AddInt64(&m.EventsReceivedTotal, 1)
			}
		}()
	}
	wg.Wait()
	atomic.AddInt64(&m.SpoolSizeBytes, 42)

	snap := m.Snapshot()
	assert.Equal(t, int64(800), snap["events_received_total"])
	assert.Equal(t, int64(42), snap["spool_size_bytes"])
	assert.Equal(t, int64(0), snap["flush_failed_total"])

	s := m.String()
	assert.Contains(t, s, "events_received_total=800\n")
	assert.Equal(t, len(snap), strings.Count(s, "\n"))
}
