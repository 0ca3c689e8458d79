package sandbox

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	heapMetric    = "/memory/classes/heap/objects:bytes"
	watchInterval = 5 * time.Millisecond
)

// watchMemory calls onExceed once if heap object bytes grow more than limit
// above the level seen at start. The measure is process-wide; callers hold
// evalSlot so that growth belongs to the running script. The returned func stops the
// watcher and waits for it to exit.
func watchMemory(limit uint64, onExceed func()) (stop func()) {
	baseline := heapBytes()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !over(baseline, limit) {
					continue
				}
				// Garbage the script already dropped does not count.
				runtime.GC()
				if over(baseline, limit) {
					onExceed()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func over(baseline, limit uint64) bool {
	cur := heapBytes()
	return cur > baseline && cur-baseline > limit
}

func heapBytes() uint64 {
	sample := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}
