package sandbox

import (
	"runtime/debug"
	"runtime/metrics"
	"time"
)

const (
	heapPollInterval = 25 * time.Millisecond
	liveHeapMetric   = "/gc/heap/live:bytes"
)

// watchHeap sets the Go soft memory limit and polls the live heap measured
// at the last GC. onExceed runs once when it passes limit. The returned
// function stops the watchdog.
func watchHeap(limit int64, onExceed func(live uint64)) (stop func()) {
	debug.SetMemoryLimit(limit)

	done := make(chan struct{})
	go func() {
		sample := []metrics.Sample{{Name: liveHeapMetric}}
		ticker := time.NewTicker(heapPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			metrics.Read(sample)
			if sample[0].Value.Kind() != metrics.KindUint64 {
				return
			}
			if live := sample[0].Value.Uint64(); live > uint64(limit) {
				onExceed(live)
				return
			}
		}
	}()
	return func() { close(done) }
}
