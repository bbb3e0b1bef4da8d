// Package stats implements the lock-free byte/record counters (A4) that
// feed DataSizeMetric reports, grounded on bspgraph/aggregator's
// compare-and-swap accumulator with delta reporting, generalized from
// graph-superstep aggregation to per-worker I/O counters.
package stats

import "sync/atomic"

// Int64Accumulator is a concurrent-safe, lock-free running total with
// incremental delta reporting, adapted from aggregator.IntAccumulator.
type Int64Accumulator struct {
	prevSum int64
	curSum  int64
}

// Get returns the accumulator's current total.
func (a *Int64Accumulator) Get() int64 {
	return atomic.LoadInt64(&a.curSum)
}

// Add atomically increments the running total by delta.
func (a *Int64Accumulator) Add(delta int64) {
	atomic.AddInt64(&a.curSum, delta)
}

// Delta returns the change in total since the last call to Delta (or since
// creation).
func (a *Int64Accumulator) Delta() int64 {
	for {
		cur := atomic.LoadInt64(&a.curSum)
		prev := atomic.LoadInt64(&a.prevSum)
		if atomic.CompareAndSwapInt64(&a.prevSum, prev, cur) {
			return cur - prev
		}
	}
}
