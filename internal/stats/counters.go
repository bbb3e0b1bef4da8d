package stats

// Counters tracks the bytes and elements read and written by one worker
// process. No code path sends these totals to the master; DataSizeMetric
// messages are built only by callers of workerside.Facade.ReportMetric.
type Counters struct {
	BytesRead       Int64Accumulator
	ElementsRead    Int64Accumulator
	BytesWritten    Int64Accumulator
	ElementsWritten Int64Accumulator
}

// RecordRead accounts for one read transfer of n bytes and count elements.
func (c *Counters) RecordRead(bytes, count int64) {
	c.BytesRead.Add(bytes)
	c.ElementsRead.Add(count)
}

// RecordWrite accounts for one write transfer of n bytes and count
// elements.
func (c *Counters) RecordWrite(bytes, count int64) {
	c.BytesWritten.Add(bytes)
	c.ElementsWritten.Add(count)
}

// Snapshot is a point-in-time view of the counters suitable for logging or
// a DataSizeMetric payload.
type Snapshot struct {
	BytesRead       int64
	ElementsRead    int64
	BytesWritten    int64
	ElementsWritten int64
}

// Snapshot returns the current totals.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		BytesRead:       c.BytesRead.Get(),
		ElementsRead:    c.ElementsRead.Get(),
		BytesWritten:    c.BytesWritten.Get(),
		ElementsWritten: c.ElementsWritten.Get(),
	}
}
