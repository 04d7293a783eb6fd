package share

import (
	"fmt"
	"sync/atomic"
)

// ConnStats keeps track of both currently open and total connection counts for an entity
type ConnStats struct {
	total atomic.Int32
	open  atomic.Int32
}

// New adds one to the total connection count and returns the new total, which
// doubles as a per-entity connection number for log prefixes
func (c *ConnStats) New() int32 {
	return c.total.Add(1)
}

// Open adds one to the current open connection count
func (c *ConnStats) Open() {
	c.open.Add(1)
}

// Close subtracts one from the current open connection count
func (c *ConnStats) Close() {
	c.open.Add(-1)
}

// Counts returns the open and total connection counts
func (c *ConnStats) Counts() (open, total int32) {
	return c.open.Load(), c.total.Load()
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", c.open.Load(), c.total.Load())
}
