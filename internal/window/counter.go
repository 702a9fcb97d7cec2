// Package window provides fixed-capacity rolling structures. Memory is bounded by
// construction: nothing here grows with stream volume.
package window

import "time"

// Counter is a time-bucketed rolling sum over a fixed span.
//
// The span is split into a fixed number of buckets; observations land in the
// bucket covering their timestamp and expire once the bucket falls out of the
// span. Observations older than the span relative to the newest one seen are
// ignored.
type Counter struct {
	width  int64
	counts []int64
	epochs []int64
	newest int64
	seen   bool
}

// NewCounter builds a counter covering span with the given bucket count.
func NewCounter(span time.Duration, buckets int) *Counter {
	if buckets <= 0 {
		buckets = 1
	}
	width := int64(span) / int64(buckets)
	if width <= 0 {
		width = 1
	}
	epochs := make([]int64, buckets)
	for i := range epochs {
		epochs[i] = -1
	}
	return &Counter{
		width:  width,
		counts: make([]int64, buckets),
		epochs: epochs,
	}
}

func (c *Counter) epoch(at time.Time) int64 {
	e := at.UnixNano() / c.width
	if e < 0 {
		return 0
	}
	return e
}

// Add records n at time at.
func (c *Counter) Add(at time.Time, n int64) {
	if at.IsZero() {
		return
	}
	e := c.epoch(at)
	if c.seen && e <= c.newest-int64(len(c.counts)) {
		return
	}
	if !c.seen || e > c.newest {
		c.newest = e
		c.seen = true
	}
	slot := int(e % int64(len(c.counts)))
	switch {
	case c.epochs[slot] == e:
		c.counts[slot] += n
	case c.epochs[slot] < e:
		c.epochs[slot] = e
		c.counts[slot] = n
	}
}

// Sum returns the total of all buckets inside the span ending at at.
func (c *Counter) Sum(at time.Time) int64 {
	e := c.epoch(at)
	oldest := e - int64(len(c.counts))
	var total int64
	for i, ep := range c.epochs {
		if ep > oldest && ep <= e {
			total += c.counts[i]
		}
	}
	return total
}

// Reset clears every bucket.
func (c *Counter) Reset() {
	for i := range c.counts {
		c.counts[i] = 0
		c.epochs[i] = -1
	}
	c.newest = 0
	c.seen = false
}

// Rate returns num/den over the span ending at at, and 0 when den is empty.
func Rate(num, den *Counter, at time.Time) float64 {
	d := den.Sum(at)
	if d <= 0 {
		return 0
	}
	return float64(num.Sum(at)) / float64(d)
}
