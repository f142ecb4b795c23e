package pubsub

import "sync/atomic"

// Ordered keeps the newest sequence number seen on one stream. Subscribers
// that only care about the latest state use it to drop events the bus
// delivered late.
type Ordered struct {
	last atomic.Uint64
}

// Accept reports whether seq is newer than every sequence accepted so far.
func (o *Ordered) Accept(seq uint64) bool {
	for {
		last := o.last.Load()
		if seq <= last {
			return false
		}
		if o.last.CompareAndSwap(last, seq) {
			return true
		}
	}
}
