package api

import (
	"sync/atomic"
	"time"
)

var lastEventTime atomic.Int64

// nextTimestamp returns a unix-nano timestamp greater than any previously
// returned, so events of one instance keep their commit order.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := lastEventTime.Load()
		if now <= last {
			now = last + 1
		}
		if lastEventTime.CompareAndSwap(last, now) {
			return now
		}
	}
}
