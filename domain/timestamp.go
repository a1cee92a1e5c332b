package domain

import (
	"sync/atomic"
	"time"
)

var lastTimestamp int64

// NextTimestamp returns a strictly increasing wall-clock time. Optimistic
// creates use it so that items made in quick succession keep their order.
func NextTimestamp() time.Time {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return time.Unix(0, now).UTC()
		}
	}
}
