// Package coarsetime provides a clock refreshed every 50ms, for timestamps
// taken on hot paths (connection activity, item access) where time.Now is
// measurably expensive.
package coarsetime

import (
	"sync/atomic"
	"time"
)

const tick = 50 * time.Millisecond

var now atomic.Pointer[time.Time]

func init() {
	t := time.Now()
	now.Store(&t)

	ticker := time.NewTicker(tick)
	go func() {
		for t := range ticker.C {
			now.Store(&t)
		}
	}()
}

// Now returns the current time with a precision of about 50ms.
func Now() time.Time {
	return *now.Load()
}

// Unix returns Now as unix seconds.
func Unix() int64 {
	return Now().Unix()
}
