package msgrpc

import (
	"sync"
	"sync/atomic"
	"time"
)

// coarseClock is a Unix timestamp refreshed every 500ms. Pools stamp idle
// transports with it on Return; eviction only needs second resolution.
type coarseClock struct {
	once sync.Once
	now  atomic.Int64
}

var idleClock coarseClock

// Unix returns the cached time, starting the refresher on first use so
// importing the package does not spawn a goroutine.
func (c *coarseClock) Unix() int64 {
	c.once.Do(func() {
		c.now.Store(time.Now().Unix())
		go func() {
			ticker := time.NewTicker(500 * time.Millisecond)
			for range ticker.C {
				c.now.Store(time.Now().Unix())
			}
		}()
	})
	return c.now.Load()
}

// roundAge returns the time since t at millisecond resolution, for logs.
func roundAge(t time.Time) time.Duration {
	return time.Since(t).Round(time.Millisecond)
}
