package exchange

import (
	"context"
	"log"
	"sync"
	"time"
)

// Clock tracks the offset between the local clock and the venue's server
// time so signed request timestamps land inside the venue's recv window.
type Clock struct {
	fetch        func(ctx context.Context) (int64, error)
	syncInterval time.Duration

	mu       sync.RWMutex
	offset   int64
	lastSync time.Time
}

// NewClock builds a clock over a server-time fetch returning unix ms.
func NewClock(fetch func(ctx context.Context) (int64, error)) *Clock {
	return &Clock{
		fetch:        fetch,
		syncInterval: 30 * time.Minute,
	}
}

// Start syncs once, then keeps resyncing in the background until the
// context is canceled.
func (c *Clock) Start(ctx context.Context) {
	if err := c.Sync(ctx); err != nil {
		log.Printf("exchange: initial time sync failed: %v", err)
	}
	go func() {
		ticker := time.NewTicker(c.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Sync(ctx); err != nil {
					log.Printf("exchange: time sync failed: %v", err)
				}
			}
		}
	}()
}

// Sync measures the server offset, splitting the round trip evenly.
func (c *Clock) Sync(ctx context.Context) error {
	before := time.Now().UnixMilli()
	serverTime, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()
	local := before + (after-before)/2

	c.mu.Lock()
	c.offset = serverTime - local
	c.lastSync = time.Now()
	offset := c.offset
	c.mu.Unlock()

	log.Printf("exchange: time sync offset=%dms", offset)
	return nil
}

// NowMs returns the current time in unix ms, corrected to server time.
func (c *Clock) NowMs() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().UnixMilli() + c.offset
}

// Offset returns the last measured server-minus-local offset in ms.
func (c *Clock) Offset() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}
