package exchange

import "sync"

// coinLocks hands out one mutex per coin. Coins are a small listed set, so
// entries are never evicted.
type coinLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newCoinLocks() *coinLocks {
	return &coinLocks{locks: make(map[int64]*sync.Mutex)}
}

// lock blocks until the coin's mutex is held and returns its release func
func (c *coinLocks) lock(coinID int64) func() {
	c.mu.Lock()
	l, ok := c.locks[coinID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[coinID] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}
