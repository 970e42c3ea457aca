package service

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// sessionItem is one cached 121 login
type sessionItem struct {
	Token      string
	Credential string
	Expires    time.Time
}

// SessionCache keeps 121 access tokens per platform URL. A token is handed
// out only while more than the refresh margin of its validity remains and
// only to the credentials that obtained it.
type SessionCache struct {
	mu     sync.RWMutex
	items  map[string]sessionItem
	margin time.Duration
	now    func() time.Time
	stop   chan struct{}
	once   sync.Once
}

// NewSessionCache creates a cache that drops expired sessions every cleanupInterval
func NewSessionCache(margin, cleanupInterval time.Duration) *SessionCache {
	c := &SessionCache{
		items:  make(map[string]sessionItem),
		margin: margin,
		now:    time.Now,
		stop:   make(chan struct{}),
	}

	go c.cleanupLoop(cleanupInterval)

	return c
}

func credential(username, password string) string {
	sum := sha256.Sum256([]byte(username + "\x00" + password))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached token for url if it is still fresh
func (c *SessionCache) Get(url, username, password string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, found := c.items[url]
	if !found {
		return "", false
	}
	if item.Credential != credential(username, password) {
		return "", false
	}
	if item.Expires.Sub(c.now()) < c.margin {
		return "", false
	}
	return item.Token, true
}

// Put stores a token for url
func (c *SessionCache) Put(url, username, password, token string, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[url] = sessionItem{
		Token:      token,
		Credential: credential(username, password),
		Expires:    expires,
	}
}

// Delete removes the session of url
func (c *SessionCache) Delete(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, url)
}

// Size returns the number of cached sessions
func (c *SessionCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *SessionCache) cleanupLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stop:
			return
		}
	}
}

// cleanup removes expired sessions
func (c *SessionCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, item := range c.items {
		if now.After(item.Expires) {
			delete(c.items, key)
		}
	}
}

// Close stops the cleanup goroutine
func (c *SessionCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// Stats returns cache statistics
func (c *SessionCache) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stale := 0
	now := c.now()
	for _, item := range c.items {
		if item.Expires.Sub(now) < c.margin {
			stale++
		}
	}

	return map[string]interface{}{
		"sessions":       len(c.items),
		"stale_sessions": stale,
	}
}
