package notify

import (
	"context"
	"sync"
)

// DefaultFeedSize bounds the dashboard feed when no size is given.
const DefaultFeedSize = 200

// DashboardChannel keeps a bounded in-memory feed of notifications for the
// operator dashboard. The API layer serves it read-only; oldest entries are
// evicted once the feed is full.
type DashboardChannel struct {
	mu   sync.Mutex
	feed []Notification
	max  int
}

func NewDashboardChannel(max int) *DashboardChannel {
	if max <= 0 {
		max = DefaultFeedSize
	}
	return &DashboardChannel{max: max}
}

func (c *DashboardChannel) Kind() Kind { return KindDashboard }

func (c *DashboardChannel) Send(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.feed = append(c.feed, n)
	if over := len(c.feed) - c.max; over > 0 {
		c.feed = append([]Notification(nil), c.feed[over:]...)
	}
	return nil
}

// Recent returns up to limit notifications, newest first. A limit of zero or
// less returns the whole feed.
func (c *DashboardChannel) Recent(limit int) []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Notification, 0, len(c.feed))
	for i := len(c.feed) - 1; i >= 0; i-- {
		out = append(out, c.feed[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
