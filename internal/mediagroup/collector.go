// Package mediagroup recombines platform-fragmented multi-attachment
// uploads into a single logical submission.
//
// The platform delivers an N-part album as N separate messages sharing a
// group id, with no terminator and no arrival-order guarantee. The
// collector buffers parts per (user, group) and flushes after a quiet
// period: the platform sends album parts in a tight burst, so any gap
// longer than the quiet period means the group is complete.
package mediagroup

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rvasily/streetmarket/internal/metrics"
	"github.com/rvasily/streetmarket/internal/storage"
)

// DefaultQuietPeriod is the flush delay rearmed on every incoming part.
const DefaultQuietPeriod = 3500 * time.Millisecond

// Part is one attachment of a group.
type Part struct {
	Kind       storage.MediaKind
	FileHandle string
}

// Submission is a completed group handed to the awaiting flow.
type Submission struct {
	UserID  int64
	GroupID string
	Parts   []Part // arrival order, deduplicated by file handle
	Caption string
}

// Sink receives completed submissions. Called without the collector lock
// held; implementations may call back into the collector.
type Sink func(Submission)

type groupKey struct {
	userID  int64
	groupID string
}

type groupState struct {
	parts   []Part
	seen    map[string]bool
	caption string
	timer   *time.Timer
}

// Collector debounces and assembles media groups.
type Collector struct {
	mu     sync.Mutex
	groups map[groupKey]*groupState

	quiet  time.Duration
	sink   Sink
	logger *slog.Logger

	// newTimer is swapped in tests; a nil return means the timer
	// infrastructure is unavailable and the group flushes immediately.
	newTimer func(d time.Duration, f func()) *time.Timer
}

// New creates a collector that flushes into sink after the default quiet
// period.
func New(sink Sink, logger *slog.Logger) *Collector {
	return &Collector{
		groups:   make(map[groupKey]*groupState),
		quiet:    DefaultQuietPeriod,
		sink:     sink,
		logger:   logger,
		newTimer: time.AfterFunc,
	}
}

// WithQuietPeriod overrides the debounce window. Used by tests.
func (c *Collector) WithQuietPeriod(d time.Duration) *Collector {
	c.quiet = d
	return c
}

// Add records one incoming part of a group. The flush timer for the group
// is cancelled and rearmed; the part's caption, if any, overwrites the
// group caption (the platform may attach it to any single part).
func (c *Collector) Add(userID int64, groupID string, part Part, caption string) {
	key := groupKey{userID: userID, groupID: groupID}

	c.mu.Lock()
	st, ok := c.groups[key]
	if !ok {
		st = &groupState{seen: make(map[string]bool)}
		c.groups[key] = st
	}

	if !st.seen[part.FileHandle] {
		st.seen[part.FileHandle] = true
		st.parts = append(st.parts, part)
	}
	if caption != "" {
		st.caption = caption
	}

	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	timer := c.newTimer(c.quiet, func() { c.flush(key, "timer") })
	if timer == nil {
		// No timer infrastructure: flush now and accept possible
		// under-collection.
		c.mu.Unlock()
		c.logger.Warn("media-group timer unavailable, flushing immediately",
			"user", userID, "group", groupID)
		c.flush(key, "immediate")
		return
	}
	st.timer = timer
	c.mu.Unlock()
}

// Collecting reports whether the user currently has any group open. The
// boundary uses this to drop stray non-grouped messages while an album is
// in flight.
func (c *Collector) Collecting(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.groups {
		if key.userID == userID {
			return true
		}
	}
	return false
}

// Cancel drops one group and its timer without flushing.
func (c *Collector) Cancel(userID int64, groupID string) {
	c.drop(groupKey{userID: userID, groupID: groupID})
}

// CancelAllForUser drops every open group of a user. Called when the
// enclosing flow is aborted.
func (c *Collector) CancelAllForUser(userID int64) {
	c.mu.Lock()
	var keys []groupKey
	for key := range c.groups {
		if key.userID == userID {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()
	for _, key := range keys {
		c.drop(key)
	}
}

func (c *Collector) drop(key groupKey) {
	c.mu.Lock()
	st, ok := c.groups[key]
	if ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(c.groups, key)
	}
	c.mu.Unlock()
	if ok {
		metrics.MediaGroupFlushesTotal.WithLabelValues("cancel").Inc()
	}
}

func (c *Collector) flush(key groupKey, trigger string) {
	c.mu.Lock()
	st, ok := c.groups[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.groups, key)
	c.mu.Unlock()

	metrics.MediaGroupFlushesTotal.WithLabelValues(trigger).Inc()
	c.sink(Submission{
		UserID:  key.userID,
		GroupID: key.groupID,
		Parts:   st.parts,
		Caption: st.caption,
	})
}
