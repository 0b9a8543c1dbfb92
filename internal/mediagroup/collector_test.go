package mediagroup

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvasily/streetmarket/internal/storage"
)

type capture struct {
	mu   sync.Mutex
	subs []Submission
}

func (c *capture) sink(s Submission) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, s)
}

func (c *capture) wait(t *testing.T, n int, timeout time.Duration) []Submission {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.subs) >= n {
			out := append([]Submission(nil), c.subs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d submissions", n)
	return nil
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func photo(handle string) Part {
	return Part{Kind: storage.MediaPhoto, FileHandle: handle}
}

// Four photos in a burst with the caption on the third part come out as a
// single submission with all four parts in arrival order.
func TestCollector_CoalescesGroup(t *testing.T) {
	cap := &capture{}
	c := New(cap.sink, slog.Default()).WithQuietPeriod(50 * time.Millisecond)

	c.Add(1, "g1", photo("f1"), "")
	time.Sleep(5 * time.Millisecond)
	c.Add(1, "g1", photo("f2"), "")
	time.Sleep(5 * time.Millisecond)
	c.Add(1, "g1", photo("f3"), "Hello")
	time.Sleep(5 * time.Millisecond)
	c.Add(1, "g1", photo("f4"), "")

	subs := cap.wait(t, 1, time.Second)
	require.Len(t, subs, 1)
	sub := subs[0]
	assert.Equal(t, int64(1), sub.UserID)
	assert.Equal(t, "g1", sub.GroupID)
	assert.Equal(t, "Hello", sub.Caption)
	require.Len(t, sub.Parts, 4)
	for i, want := range []string{"f1", "f2", "f3", "f4"} {
		assert.Equal(t, want, sub.Parts[i].FileHandle)
	}
}

func TestCollector_DedupsByFileHandle(t *testing.T) {
	cap := &capture{}
	c := New(cap.sink, slog.Default()).WithQuietPeriod(30 * time.Millisecond)

	c.Add(1, "g1", photo("f1"), "")
	c.Add(1, "g1", photo("f1"), "")
	c.Add(1, "g1", photo("f2"), "")

	subs := cap.wait(t, 1, time.Second)
	require.Len(t, subs[0].Parts, 2)
}

func TestCollector_TimerResetsOnEachPart(t *testing.T) {
	cap := &capture{}
	c := New(cap.sink, slog.Default()).WithQuietPeriod(60 * time.Millisecond)

	// Keep feeding parts faster than the quiet period; nothing may flush
	// until the feed stops.
	for i := 0; i < 4; i++ {
		c.Add(1, "g1", photo(string(rune('a'+i))), "")
		time.Sleep(30 * time.Millisecond)
	}
	assert.Zero(t, cap.count(), "flushed before the quiet period elapsed")

	subs := cap.wait(t, 1, time.Second)
	assert.Len(t, subs[0].Parts, 4)
}

func TestCollector_ParallelGroupsPerUser(t *testing.T) {
	cap := &capture{}
	c := New(cap.sink, slog.Default()).WithQuietPeriod(30 * time.Millisecond)

	c.Add(1, "g1", photo("a1"), "")
	c.Add(1, "g2", photo("b1"), "")
	c.Add(1, "g2", photo("b2"), "")

	subs := cap.wait(t, 2, time.Second)
	byGroup := map[string]int{}
	for _, s := range subs {
		byGroup[s.GroupID] = len(s.Parts)
	}
	assert.Equal(t, 1, byGroup["g1"])
	assert.Equal(t, 2, byGroup["g2"])
}

func TestCollector_CancelDropsStateAndTimer(t *testing.T) {
	cap := &capture{}
	c := New(cap.sink, slog.Default()).WithQuietPeriod(30 * time.Millisecond)

	c.Add(1, "g1", photo("f1"), "")
	assert.True(t, c.Collecting(1))

	c.Cancel(1, "g1")
	assert.False(t, c.Collecting(1))

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, cap.count(), "cancelled group must not flush")
}

func TestCollector_CancelAllForUser(t *testing.T) {
	cap := &capture{}
	c := New(cap.sink, slog.Default()).WithQuietPeriod(30 * time.Millisecond)

	c.Add(1, "g1", photo("f1"), "")
	c.Add(1, "g2", photo("f2"), "")
	c.Add(2, "g3", photo("f3"), "")

	c.CancelAllForUser(1)
	assert.False(t, c.Collecting(1))
	assert.True(t, c.Collecting(2))

	subs := cap.wait(t, 1, time.Second)
	require.Len(t, subs, 1)
	assert.Equal(t, int64(2), subs[0].UserID)
}

func TestCollector_ImmediateFlushWithoutTimers(t *testing.T) {
	cap := &capture{}
	c := New(cap.sink, slog.Default()).WithQuietPeriod(time.Hour)
	c.newTimer = func(time.Duration, func()) *time.Timer { return nil }

	c.Add(1, "g1", photo("f1"), "now")

	require.Equal(t, 1, cap.count())
	assert.Equal(t, "now", cap.subs[0].Caption)
	assert.False(t, c.Collecting(1))
}
