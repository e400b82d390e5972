package hub

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionIndexRefcounts(t *testing.T) {
	idx := newSubscriptionIndex()

	assert.True(t, idx.Add("t", "a"), "first add is the 0->1 transition")
	assert.False(t, idx.Add("t", "a"), "second add is 1->2")
	assert.False(t, idx.Remove("t", "a"), "first remove is 2->1")
	assert.True(t, idx.Remove("t", "a"), "second remove is 1->0")
	assert.Empty(t, idx.Subscribers("t"), "vacated topic is deleted")
	assert.Zero(t, idx.Entries())
}

func TestSubscriptionIndexRemoveIdempotent(t *testing.T) {
	idx := newSubscriptionIndex()
	assert.False(t, idx.Remove("t", "ghost"))
	assert.False(t, idx.Remove("t", "ghost"))
	assert.Zero(t, idx.Entries())
}

func TestSubscriptionIndexRefcountSymmetry(t *testing.T) {
	idx := newSubscriptionIndex()
	const n = 5
	for i := 0; i < n; i++ {
		idx.Add("t", "a")
	}
	for i := 0; i < n-1; i++ {
		assert.False(t, idx.Remove("t", "a"))
	}
	assert.True(t, idx.Remove("t", "a"))
	assert.Zero(t, idx.Entries())
}

func TestSubscriptionIndexRemoveClient(t *testing.T) {
	idx := newSubscriptionIndex()
	idx.Add("t1", "a")
	idx.Add("t1", "a")
	idx.Add("t1", "b")
	idx.Add("t2", "a")

	vacated := idx.RemoveClient("a")
	assert.ElementsMatch(t, []string{"t1", "t2"}, vacated, "full removal ignores refcounts")
	assert.Len(t, idx.Subscribers("t1"), 1)
	assert.Empty(t, idx.Subscribers("t2"))
}

func TestSubscriptionIndexMatch(t *testing.T) {
	idx := newSubscriptionIndex()
	idx.Add("market.LSE.VOD", "a")
	idx.Add("market.NYSE.IBM", "b")

	re := regexp.MustCompile(`market\.LSE\..*`)
	assert.Equal(t, []string{"market.LSE.VOD"}, idx.Match(re))
}

func TestNotificationIndexRefcounts(t *testing.T) {
	idx := newNotificationIndex()
	re := regexp.MustCompile(`PRICES\..*`)

	assert.True(t, idx.Add(`PRICES\..*`, re, "l"))
	assert.False(t, idx.Add(`PRICES\..*`, re, "l"))
	idx.Remove(`PRICES\..*`, "l")
	assert.Equal(t, []string{"l"}, idx.Match("PRICES.VOD"), "still listening at refcount 1")
	idx.Remove(`PRICES\..*`, "l")
	assert.Empty(t, idx.Match("PRICES.VOD"))
	assert.Zero(t, idx.Patterns())
}

func TestNotificationIndexMatchDeduplicates(t *testing.T) {
	idx := newNotificationIndex()
	idx.Add(`PRICES\..*`, regexp.MustCompile(`PRICES\..*`), "l")
	idx.Add(`.*VOD`, regexp.MustCompile(`.*VOD`), "l")
	idx.Add(`.*VOD`, regexp.MustCompile(`.*VOD`), "other")

	listeners := idx.Match("PRICES.VOD")
	assert.ElementsMatch(t, []string{"l", "other"}, listeners)
}

func TestNotificationIndexRemoveUnknown(t *testing.T) {
	idx := newNotificationIndex()
	idx.Remove("nope", "l")
	assert.Zero(t, idx.Patterns())
}

func TestPublisherIndexStaleTopics(t *testing.T) {
	idx := newPublisherIndex()
	idx.Record("p1", "t1")
	idx.Record("p1", "t1")
	idx.Record("p1", "t2")
	idx.Record("p2", "t2")
	require.Equal(t, 2, idx.Topics())

	stale := idx.RemoveClient("p1")
	assert.Equal(t, []string{"t1"}, stale, "t2 still has p2")
	assert.Equal(t, 1, idx.Topics())

	stale = idx.RemoveClient("p2")
	assert.Equal(t, []string{"t2"}, stale)
	assert.Zero(t, idx.Topics())

	assert.Empty(t, idx.RemoveClient("p1"), "removal is idempotent")
}
