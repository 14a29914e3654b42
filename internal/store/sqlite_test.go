package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmhart/feedpush/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testChannel(feedLink string) *model.Channel {
	return &model.Channel{
		Title:     "Example News",
		SiteLink:  "http://example.com",
		FeedLink:  feedLink,
		UpdatedAt: time.Now().UTC(),
	}
}

func testItem(guid string, published time.Time) model.Item {
	summary := "summary of " + guid
	return model.Item{
		GUID:        guid,
		Link:        "http://example.com/" + guid,
		Title:       "title " + guid,
		Summary:     &summary,
		PublishedAt: &published,
		UpdatedAt:   &published,
	}
}

func TestFindOrCreateChannelIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	first, err := s.FindOrCreateChannel(testChannel("http://example.com/rss"))
	require.NoError(t, err)
	second, err := s.FindOrCreateChannel(testChannel("http://example.com/rss"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := s.FindOrCreateChannel(testChannel("http://example.com/atom"))
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	byLink, err := s.GetChannelByLink("http://example.com/rss")
	require.NoError(t, err)
	assert.Equal(t, first, byLink.ID)

	exists, err := s.ChannelExists("http://example.com/rss")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.ChannelExists("http://example.com/missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestInsertItemsDeduplicatesByGUID(t *testing.T) {
	s := newTestStore(t)
	feedID, err := s.FindOrCreateChannel(testChannel("http://example.com/rss"))
	require.NoError(t, err)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	batch := []model.Item{testItem("a", base), testItem("b", base.Add(time.Hour))}

	stored, err := s.InsertItems(feedID, batch)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.NotZero(t, stored[0].ID)

	// Same batch again: nothing stored, nothing duplicated.
	stored, err = s.InsertItems(feedID, batch)
	require.NoError(t, err)
	assert.Empty(t, stored)

	items, err := s.GetItems(feedID)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	guids, err := s.ExistingGUIDs(feedID)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"a": {}, "b": {}}, guids)
}

func TestMaxPublishedAtIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	feedID, err := s.FindOrCreateChannel(testChannel("http://example.com/rss"))
	require.NoError(t, err)

	mark, err := s.MaxPublishedAt(feedID)
	require.NoError(t, err)
	assert.Nil(t, mark)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err = s.InsertItems(feedID, []model.Item{testItem("a", base)})
	require.NoError(t, err)

	mark, err = s.MaxPublishedAt(feedID)
	require.NoError(t, err)
	require.NotNil(t, mark)
	assert.True(t, mark.Equal(base))

	// An older item must not move the watermark backwards.
	_, err = s.InsertItems(feedID, []model.Item{testItem("old", base.Add(-24*time.Hour))})
	require.NoError(t, err)
	mark, err = s.MaxPublishedAt(feedID)
	require.NoError(t, err)
	require.NotNil(t, mark)
	assert.True(t, mark.Equal(base))
}

func TestSubscriptionFanOut(t *testing.T) {
	s := newTestStore(t)
	feedID, err := s.FindOrCreateChannel(testChannel("http://example.com/rss"))
	require.NoError(t, err)

	userID, err := s.CreateUser("alice", "hash")
	require.NoError(t, err)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err = s.InsertItems(feedID, []model.Item{testItem("before", base)})
	require.NoError(t, err)

	// Subscribing backfills rows for items stored before the subscription.
	sf, err := s.Subscribe(userID, feedID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sf.UnseenCount)

	// New inserts fan out eagerly and bump the unseen count.
	_, err = s.InsertItems(feedID, []model.Item{testItem("after", base.Add(time.Hour))})
	require.NoError(t, err)

	feeds, err := s.GetSubscribedChannels(userID)
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, int64(2), feeds[0].UnseenCount)

	items, err := s.GetSubscribedItems(userID, feedID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.False(t, it.Seen)
	}
}

func TestMarkItemsSeen(t *testing.T) {
	s := newTestStore(t)
	feedID, err := s.FindOrCreateChannel(testChannel("http://example.com/rss"))
	require.NoError(t, err)
	userID, err := s.CreateUser("alice", "hash")
	require.NoError(t, err)
	_, err = s.Subscribe(userID, feedID)
	require.NoError(t, err)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	stored, err := s.InsertItems(feedID, []model.Item{testItem("a", base), testItem("b", base.Add(time.Hour))})
	require.NoError(t, err)
	require.Len(t, stored, 2)

	require.NoError(t, s.MarkItemsSeen(userID, []int64{stored[0].ID}))

	feeds, err := s.GetSubscribedChannels(userID)
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, int64(1), feeds[0].UnseenCount)

	// Re-subscribing must not resurrect the seen state.
	sf, err := s.Subscribe(userID, feedID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sf.UnseenCount)

	items, err := s.GetSubscribedItems(userID, feedID)
	require.NoError(t, err)
	seen := 0
	for _, it := range items {
		if it.Seen {
			seen++
		}
	}
	assert.Equal(t, 1, seen)
}
