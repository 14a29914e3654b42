// Package model defines shared data structures.
package model

import "time"

// Channel represents a single registered syndication feed (RSS or Atom).
// FeedLink is the URL the feed is fetched from and is unique across all
// channels; it is the external identity used to deduplicate repeated
// "add feed" requests.
type Channel struct {
	ID          int64     `db:"id" json:"id"`
	Title       string    `db:"title" json:"title"`
	Description string    `db:"description" json:"description"`
	SiteLink    string    `db:"site_link" json:"site_link"`
	FeedLink    string    `db:"feed_link" json:"feed_link"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Item is one normalized entry within a Channel. GUID is the format-specific
// stable identifier (RSS <guid> or Atom <id>); (GUID, FeedID) is unique.
// Items are immutable once stored.
type Item struct {
	ID          int64      `db:"id" json:"id"`
	GUID        string     `db:"guid" json:"-"`
	Link        string     `db:"link" json:"link"`
	Title       string     `db:"title" json:"title"`
	Summary     *string    `db:"summary" json:"summary,omitempty"`
	Content     *string    `db:"content" json:"content,omitempty"`
	PublishedAt *time.Time `db:"published_at" json:"published_at"`
	UpdatedAt   *time.Time `db:"updated_at" json:"updated_at"`
	FeedID      int64      `db:"feed_id" json:"-"`
}

// SubscribedFeed is a Channel through the eyes of one user, carrying the
// denormalized count of items the user has not seen yet.
type SubscribedFeed struct {
	Channel
	UserID      int64 `db:"user_id" json:"user_id"`
	UnseenCount int64 `db:"unseen_count" json:"unseen_count"`
}

// SubscribedItem is the per-user view of an Item.
type SubscribedItem struct {
	Item
	UserID int64 `db:"user_id" json:"user_id"`
	Seen   bool  `db:"seen" json:"seen"`
}

// CompositeItem is the outbound projection of an Item plus its seen flag.
// It is never persisted; Summary and Content are omitted from the JSON
// encoding entirely when absent.
type CompositeItem struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	Summary     *string    `json:"summary,omitempty"`
	Content     *string    `json:"content,omitempty"`
	PublishedAt *time.Time `json:"published_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
	Seen        bool       `json:"seen"`
}

// CompositeFromItem projects a freshly stored Item for delivery. A new item
// has by definition not been seen by anyone.
func CompositeFromItem(it Item) CompositeItem {
	return CompositeItem{
		ID:          it.ID,
		Title:       it.Title,
		Link:        it.Link,
		Summary:     it.Summary,
		Content:     it.Content,
		PublishedAt: it.PublishedAt,
		UpdatedAt:   it.UpdatedAt,
	}
}

// CompositeFromSubscribed projects a per-user item row.
func CompositeFromSubscribed(it SubscribedItem) CompositeItem {
	c := CompositeFromItem(it.Item)
	c.Seen = it.Seen
	return c
}

// User is an account able to authenticate and hold subscriptions.
// PasswordHash is a base64-encoded SHA-256 digest.
type User struct {
	ID           int64  `db:"id" json:"id"`
	Username     string `db:"username" json:"username"`
	PasswordHash string `db:"password_hash" json:"-"`
}
