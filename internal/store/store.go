// Package store provides durable storage for channels, items, users and
// subscriptions.
package store

import (
	"database/sql"
	"time"

	"github.com/jmhart/feedpush/internal/model"
)

// Store defines the persistence contract consumed by the sync pipeline and
// the HTTP layer. Both the PostgreSQL and SQLite implementations satisfy it.
type Store interface {
	Close() error

	// User operations
	CreateUser(username, passwordHash string) (int64, error)
	GetUserByName(username string) (*model.User, error)

	// Channel operations
	ChannelExists(feedLink string) (bool, error)
	// FindOrCreateChannel inserts the channel unless one with the same feed
	// link already exists, in which case the existing channel is reused.
	// The channel's ID field is set either way.
	FindOrCreateChannel(ch *model.Channel) (int64, error)
	GetChannel(feedID int64) (*model.Channel, error)
	GetChannelByLink(feedLink string) (*model.Channel, error)
	GetChannels() ([]model.Channel, error)
	GetSubscribedChannels(userID int64) ([]model.SubscribedFeed, error)

	// Item operations
	ExistingGUIDs(feedID int64) (map[string]struct{}, error)
	// InsertItems stores the batch in one transaction, skipping guids that
	// raced in since detection, fans unseen rows out to every subscriber of
	// the feed and bumps their unseen counts. It returns the stored items
	// with identities assigned.
	InsertItems(feedID int64, items []model.Item) ([]model.Item, error)
	GetItem(itemID int64) (*model.Item, error)
	GetItems(feedID int64) ([]model.Item, error)
	GetSubscribedItems(userID, feedID int64) ([]model.SubscribedItem, error)
	// MaxPublishedAt returns the most recent published timestamp stored for
	// the channel, or nil when the channel has no dated items.
	MaxPublishedAt(feedID int64) (*time.Time, error)

	// Subscription operations
	Subscribe(userID, feedID int64) (*model.SubscribedFeed, error)
	MarkItemsSeen(userID int64, itemIDs []int64) error
}

const itemColumns = "id, guid, link, title, summary, content, published_at, updated_at, feed_id"

// scanItems reads item rows with nullable columns unpacked into pointers.
// Shared by both backends since database/sql rows are driver-agnostic.
func scanItems(rows *sql.Rows) ([]model.Item, error) {
	var items []model.Item
	for rows.Next() {
		it, err := scanItemRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItemRow(row rowScanner) (model.Item, error) {
	var it model.Item
	var summary, content sql.NullString
	var published, updated sql.NullTime
	if err := row.Scan(&it.ID, &it.GUID, &it.Link, &it.Title, &summary, &content, &published, &updated, &it.FeedID); err != nil {
		return model.Item{}, err
	}
	if summary.Valid {
		it.Summary = &summary.String
	}
	if content.Valid {
		it.Content = &content.String
	}
	if published.Valid {
		t := published.Time.UTC()
		it.PublishedAt = &t
	}
	if updated.Valid {
		t := updated.Time.UTC()
		it.UpdatedAt = &t
	}
	return it, nil
}

func scanSubscribedItems(rows *sql.Rows) ([]model.SubscribedItem, error) {
	var items []model.SubscribedItem
	for rows.Next() {
		var si model.SubscribedItem
		var summary, content sql.NullString
		var published, updated sql.NullTime
		if err := rows.Scan(&si.ID, &si.GUID, &si.Link, &si.Title, &summary, &content, &published, &updated, &si.FeedID, &si.UserID, &si.Seen); err != nil {
			return nil, err
		}
		if summary.Valid {
			si.Summary = &summary.String
		}
		if content.Valid {
			si.Content = &content.String
		}
		if published.Valid {
			t := published.Time.UTC()
			si.PublishedAt = &t
		}
		if updated.Valid {
			t := updated.Time.UTC()
			si.UpdatedAt = &t
		}
		items = append(items, si)
	}
	return items, rows.Err()
}
