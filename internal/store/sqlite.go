package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/jmhart/feedpush/internal/model"
)

// SQLiteStore wraps an SQLite database, for single-binary deployments and
// tests that need a real store without a running PostgreSQL.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens or creates an SQLite database at the given path.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; avoids SQLITE_BUSY under concurrent syncs.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS feeds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		site_link TEXT NOT NULL DEFAULT '',
		feed_link TEXT NOT NULL UNIQUE,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		guid TEXT NOT NULL,
		link TEXT NOT NULL,
		title TEXT NOT NULL,
		summary TEXT,
		content TEXT,
		published_at DATETIME,
		updated_at DATETIME,
		feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		UNIQUE(feed_id, guid)
	);
	CREATE TABLE IF NOT EXISTS subscribed_feeds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		unseen_count INTEGER NOT NULL DEFAULT 0,
		UNIQUE(feed_id, user_id)
	);
	CREATE TABLE IF NOT EXISTS subscribed_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		seen INTEGER NOT NULL DEFAULT 0,
		UNIQUE(item_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_items_feed_id ON items(feed_id);
	CREATE INDEX IF NOT EXISTS idx_items_published_at ON items(published_at DESC);
	CREATE INDEX IF NOT EXISTS idx_subscribed_items_user ON subscribed_items(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- User Methods ---

func (s *SQLiteStore) CreateUser(username, passwordHash string) (int64, error) {
	res, err := s.db.Exec("INSERT INTO users (username, password_hash) VALUES (?, ?)", username, passwordHash)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) GetUserByName(username string) (*model.User, error) {
	var u model.User
	if err := s.db.Get(&u, "SELECT id, username, password_hash FROM users WHERE username = ?", username); err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Channel Methods ---

func (s *SQLiteStore) ChannelExists(feedLink string) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM feeds WHERE feed_link = ?", feedLink).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) FindOrCreateChannel(ch *model.Channel) (int64, error) {
	var id int64
	err := s.db.QueryRow("SELECT id FROM feeds WHERE feed_link = ?", ch.FeedLink).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		if _, ierr := s.db.Exec(`
			INSERT INTO feeds (title, description, site_link, feed_link, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(feed_link) DO UPDATE SET updated_at = excluded.updated_at`,
			ch.Title, ch.Description, ch.SiteLink, ch.FeedLink, ch.UpdatedAt); ierr != nil {
			return 0, ierr
		}
		err = s.db.QueryRow("SELECT id FROM feeds WHERE feed_link = ?", ch.FeedLink).Scan(&id)
	}
	if err != nil {
		return 0, err
	}
	ch.ID = id
	return id, nil
}

func (s *SQLiteStore) GetChannel(feedID int64) (*model.Channel, error) {
	var ch model.Channel
	if err := s.db.Get(&ch, "SELECT id, title, description, site_link, feed_link, updated_at FROM feeds WHERE id = ?", feedID); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *SQLiteStore) GetChannelByLink(feedLink string) (*model.Channel, error) {
	var ch model.Channel
	if err := s.db.Get(&ch, "SELECT id, title, description, site_link, feed_link, updated_at FROM feeds WHERE feed_link = ?", feedLink); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *SQLiteStore) GetChannels() ([]model.Channel, error) {
	var channels []model.Channel
	err := s.db.Select(&channels, "SELECT id, title, description, site_link, feed_link, updated_at FROM feeds ORDER BY id")
	return channels, err
}

func (s *SQLiteStore) GetSubscribedChannels(userID int64) ([]model.SubscribedFeed, error) {
	var feeds []model.SubscribedFeed
	err := s.db.Select(&feeds, `
		SELECT f.id, f.title, f.description, f.site_link, f.feed_link, f.updated_at,
		       sf.user_id, sf.unseen_count
		FROM feeds f
		JOIN subscribed_feeds sf ON sf.feed_id = f.id
		WHERE sf.user_id = ?
		ORDER BY f.title`, userID)
	return feeds, err
}

// --- Item Methods ---

func (s *SQLiteStore) ExistingGUIDs(feedID int64) (map[string]struct{}, error) {
	rows, err := s.db.Query("SELECT guid FROM items WHERE feed_id = ?", feedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	guids := make(map[string]struct{})
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		guids[g] = struct{}{}
	}
	return guids, rows.Err()
}

func (s *SQLiteStore) InsertItems(feedID int64, items []model.Item) ([]model.Item, error) {
	if len(items) == 0 {
		return nil, nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var subscribers []int64
	if err := tx.Select(&subscribers, "SELECT user_id FROM subscribed_feeds WHERE feed_id = ?", feedID); err != nil {
		return nil, err
	}

	var stored []model.Item
	for _, it := range items {
		res, err := tx.Exec(`
			INSERT INTO items (guid, link, title, summary, content, published_at, updated_at, feed_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(feed_id, guid) DO NOTHING`,
			it.GUID, it.Link, it.Title, it.Summary, it.Content, it.PublishedAt, it.UpdatedAt, feedID)
		if err != nil {
			return nil, err
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			// Guid raced in since detection; the row is already stored.
			continue
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		it.ID = id
		it.FeedID = feedID
		stored = append(stored, it)

		for _, userID := range subscribers {
			if _, err := tx.Exec(`
				INSERT INTO subscribed_items (item_id, user_id, seen)
				VALUES (?, ?, 0)
				ON CONFLICT(item_id, user_id) DO NOTHING`, id, userID); err != nil {
				return nil, err
			}
		}
	}

	if len(stored) > 0 {
		if _, err := tx.Exec(
			"UPDATE subscribed_feeds SET unseen_count = unseen_count + ? WHERE feed_id = ?",
			len(stored), feedID); err != nil {
			return nil, err
		}
		if _, err := tx.Exec("UPDATE feeds SET updated_at = ? WHERE id = ?", time.Now().UTC(), feedID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *SQLiteStore) GetItem(itemID int64) (*model.Item, error) {
	row := s.db.QueryRow("SELECT "+itemColumns+" FROM items WHERE id = ?", itemID)
	it, err := scanItemRow(row)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *SQLiteStore) GetItems(feedID int64) ([]model.Item, error) {
	rows, err := s.db.Query("SELECT "+itemColumns+" FROM items WHERE feed_id = ? ORDER BY published_at DESC", feedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *SQLiteStore) GetSubscribedItems(userID, feedID int64) ([]model.SubscribedItem, error) {
	rows, err := s.db.Query(`
		SELECT i.id, i.guid, i.link, i.title, i.summary, i.content, i.published_at, i.updated_at, i.feed_id,
		       si.user_id, si.seen
		FROM items i
		JOIN subscribed_items si ON si.item_id = i.id
		WHERE si.user_id = ? AND i.feed_id = ?
		ORDER BY i.published_at DESC`, userID, feedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscribedItems(rows)
}

func (s *SQLiteStore) MaxPublishedAt(feedID int64) (*time.Time, error) {
	var t time.Time
	err := s.db.QueryRow(`
		SELECT published_at FROM items
		WHERE feed_id = ? AND published_at IS NOT NULL
		ORDER BY published_at DESC LIMIT 1`, feedID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

// --- Subscription Methods ---

func (s *SQLiteStore) Subscribe(userID, feedID int64) (*model.SubscribedFeed, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO subscribed_feeds (feed_id, user_id, unseen_count)
		VALUES (?, ?, 0)
		ON CONFLICT(feed_id, user_id) DO NOTHING`, feedID, userID); err != nil {
		return nil, err
	}

	// Backfill per-user rows for items stored before the subscription; a
	// re-subscribe must not resurrect rows already marked seen.
	if _, err := tx.Exec(`
		INSERT INTO subscribed_items (item_id, user_id, seen)
		SELECT i.id, ?, 0 FROM items i WHERE i.feed_id = ?
		ON CONFLICT(item_id, user_id) DO NOTHING`, userID, feedID); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		UPDATE subscribed_feeds SET unseen_count = (
			SELECT COUNT(*) FROM subscribed_items si
			JOIN items i ON i.id = si.item_id
			WHERE si.user_id = ? AND i.feed_id = ? AND si.seen = 0)
		WHERE feed_id = ? AND user_id = ?`, userID, feedID, feedID, userID); err != nil {
		return nil, err
	}

	var sf model.SubscribedFeed
	if err := tx.QueryRow(`
		SELECT f.id, f.title, f.description, f.site_link, f.feed_link, f.updated_at,
		       sf.user_id, sf.unseen_count
		FROM feeds f
		JOIN subscribed_feeds sf ON sf.feed_id = f.id
		WHERE sf.feed_id = ? AND sf.user_id = ?`, feedID, userID).Scan(
		&sf.ID, &sf.Title, &sf.Description, &sf.SiteLink, &sf.FeedLink, &sf.UpdatedAt,
		&sf.UserID, &sf.UnseenCount); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sf, nil
}

func (s *SQLiteStore) MarkItemsSeen(userID int64, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, itemID := range itemIDs {
		if _, err := tx.Exec(`
			UPDATE subscribed_items SET seen = 1
			WHERE user_id = ? AND item_id = ? AND seen = 0`, userID, itemID); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`
		UPDATE subscribed_feeds SET unseen_count = (
			SELECT COUNT(*) FROM subscribed_items si
			JOIN items i ON i.id = si.item_id
			WHERE si.user_id = subscribed_feeds.user_id
			  AND i.feed_id = subscribed_feeds.feed_id
			  AND si.seen = 0)
		WHERE user_id = ?`, userID); err != nil {
		return err
	}

	return tx.Commit()
}
