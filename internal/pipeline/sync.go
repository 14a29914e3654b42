// Package pipeline runs the per-feed synchronization cycle:
// fetch → normalize → detect → persist → notify.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jmhart/feedpush/internal/feed"
	"github.com/jmhart/feedpush/internal/model"
)

// DefaultFetchTimeout bounds one feed retrieval.
const DefaultFetchTimeout = 30 * time.Second

// Store is the slice of persistence the scheduler consumes.
type Store interface {
	FindOrCreateChannel(ch *model.Channel) (int64, error)
	ExistingGUIDs(feedID int64) (map[string]struct{}, error)
	InsertItems(feedID int64, items []model.Item) ([]model.Item, error)
}

// Dispatcher receives the stored delta for fan-out to live sessions.
type Dispatcher interface {
	NewItems(feedID int64, items []model.Item)
}

// Scheduler runs sync cycles, guaranteeing at most one in-flight cycle per
// feed URL at a time. Different feeds sync fully independently.
type Scheduler struct {
	store  Store
	notify Dispatcher
	client *http.Client
	log    *logrus.Entry

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewScheduler(st Store, d Dispatcher, fetchTimeout time.Duration) *Scheduler {
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	return &Scheduler{
		store:    st,
		notify:   d,
		client:   &http.Client{Timeout: fetchTimeout},
		log:      logrus.WithField("component", "pipeline"),
		inflight: make(map[string]struct{}),
	}
}

// Sync runs one end-to-end cycle for a single feed URL and returns the count
// of newly stored items. A call arriving while a cycle for the same URL is
// already in flight coalesces into a no-op success with zero new items; it
// never runs concurrently with that cycle. First-time registration is the
// same cycle: the channel is created idempotently and every parsed item is
// new against the empty guid set.
//
// Failures surface as *FetchError, *feed.ParseError or *StoreError, always
// without partial side effects: nothing is notified unless the whole batch
// was durably stored.
func (s *Scheduler) Sync(ctx context.Context, feedURL string) (int, error) {
	if !s.begin(feedURL) {
		s.log.WithField("feed", feedURL).Debug("sync already in flight, coalescing")
		return 0, nil
	}
	defer s.end(feedURL)

	payload, err := s.fetch(ctx, feedURL)
	if err != nil {
		return 0, err
	}

	channel, parsed, err := feed.Normalize(payload, feedURL)
	if err != nil {
		return 0, err
	}

	feedID, err := s.store.FindOrCreateChannel(&channel)
	if err != nil {
		return 0, &StoreError{Op: "find or create channel", Err: err}
	}

	known, err := s.store.ExistingGUIDs(feedID)
	if err != nil {
		return 0, &StoreError{Op: "load guids", Err: err}
	}

	fresh := feed.NewItems(parsed, known)
	if len(fresh) == 0 {
		return 0, nil
	}

	stored, err := s.store.InsertItems(feedID, fresh)
	if err != nil {
		return 0, &StoreError{Op: "insert items", Err: err}
	}

	// The store acknowledged the batch; subscribers hear about it even if
	// the triggering request has since gone away.
	s.notify.NewItems(feedID, stored)

	s.log.WithFields(logrus.Fields{
		"feed":      feedURL,
		"new_items": len(stored),
	}).Info("sync complete")
	return len(stored), nil
}

func (s *Scheduler) fetch(ctx context.Context, feedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, &FetchError{URL: feedURL, Err: err}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: feedURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{URL: feedURL, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: feedURL, Err: err}
	}
	return payload, nil
}

func (s *Scheduler) begin(feedURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[feedURL]; busy {
		return false
	}
	s.inflight[feedURL] = struct{}{}
	return true
}

func (s *Scheduler) end(feedURL string) {
	s.mu.Lock()
	delete(s.inflight, feedURL)
	s.mu.Unlock()
}
