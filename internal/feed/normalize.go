// Package feed turns raw RSS and Atom payloads into the canonical channel
// and item model, and decides which parsed items are genuinely new.
package feed

import (
	"bytes"
	"fmt"
	"time"

	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed/atom"
	"github.com/mmcdole/gofeed/rss"

	"github.com/jmhart/feedpush/internal/model"
)

// ParseError reports a payload that is neither valid RSS nor valid Atom.
type ParseError struct {
	URL    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.URL, e.Reason)
}

// Normalize parses a fetched feed payload into a canonical Channel and its
// ordered items. It tries RSS first and falls back to Atom; if both parsers
// reject the payload it returns a ParseError. Items missing a required field
// (guid, title or link) are dropped individually, never failing the channel.
//
// The channel's FeedLink is always feedURL, the URL the payload was fetched
// from; link values inside feed payloads are often absent or inconsistent.
func Normalize(payload []byte, feedURL string) (model.Channel, []model.Item, error) {
	rp := &rss.Parser{}
	if f, err := rp.Parse(bytes.NewReader(payload)); err == nil {
		ch, items := fromRSS(f, feedURL)
		return ch, items, nil
	}

	ap := &atom.Parser{}
	f, err := ap.Parse(bytes.NewReader(payload))
	if err != nil {
		return model.Channel{}, nil, &ParseError{URL: feedURL, Reason: "payload is neither valid RSS nor Atom"}
	}
	ch, items := fromAtom(f, feedURL)
	return ch, items, nil
}

func fromRSS(f *rss.Feed, feedURL string) (model.Channel, []model.Item) {
	ch := model.Channel{
		Title:       f.Title,
		Description: f.Description,
		SiteLink:    f.Link,
		FeedLink:    feedURL,
		UpdatedAt:   time.Now().UTC(),
	}

	var items []model.Item
	for _, it := range f.Items {
		if it.GUID == nil || it.GUID.Value == "" || it.Title == "" || it.Link == "" {
			continue
		}
		published := parseTime(it.PubDate, it.PubDateParsed)
		items = append(items, model.Item{
			GUID:        it.GUID.Value,
			Title:       it.Title,
			Link:        it.Link,
			Summary:     optional(it.Description),
			Content:     optional(it.Content),
			PublishedAt: published,
			UpdatedAt:   published,
		})
	}
	return ch, items
}

func fromAtom(f *atom.Feed, feedURL string) (model.Channel, []model.Item) {
	ch := model.Channel{
		Title:       f.Title,
		Description: f.Subtitle,
		FeedLink:    feedURL,
		UpdatedAt:   time.Now().UTC(),
	}
	if len(f.Links) > 0 {
		ch.SiteLink = f.Links[0].Href
	}

	var items []model.Item
	for _, en := range f.Entries {
		link := firstHref(en.Links)
		if en.ID == "" || en.Title == "" || link == "" {
			continue
		}
		m := model.Item{
			GUID:        en.ID,
			Title:       en.Title,
			Link:        link,
			Summary:     optional(en.Summary),
			PublishedAt: parseTime(en.Published, en.PublishedParsed),
			UpdatedAt:   parseTime(en.Updated, en.UpdatedParsed),
		}
		if en.Content != nil {
			m.Content = optional(en.Content.Value)
		}
		items = append(items, m)
	}
	return ch, items
}

func firstHref(links []*atom.Link) string {
	for _, l := range links {
		if l != nil && l.Href != "" {
			return l.Href
		}
	}
	return ""
}

// parseTime prefers the timestamp the variant parser already understood, then
// retries the raw string as RFC 2822 and finally as a loose ISO-8601 date.
// A date no parser understands yields a nil timestamp, not an error.
func parseTime(raw string, parsed *time.Time) *time.Time {
	if parsed != nil {
		t := parsed.UTC()
		return &t
	}
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC1123} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	if t, err := dateparse.ParseAny(raw); err == nil {
		t = t.UTC()
		return &t
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
