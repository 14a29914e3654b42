package push

import (
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/jmhart/feedpush/internal/model"
)

// Dispatcher fans stored deltas out to the sessions tracked by the Hub.
// Notifications are a liveliness optimization, not the system of record: a
// failed delivery is dropped, never retried, because the client re-fetches
// current state over the query interface on reconnect.
type Dispatcher struct {
	hub *Hub
	log *logrus.Entry
}

func NewDispatcher(hub *Hub) *Dispatcher {
	return &Dispatcher{
		hub: hub,
		log: logrus.WithField("component", "dispatcher"),
	}
}

// NewItems builds one NewItems message from the freshly stored batch and
// delivers it to every session currently subscribed to the feed. Items keep
// the order the change detector produced. A write failure on one session is
// logged and skipped; it never blocks or aborts delivery to the rest.
func (d *Dispatcher) NewItems(feedID int64, items []model.Item) {
	if len(items) == 0 {
		return
	}
	clients := d.hub.Subscribers(feedID)
	if len(clients) == 0 {
		return
	}

	msg := NewItemsMessage(feedID, lo.Map(items, func(it model.Item, _ int) model.CompositeItem {
		return model.CompositeFromItem(it)
	}))

	delivered := 0
	for _, c := range clients {
		if err := c.Send(msg); err != nil {
			d.log.WithError(err).WithField("session", c.SessionID()).Warn("dropping notification")
			continue
		}
		delivered++
	}
	d.log.WithFields(logrus.Fields{
		"feed_id":   feedID,
		"items":     len(items),
		"delivered": delivered,
	}).Debug("dispatched new items")
}

// NewFeed tells every session of one user about a feed they just subscribed
// to, so other open devices pick it up without a reload.
func (d *Dispatcher) NewFeed(feed model.SubscribedFeed) {
	msg := NewFeedMessage(feed)
	for _, c := range d.hub.SessionsForUser(feed.UserID) {
		if err := c.Send(msg); err != nil {
			d.log.WithError(err).WithField("session", c.SessionID()).Warn("dropping notification")
		}
	}
}
