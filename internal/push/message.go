// Package push delivers live notifications to connected client sessions.
package push

import "github.com/jmhart/feedpush/internal/model"

// MessageType discriminates the outbound message payload.
type MessageType string

const (
	MessageNewFeed      MessageType = "NewFeed"
	MessageNewItems     MessageType = "NewItems"
	MessageActionResult MessageType = "ActionResult"
)

// Message is the tagged wire envelope sent to sessions.
type Message struct {
	ID   MessageType `json:"id"`
	Data any         `json:"data"`
}

// ItemsPayload carries freshly stored items for one feed, in detector order.
type ItemsPayload struct {
	FeedID int64                 `json:"feed_id"`
	Items  []model.CompositeItem `json:"items"`
}

// FeedPayload announces a feed the user just subscribed to.
type FeedPayload struct {
	FeedID int64                `json:"feed_id"`
	Feed   model.SubscribedFeed `json:"feed"`
}

// ResultPayload acknowledges an action a session requested.
type ResultPayload struct {
	ID     string `json:"id"`
	Result bool   `json:"result"`
}

func NewItemsMessage(feedID int64, items []model.CompositeItem) Message {
	return Message{ID: MessageNewItems, Data: ItemsPayload{FeedID: feedID, Items: items}}
}

func NewFeedMessage(feed model.SubscribedFeed) Message {
	return Message{ID: MessageNewFeed, Data: FeedPayload{FeedID: feed.ID, Feed: feed}}
}

func ActionResultMessage(action string, ok bool) Message {
	return Message{ID: MessageActionResult, Data: ResultPayload{ID: action, Result: ok}}
}
