// Package server provides the HTTP API and websocket endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/jmhart/feedpush/internal/auth"
	"github.com/jmhart/feedpush/internal/feed"
	"github.com/jmhart/feedpush/internal/model"
	"github.com/jmhart/feedpush/internal/opml"
	"github.com/jmhart/feedpush/internal/pipeline"
	"github.com/jmhart/feedpush/internal/push"
	"github.com/jmhart/feedpush/internal/store"
)

const (
	addFeedTimeout    = 2 * time.Minute
	opmlImportTimeout = 10 * time.Minute
)

// Server is the main HTTP server.
type Server struct {
	store      store.Store
	hub        *push.Hub
	dispatcher *push.Dispatcher
	scheduler  *pipeline.Scheduler
	issuer     *auth.Issuer
	router     chi.Router
	upgrader   websocket.Upgrader
	log        *logrus.Entry
}

// New creates a new server.
func New(st store.Store, hub *push.Hub, dispatcher *push.Dispatcher, scheduler *pipeline.Scheduler, issuer *auth.Issuer) *Server {
	s := &Server{
		store:      st,
		hub:        hub,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		issuer:     issuer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logrus.WithField("component", "server"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Post("/authenticate", s.handleAuthenticate)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticated)
		r.Get("/feeds", s.handleFeeds)
		r.Get("/feed/{feedID}", s.handleChannel)
		r.Get("/item/{itemID}", s.handleItem)
		r.Get("/items/{feedID}", s.handleItems)
		r.Post("/add_feed", s.handleAddFeed)
		r.Post("/subscribe", s.handleSubscribe)
		r.Post("/import_opml", s.handleImportOPML)
		r.Get("/export_opml", s.handleExportOPML)
		r.Get("/ws", s.handleWebsocket)
	})

	s.router = r
}

// Handler returns the root handler for mounting on an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, OPTIONS, HEAD")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ctxKey int

const claimsKey ctxKey = iota

// authenticated rejects requests without a valid access token. The token is
// read from the Authorization header, or from the token query parameter for
// the websocket endpoint where browsers cannot set headers.
func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		claims, err := s.issuer.Parse(token)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func claimsFrom(r *http.Request) *auth.Claims {
	return r.Context().Value(claimsKey).(*auth.Claims)
}

// --- Handlers ---

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		http.Error(w, "parameters 'username' and 'password' required", http.StatusBadRequest)
		return
	}

	user, err := s.store.GetUserByName(username)
	if err != nil || user == nil || !auth.VerifyPassword(password, user.PasswordHash) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	token, err := s.issuer.Generate(user.ID, user.Username)
	if err != nil {
		s.log.WithError(err).Error("issuing token")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Write([]byte(token))
}

func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	channels, err := s.store.GetSubscribedChannels(claims.ID)
	if err != nil {
		s.log.WithError(err).Error("listing subscribed channels")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	feedID, err := pathID(r, "feedID")
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	channel, err := s.store.GetChannel(feedID)
	if err != nil || channel == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	items, err := s.store.GetItems(feedID)
	if err != nil {
		s.log.WithError(err).Error("loading channel items")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channel": channel,
		"items": lo.Map(items, func(it model.Item, _ int) model.CompositeItem {
			return model.CompositeFromItem(it)
		}),
	})
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	itemID, err := pathID(r, "itemID")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	item, err := s.store.GetItem(itemID)
	if err != nil || item == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleItems returns the caller's view of a feed's items, newest first,
// each carrying the caller's seen flag.
func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	feedID, err := pathID(r, "feedID")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	items, err := s.store.GetSubscribedItems(claims.ID, feedID)
	if err != nil {
		s.log.WithError(err).Error("loading subscribed items")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(items, func(it model.SubscribedItem, _ int) model.CompositeItem {
		return model.CompositeFromSubscribed(it)
	}))
}

func (s *Server) handleAddFeed(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	feedURL := r.PostFormValue("feed_url")
	if feedURL == "" {
		http.Error(w, "parameter 'feed_url' missing", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), addFeedTimeout)
	defer cancel()

	count, err := s.scheduler.Sync(ctx, feedURL)
	if err != nil {
		var fetchErr *pipeline.FetchError
		var parseErr *feed.ParseError
		switch {
		case errors.As(err, &fetchErr):
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "feed unreachable"})
		case errors.As(err, &parseErr):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "feed unparseable"})
		default:
			s.log.WithError(err).WithField("feed", feedURL).Error("add feed")
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	// Re-adding a known, unchanged feed succeeds with zero new items.
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "new_items": count})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	feedID, err := strconv.ParseInt(r.PostFormValue("feed_id"), 10, 64)
	if err != nil {
		http.Error(w, "parameter 'feed_id' missing", http.StatusBadRequest)
		return
	}

	subscribed, err := s.store.Subscribe(claims.ID, feedID)
	if err != nil {
		s.log.WithError(err).WithField("feed_id", feedID).Error("subscribe")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	// Wire every live session of the user onto the feed so pushes start
	// flowing without a reconnect, then announce the subscription.
	for _, c := range s.hub.SessionsForUser(claims.ID) {
		s.hub.Register(c, feedID)
	}
	s.dispatcher.NewFeed(*subscribed)
	writeJSON(w, http.StatusOK, subscribed)
}

// handleImportOPML registers every feed in an uploaded OPML file and
// subscribes the caller to each. Feeds that fail to fetch or parse are
// skipped, not fatal; the response reports how many made it.
func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	file, _, err := r.FormFile("opml")
	if err != nil {
		http.Error(w, "no file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	entries, err := opml.Parse(file)
	if err != nil {
		http.Error(w, "invalid opml", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), opmlImportTimeout)
	defer cancel()

	imported := 0
	for _, entry := range entries {
		if _, err := s.scheduler.Sync(ctx, entry.URL); err != nil {
			s.log.WithError(err).WithField("feed", entry.URL).Warn("skipping opml entry")
			continue
		}
		channel, err := s.store.GetChannelByLink(entry.URL)
		if err != nil || channel == nil {
			s.log.WithError(err).WithField("feed", entry.URL).Warn("imported channel missing")
			continue
		}
		if _, err := s.store.Subscribe(claims.ID, channel.ID); err != nil {
			s.log.WithError(err).WithField("feed_id", channel.ID).Warn("subscribing to imported channel")
			continue
		}
		imported++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"imported": imported,
		"total":    len(entries),
	})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	channels, err := s.store.GetSubscribedChannels(claims.ID)
	if err != nil {
		s.log.WithError(err).Error("listing subscribed channels")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	entries := lo.Map(channels, func(ch model.SubscribedFeed, _ int) opml.FeedEntry {
		return opml.FeedEntry{Title: ch.Title, URL: ch.FeedLink, SiteURL: ch.SiteLink}
	})
	data, err := opml.Export("feedpush subscriptions", entries)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=subscriptions.opml")
	w.Write(data)
}

// --- Websocket ---

// incomingMessage is an action a connected session requests.
type incomingMessage struct {
	Action  string  `json:"action"`
	FeedID  int64   `json:"feed_id,omitempty"`
	ItemIDs []int64 `json:"item_ids,omitempty"`
}

const (
	actionSubscribe = "Subscribe"
	actionMarkSeen  = "MarkSeen"
)

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	session := push.NewSession(claims.ID, conn)
	log := s.log.WithFields(logrus.Fields{"session": session.SessionID(), "user": claims.ID})

	// Track before registering: a user with no subscriptions yet still gets
	// NewFeed announcements on this session.
	s.hub.Track(session)

	channels, err := s.store.GetSubscribedChannels(claims.ID)
	if err != nil {
		log.WithError(err).Error("loading subscriptions for session")
		session.Close()
		return
	}
	for _, ch := range channels {
		s.hub.Register(session, ch.ID)
	}
	log.WithField("feeds", len(channels)).Info("session connected")

	defer func() {
		s.hub.Unregister(session)
		session.Close()
		log.Info("session disconnected")
	}()

	for {
		var msg incomingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("session read failed")
			}
			return
		}
		s.handleAction(session, claims.ID, msg, log)
	}
}

// handleAction applies one session-requested action and acknowledges it with
// an ActionResult message on the same session.
func (s *Server) handleAction(session *push.Session, userID int64, msg incomingMessage, log *logrus.Entry) {
	ok := false
	switch msg.Action {
	case actionSubscribe:
		subscribed, err := s.store.Subscribe(userID, msg.FeedID)
		if err != nil {
			log.WithError(err).WithField("feed_id", msg.FeedID).Warn("subscribe action failed")
			break
		}
		// All of the user's sessions start receiving this feed, not just the
		// one that asked.
		for _, c := range s.hub.SessionsForUser(userID) {
			s.hub.Register(c, msg.FeedID)
		}
		s.dispatcher.NewFeed(*subscribed)
		ok = true
	case actionMarkSeen:
		if err := s.store.MarkItemsSeen(userID, msg.ItemIDs); err != nil {
			log.WithError(err).Warn("mark seen action failed")
			break
		}
		ok = true
	default:
		log.WithField("action", msg.Action).Warn("unknown action")
	}

	if err := session.Send(push.ActionResultMessage(msg.Action, ok)); err != nil {
		log.WithError(err).Warn("acknowledging action")
	}
}

// --- Helpers ---

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
