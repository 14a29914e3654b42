package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jmhart/feedpush/internal/model"
)

// ChannelLister provides the registered channels the poller cycles over.
type ChannelLister interface {
	GetChannels() ([]model.Channel, error)
}

// Poller periodically re-syncs every registered channel. Each channel syncs
// on its own goroutine; the per-feed in-flight guard in the Scheduler keeps
// a timer round from racing a manual refresh of the same feed.
type Poller struct {
	scheduler *Scheduler
	channels  ChannelLister
	interval  time.Duration
	log       *logrus.Entry

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewPoller(scheduler *Scheduler, channels ChannelLister, interval time.Duration) *Poller {
	return &Poller{
		scheduler: scheduler,
		channels:  channels,
		interval:  interval,
		log:       logrus.WithField("component", "poller"),
		stopChan:  make(chan struct{}),
	}
}

// Start begins the polling loop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			p.syncAll()
			select {
			case <-p.stopChan:
				return
			case <-time.After(p.interval):
			}
		}
	}()
}

// Stop stops the poller and waits for the loop to exit. In-flight syncs run
// to completion; a cycle past its persistence step is never cut short.
func (p *Poller) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}

func (p *Poller) syncAll() {
	channels, err := p.channels.GetChannels()
	if err != nil {
		p.log.WithError(err).Error("listing channels")
		return
	}
	if len(channels) == 0 {
		return
	}
	p.log.WithField("channels", len(channels)).Debug("poll round started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(feedURL string) {
			defer wg.Done()
			if _, err := p.scheduler.Sync(ctx, feedURL); err != nil {
				p.log.WithError(err).WithField("feed", feedURL).Warn("sync failed")
			}
		}(ch.FeedLink)
	}
	wg.Wait()
}
