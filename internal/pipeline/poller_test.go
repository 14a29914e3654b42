package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmhart/feedpush/internal/model"
)

type staticLister struct {
	channels []model.Channel
}

func (l staticLister) GetChannels() ([]model.Channel, error) {
	return l.channels, nil
}

func TestPollerSyncsRegisteredChannels(t *testing.T) {
	fsA := newFeedServer(rssWithItems("a1"))
	defer fsA.Close()
	fsB := newFeedServer(rssWithItems("b1", "b2"))
	defer fsB.Close()

	st := newMemStore()
	disp := &memDispatcher{}
	sched := NewScheduler(st, disp, 5*time.Second)

	p := NewPoller(sched, staticLister{channels: []model.Channel{
		{FeedLink: fsA.URL},
		{FeedLink: fsB.URL},
	}}, 50*time.Millisecond)

	p.Start()
	require.Eventually(t, func() bool {
		return len(disp.dispatched()) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	p.Stop()

	assert.Equal(t, 1, st.count(st.channels[fsA.URL]))
	assert.Equal(t, 2, st.count(st.channels[fsB.URL]))
}

func TestPollerStopEndsLoop(t *testing.T) {
	st := newMemStore()
	sched := NewScheduler(st, &memDispatcher{}, time.Second)
	p := NewPoller(sched, staticLister{}, 10*time.Millisecond)

	p.Start()
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}
