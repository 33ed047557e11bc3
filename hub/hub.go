// Package hub implements the per-issue event stream fan-out. Each analyzed
// issue owns one logical channel; workers publish ordered events into it and
// any number of observers subscribe, late joiners first draining a bounded
// replay buffer. Publishing never blocks: a subscriber that cannot keep up is
// disconnected rather than allowed to stall the worker.
package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/studiorosalind/triage/core"
	"github.com/studiorosalind/triage/logging"
)

var (
	// ErrChannelRetired is returned when publishing to or subscribing on an
	// issue whose channel has been retired. Consumers should read the
	// persisted issue record instead.
	ErrChannelRetired = errors.New("event channel retired")

	// ErrSlowSubscriber is reported through Subscription.Err after the hub
	// dropped a subscriber whose queue overflowed. The subscriber may
	// resubscribe and drain the replay buffer.
	ErrSlowSubscriber = errors.New("subscriber queue overflow")

	// ErrHubClosed is returned after Shutdown.
	ErrHubClosed = errors.New("hub closed")
)

// Options configures a Hub.
type Options struct {
	// ReplayLimit bounds the per-issue replay buffer. Oldest events are
	// evicted first. Defaults to 256.
	ReplayLimit int

	// SubscriberBuffer is the per-subscriber headroom for live events on top
	// of the replay capacity. Defaults to 64.
	SubscriberBuffer int

	// RetireGrace is how long a terminal channel lingers with zero
	// subscribers before it is retired. Defaults to 30s.
	RetireGrace time.Duration

	// Logger receives fan-out diagnostics. Defaults to NoOp.
	Logger logging.Logger
}

// Hub routes stream events to per-issue channels. All methods are safe for
// concurrent use.
type Hub struct {
	opts   Options
	logger logging.Logger

	mu       sync.Mutex
	channels map[string]*channel
	retired  map[string]struct{}
	closed   bool
}

// New creates a Hub with optional overrides.
func New(optFns ...func(o *Options)) *Hub {
	opts := Options{
		ReplayLimit:      256,
		SubscriberBuffer: 64,
		RetireGrace:      30 * time.Second,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ReplayLimit < 1 {
		opts.ReplayLimit = 1
	}
	if opts.SubscriberBuffer < 1 {
		opts.SubscriberBuffer = 1
	}
	return &Hub{
		opts:     opts,
		logger:   opts.Logger,
		channels: make(map[string]*channel),
		retired:  make(map[string]struct{}),
	}
}

// channel is the fan-out state for one issue. All fields are guarded by mu.
// Lock ordering: Hub.mu before channel.mu, never the reverse.
type channel struct {
	issueID string
	hub     *Hub

	mu       sync.Mutex
	seq      int64
	replay   []core.StreamEvent
	subs     map[*Subscription]struct{}
	terminal bool
	retired  bool
	timer    *time.Timer
}

func (h *Hub) getOrCreate(issueID string) (*channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if _, ok := h.retired[issueID]; ok {
		return nil, ErrChannelRetired
	}
	c, ok := h.channels[issueID]
	if !ok {
		c = &channel{issueID: issueID, hub: h, subs: make(map[*Subscription]struct{})}
		h.channels[issueID] = c
	}
	return c, nil
}

// Publish stamps the event with the next sequence number for its issue,
// appends it to the replay buffer and fans it out. It never blocks: a
// subscriber without queue space is disconnected with ErrSlowSubscriber.
// The stamped event is returned.
func (h *Hub) Publish(ev core.StreamEvent) (core.StreamEvent, error) {
	c, err := h.getOrCreate(ev.IssueID)
	if err != nil {
		return core.StreamEvent{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired {
		return core.StreamEvent{}, ErrChannelRetired
	}

	c.seq++
	ev.SequenceNo = c.seq

	if len(c.replay) >= h.opts.ReplayLimit {
		c.replay = append(c.replay[1:], ev)
	} else {
		c.replay = append(c.replay, ev)
	}

	for sub := range c.subs {
		select {
		case sub.queue <- ev:
		default:
			h.logger.Warn("hub.subscriber.dropped", "issue_id", ev.IssueID, "seq", ev.SequenceNo)
			c.dropLocked(sub, ErrSlowSubscriber)
			if c.terminal && len(c.subs) == 0 {
				h.armRetireLocked(c)
			}
		}
	}

	if c.terminal {
		h.logger.Debug("hub.publish.after_terminal", "issue_id", ev.IssueID, "seq", ev.SequenceNo)
	}
	return ev, nil
}

// Subscribe attaches an observer to an issue's channel, creating the channel
// if it does not exist yet (subscribing before the first event is legal).
// The returned subscription first receives the full replay buffer in order,
// then live events, with no gaps or duplicates across the boundary.
func (h *Hub) Subscribe(issueID string) (*Subscription, error) {
	c, err := h.getOrCreate(issueID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired {
		return nil, ErrChannelRetired
	}

	// Queue sized so the replay snapshot always fits with live headroom.
	sub := &Subscription{
		issueID: issueID,
		channel: c,
		queue:   make(chan core.StreamEvent, h.opts.ReplayLimit+h.opts.SubscriberBuffer),
		done:    make(chan struct{}),
	}
	for _, ev := range c.replay {
		sub.queue <- ev
	}
	c.subs[sub] = struct{}{}

	// A new subscriber pauses a pending retirement.
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	h.logger.Debug("hub.subscribed", "issue_id", issueID, "replayed", len(c.replay))
	return sub, nil
}

// MarkTerminal starts the retirement clock for an issue's channel. The
// channel is retired once the grace period elapses with zero subscribers;
// a subscriber arriving during grace pauses the clock, and it re-arms in
// full when the last subscriber leaves.
func (h *Hub) MarkTerminal(issueID string) {
	c, err := h.getOrCreate(issueID)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminal = true
	if len(c.subs) == 0 {
		h.armRetireLocked(c)
	}
}

// armRetireLocked schedules retirement; caller holds c.mu.
func (h *Hub) armRetireLocked(c *channel) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(h.opts.RetireGrace, func() { h.tryRetire(c) })
}

// tryRetire removes the channel if it is still terminal with no subscribers.
func (h *Hub) tryRetire(c *channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.terminal || c.retired || len(c.subs) > 0 {
		return
	}

	c.retired = true
	delete(h.channels, c.issueID)
	h.retired[c.issueID] = struct{}{}
	c.replay = nil
	h.logger.Info("hub.channel.retired", "issue_id", c.issueID, "last_seq", c.seq)
}

// Snapshot returns a copy of the replay buffer, for consumers that want the
// history without a live subscription. Unknown or retired issues yield nil.
func (h *Hub) Snapshot(issueID string) []core.StreamEvent {
	h.mu.Lock()
	c, ok := h.channels[issueID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.StreamEvent, len(c.replay))
	copy(out, c.replay)
	return out
}

// SubscriberCount reports the live subscriber count for an issue.
func (h *Hub) SubscriberCount(issueID string) int {
	h.mu.Lock()
	c, ok := h.channels[issueID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Sequence reports the last assigned sequence number for an issue, 0 if none.
func (h *Hub) Sequence(issueID string) int64 {
	h.mu.Lock()
	c, ok := h.channels[issueID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Retired reports whether the issue's channel has been retired.
func (h *Hub) Retired(issueID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.retired[issueID]
	return ok
}

// Shutdown disconnects every subscriber cleanly and rejects further use.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true

	for _, c := range h.channels {
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		for sub := range c.subs {
			c.dropLocked(sub, nil)
		}
		c.replay = nil
		c.mu.Unlock()
	}
	h.channels = make(map[string]*channel)
}

// dropLocked detaches a subscriber and closes its queue; caller holds c.mu.
// The subscription's error is set before done closes so readers observing
// Done see the final Err.
func (c *channel) dropLocked(sub *Subscription, cause error) {
	if _, ok := c.subs[sub]; !ok {
		return
	}
	delete(c.subs, sub)
	sub.err = cause
	close(sub.queue)
	close(sub.done)
}
