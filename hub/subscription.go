package hub

import "github.com/studiorosalind/triage/core"

// Subscription is one observer's view of an issue's event channel. Events
// arrive on Events in sequence order. When the subscription ends, Events is
// closed, Done is closed, and Err reports why: nil for a clean Close or hub
// shutdown, ErrSlowSubscriber if the hub dropped the observer.
type Subscription struct {
	issueID string
	channel *channel
	queue   chan core.StreamEvent
	done    chan struct{}
	err     error
}

// IssueID returns the issue this subscription observes.
func (s *Subscription) IssueID() string {
	return s.issueID
}

// Events returns the ordered event stream. The channel is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan core.StreamEvent {
	return s.queue
}

// Done is closed when the subscription ends, whatever the cause.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended. Only meaningful after Done is
// closed.
func (s *Subscription) Err() error {
	s.channel.mu.Lock()
	defer s.channel.mu.Unlock()
	return s.err
}

// Close detaches the subscription. Safe to call more than once and safe to
// race with the hub dropping the subscriber.
func (s *Subscription) Close() {
	c := s.channel
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[s]; !ok {
		return
	}
	c.dropLocked(s, nil)
	if c.terminal && len(c.subs) == 0 {
		c.hub.armRetireLocked(c)
	}
}
