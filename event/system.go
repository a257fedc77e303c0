package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Subscriber is the part of System that the consumers of bridge events need.
type Subscriber interface {
	Subscribe(events ...Type) (subID uint64, eventsCh <-chan *Event)
	Unsubscribe(subID uint64)
}

type subscription struct {
	types map[Type]struct{}
	ch    chan *Event
}

func (s *subscription) wants(t Type) bool {
	_, ok := s.types[t]
	return ok
}

// System delivers the events of the bridge to their subscribers.
type System struct {
	mu     sync.RWMutex
	lastID uint64
	subs   map[uint64]*subscription
	buffer int
	logger logrus.FieldLogger
}

// NewEventSystem returns a System whose subscription channels hold up to
// eventBuffer events. An event is dropped for a subscriber whose channel is
// full.
func NewEventSystem(eventBuffer int, logger logrus.FieldLogger) *System {
	return &System{
		subs:   make(map[uint64]*subscription),
		buffer: eventBuffer,
		logger: logger.WithField("component", "events"),
	}
}

// Subscribe returns a channel receiving the events of the given types and
// the id to unsubscribe it with. It panics without any type.
func (s *System) Subscribe(events ...Type) (subID uint64, eventsCh <-chan *Event) {
	if len(events) == 0 {
		panic("must subscribe to at least 1 event type")
	}

	sub := &subscription{
		types: make(map[Type]struct{}, len(events)),
		ch:    make(chan *Event, s.buffer),
	}
	for _, t := range events {
		sub.types[t] = struct{}{}
	}

	s.mu.Lock()
	s.lastID++
	subID = s.lastID
	s.subs[subID] = sub
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"subscriptionID": subID,
		"events":         events,
	}).Debug("Created event subscription")
	return subID, sub.ch
}

// Emit delivers event to the subscribers of its type. The returned function
// waits until every subscriber that got the event called its Done.
func (s *System) Emit(event *Event) (wait func(context.Context) error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var targets []chan *Event
	for _, sub := range s.subs {
		if sub.wants(event.Type) {
			targets = append(targets, sub.ch)
		}
	}
	if len(targets) == 0 {
		return func(context.Context) error { return nil }
	}

	done := make(chan struct{}, len(targets))
	inner := event.Done
	event.Done = func() {
		if inner != nil {
			inner()
		}
		select {
		case done <- struct{}{}:
		default:
		}
	}

	delivered := 0
	for _, ch := range targets {
		select {
		case ch <- event:
			delivered++
		default:
			s.logger.WithField("event", event.Type).Warn("Dropped event, subscriber is too slow")
		}
	}
	s.logger.WithFields(logrus.Fields{
		"subscribers": delivered,
		"event":       event.Type,
	}).Trace("Emitted event")

	return func(ctx context.Context) error {
		for i := 0; i < delivered; i++ {
			select {
			case <-done:
			case <-ctx.Done():
				return fmt.Errorf("%d of %d subscribers did not process the %q event: %w",
					delivered-i, delivered, event.Type, ctx.Err())
			}
		}
		return nil
	}
}

// Unsubscribe closes the channel of the subscription subID.
func (s *System) Unsubscribe(subID uint64) {
	s.mu.Lock()
	sub, ok := s.subs[subID]
	delete(s.subs, subID)
	s.mu.Unlock()

	if !ok {
		return
	}
	close(sub.ch)
	s.logger.WithField("subscriptionID", subID).Debug("Removed event subscription")
}

// UnsubscribeAll closes the channels of every subscription.
func (s *System) UnsubscribeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[uint64]*subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	if len(subs) > 0 {
		s.logger.WithField("subscriptions", len(subs)).Debug("Removed all event subscriptions")
	}
}
