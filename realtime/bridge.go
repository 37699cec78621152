package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler folds one change into local state.
type Handler func(Change)

// Bridge opens filtered, per-view subscriptions on a feed.
type Bridge struct {
	feed Feed
	log  *logrus.Entry
}

func NewBridge(feed Feed, log *logrus.Entry) *Bridge {
	return &Bridge{feed: feed, log: log}
}

// Channel starts describing a subscription on table.
func (b *Bridge) Channel(table string) *Channel {
	return &Channel{bridge: b, table: table, handlers: map[ChangeType][]Handler{}}
}

// Channel is a subscription under construction.
type Channel struct {
	bridge   *Bridge
	table    string
	column   string
	value    string
	handlers map[ChangeType][]Handler
}

// Filter restricts the channel to rows where column equals value.
func (c *Channel) Filter(column, value string) *Channel {
	c.column, c.value = column, value
	return c
}

// On registers a handler for one change type, or for all with Wildcard.
func (c *Channel) On(typ ChangeType, h Handler) *Channel {
	c.handlers[typ] = append(c.handlers[typ], h)
	return c
}

// Subscribe opens the stream and starts dispatching.
func (c *Channel) Subscribe(ctx context.Context) (*Subscription, error) {
	stream, err := c.bridge.feed.Subscribe(ctx, c.table)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", c.table, err)
	}
	sub := &Subscription{
		channel: c,
		stream:  stream,
		done:    make(chan struct{}),
		log:     c.bridge.log.WithFields(logrus.Fields{"table": c.table, "filter": c.column + "=" + c.value}),
	}
	go sub.dispatch()
	return sub, nil
}

// Subscription is a live channel. Close it when the owning view goes away.
type Subscription struct {
	channel *Channel
	stream  Stream
	done    chan struct{}
	once    sync.Once
	log     *logrus.Entry
}

func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.stream.Close()
	})
	return err
}

// Done is closed once dispatching has stopped, either because the
// subscription was closed or because the transport dropped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) dispatch() {
	defer close(s.done)
	for change := range s.stream.Changes() {
		if !s.channel.matches(change) {
			continue
		}
		for _, h := range s.channel.handlers[change.Type] {
			h(change)
		}
		for _, h := range s.channel.handlers[Wildcard] {
			h(change)
		}
	}
	s.log.Debug("realtime subscription ended")
}

func (c *Channel) matches(change Change) bool {
	if change.Table != c.table {
		return false
	}
	if c.column == "" {
		return true
	}
	var row map[string]interface{}
	if err := json.Unmarshal(change.Row(), &row); err != nil {
		return false
	}
	v, ok := row[c.column]
	if !ok {
		// delete events may carry only the primary key
		return change.Type == Delete
	}
	if v == nil {
		return c.value == ""
	}
	return fmt.Sprint(v) == c.value
}

// Scoped keeps one subscription bound to a scope key such as a lead id.
type Scoped struct {
	mu    sync.Mutex
	build func(key string) *Channel
	key   string
	sub   *Subscription
}

func NewScoped(build func(key string) *Channel) *Scoped {
	return &Scoped{build: build}
}

// Rescope re-establishes the subscription when key differs from the current
// one. It reports whether a new subscription was opened.
func (s *Scoped) Rescope(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil && s.key == key {
		return false, nil
	}
	if s.sub != nil {
		s.sub.Close()
		s.sub = nil
	}
	s.key = ""
	sub, err := s.build(key).Subscribe(ctx)
	if err != nil {
		return false, err
	}
	s.key, s.sub = key, sub
	return true, nil
}

func (s *Scoped) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

func (s *Scoped) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Close()
	s.sub, s.key = nil, ""
	return err
}
