// Package realtime mirrors backend tables by folding change events into
// local state.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

type ChangeType string

const (
	Insert   ChangeType = "INSERT"
	Update   ChangeType = "UPDATE"
	Delete   ChangeType = "DELETE"
	Wildcard ChangeType = "*"
)

var ErrFeedClosed = errors.New("realtime feed closed")

// Change is one row-level event of the change feed.
type Change struct {
	Table      string          `json:"table"`
	Type       ChangeType      `json:"type"`
	Record     json.RawMessage `json:"record,omitempty"`
	OldRecord  json.RawMessage `json:"old_record,omitempty"`
	CommitTime time.Time       `json:"commit_timestamp"`
}

// Row returns the record the event is about: the new row for inserts and
// updates, the old row for deletes.
func (c Change) Row() json.RawMessage {
	if c.Type == Delete && len(c.OldRecord) > 0 {
		return c.OldRecord
	}
	if len(c.Record) > 0 {
		return c.Record
	}
	return c.OldRecord
}

// Decode unmarshals Row into v.
func (c Change) Decode(v interface{}) error {
	row := c.Row()
	if len(row) == 0 {
		return fmt.Errorf("%s %s: empty record", c.Table, c.Type)
	}
	return json.Unmarshal(row, v)
}

// NewChange marshals a row into a change event.
func NewChange(table string, typ ChangeType, row interface{}) (Change, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return Change{}, err
	}
	c := Change{Table: table, Type: typ, CommitTime: time.Now().UTC()}
	if typ == Delete {
		c.OldRecord = raw
	} else {
		c.Record = raw
	}
	return c, nil
}

// Stream delivers the changes of one table until closed. The channel is
// closed when the transport goes away.
type Stream interface {
	Changes() <-chan Change
	Close() error
}

// Feed opens per-table streams.
type Feed interface {
	Subscribe(ctx context.Context, table string) (Stream, error)
}

// Publisher pushes changes into a feed.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
}

// MemoryFeed is an in-process feed. Slow subscribers drop events rather
// than block the publisher.
type MemoryFeed struct {
	mu     sync.Mutex
	subs   map[string]map[*memoryStream]struct{}
	buffer int
	closed bool
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: map[string]map[*memoryStream]struct{}{}, buffer: 64}
}

type memoryStream struct {
	feed  *MemoryFeed
	table string
	ch    chan Change
	once  sync.Once
}

func (s *memoryStream) Changes() <-chan Change { return s.ch }

func (s *memoryStream) Close() error {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs[s.table], s)
		s.feed.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (f *MemoryFeed) Subscribe(ctx context.Context, table string) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFeedClosed
	}
	s := &memoryStream{feed: f, table: table, ch: make(chan Change, f.buffer)}
	if f.subs[table] == nil {
		f.subs[table] = map[*memoryStream]struct{}{}
	}
	f.subs[table][s] = struct{}{}
	return s, nil
}

func (f *MemoryFeed) Publish(ctx context.Context, c Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFeedClosed
	}
	for s := range f.subs[c.Table] {
		select {
		case s.ch <- c:
		default:
		}
	}
	return nil
}

// Subscribers reports the live stream count of a table.
func (f *MemoryFeed) Subscribers(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[table])
}

// Close ends every stream, simulating a transport disconnect.
func (f *MemoryFeed) Close() {
	f.mu.Lock()
	var all []*memoryStream
	for _, set := range f.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	f.closed = true
	f.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}
