// Package bus carries typed in-process signals between session components
// and the UI stream, so nested components never reach into their owners.
package bus

import (
	"sync"
	"time"

	"leaddesk/models"
)

// Topic is a typed fan-out point. Handlers run synchronously on the
// publishing goroutine, in subscription order.
type Topic[T any] struct {
	mu   sync.RWMutex
	next int
	subs []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Subscribe registers fn and returns the function that removes it.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	t.next++
	id := t.next
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, s := range t.subs {
				if s.id == id {
					t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	subs := make([]subscriber[T], len(t.subs))
	copy(subs, t.subs)
	t.mu.RUnlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Len reports the number of live subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

type ToastType string

const (
	ToastSuccess ToastType = "success"
	ToastError   ToastType = "error"
	ToastInfo    ToastType = "info"
)

// Toast is a short user-facing message.
type Toast struct {
	Message string    `json:"message"`
	Type    ToastType `json:"type"`
}

// LeadDelta reports an old -> new transition of one lead field so that
// derived aggregations can move a count from one bucket to another.
type LeadDelta struct {
	LeadID string `json:"lead_id"`
	Field  string `json:"field"`
	Old    string `json:"old"`
	New    string `json:"new"`
}

type PatchKind string

const (
	PatchUpsert PatchKind = "upsert"
	PatchRemove PatchKind = "remove"
)

// LeadPatch tells the UI a row of its table changed.
type LeadPatch struct {
	Kind PatchKind    `json:"kind"`
	Lead *models.Lead `json:"lead,omitempty"`
	ID   string       `json:"id"`
}

// NotePatch tells the UI the open notes thread changed.
type NotePatch struct {
	Kind   PatchKind    `json:"kind"`
	Note   *models.Note `json:"note,omitempty"`
	ID     string       `json:"id"`
	LeadID string       `json:"lead_id"`
}

// Celebration parameterizes the full-screen overlay after a confirmed
// consequential transition.
type Celebration struct {
	Kind       string        `json:"kind"`
	LeadID     string        `json:"lead_id"`
	Particles  int           `json:"particles"`
	Bursts     int           `json:"bursts"`
	BurstDelay time.Duration `json:"burst_delay"`
	Duration   time.Duration `json:"duration"`
	Palette    []string      `json:"palette"`
	Caption    string        `json:"caption"`
}

// Unread is a snapshot of the unread counters.
type Unread struct {
	Global  int      `json:"global"`
	Direct  int      `json:"direct"`
	Support int      `json:"support"`
	Rooms   []string `json:"rooms"`
}

// Bus groups the topics of one session.
type Bus struct {
	Toasts       Topic[Toast]
	LeadDeltas   Topic[LeadDelta]
	LeadPatches  Topic[LeadPatch]
	NotePatches  Topic[NotePatch]
	Celebrations Topic[Celebration]
	Unread       Topic[Unread]
	Quotes       Topic[[]models.Quote]
}

func New() *Bus {
	return &Bus{}
}

func (b *Bus) Error(message string) {
	b.Toasts.Publish(Toast{Message: message, Type: ToastError})
}

func (b *Bus) Success(message string) {
	b.Toasts.Publish(Toast{Message: message, Type: ToastSuccess})
}
