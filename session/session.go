// Package session holds one application scope per signed-in user: the
// reference store, the lead book, the notes service and the workflow, all
// sharing one bus and one realtime bridge.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"leaddesk/backend"
	"leaddesk/bus"
	"leaddesk/leads"
	"leaddesk/models"
	"leaddesk/realtime"
	"leaddesk/store"
	"leaddesk/workflow"
)

// Provisioner is the privileged user-lifecycle surface.
type Provisioner interface {
	CreateUser(ctx context.Context, in backend.CreateUserInput) (models.Agent, error)
	UpdateUser(ctx context.Context, in backend.UpdateUserInput) error
	DeleteUser(ctx context.Context, userID string) error
}

// Deps are shared by every session of the process.
type Deps struct {
	Backend   backend.Backend
	Feed      realtime.Feed
	Snapshots store.SnapshotCache
	Quotes    *bus.Topic[[]models.Quote]
	Log       *logrus.Entry

	// Provision builds a provisioner acting with the caller's token.
	Provision func(token string) Provisioner
}

type Session struct {
	UserID   string
	Bus      *bus.Bus
	Store    *store.Store
	Book     *leads.Book
	Thread   *leads.Thread
	Workflow *workflow.Interceptor

	deps        Deps
	bridge      *realtime.Bridge
	log         *logrus.Entry
	cancel      context.CancelFunc
	unsubQuotes func()

	mu          sync.Mutex
	token       string
	provisioner Provisioner
	refs        int
	lastSeen    time.Time
	closed      bool
}

// Open loads the reference store and attaches every realtime subscription.
// The subscriptions live until Close, not until ctx ends.
func Open(ctx context.Context, deps Deps, userID, token string) (*Session, error) {
	log := deps.Log.WithField("user_id", userID)
	b := bus.New()
	bridge := realtime.NewBridge(deps.Feed, log.WithField("component", "realtime"))

	refs := store.New(store.Sources{Refs: deps.Backend, Chat: deps.Backend, Stats: deps.Backend},
		deps.Snapshots, log.WithField("component", "store"))
	if err := refs.Load(ctx, userID); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	live, cancel := context.WithCancel(context.Background())
	if err := refs.Attach(live, bridge, b); err != nil {
		cancel()
		return nil, fmt.Errorf("open session: %w", err)
	}
	book := leads.NewBook(deps.Backend, refs, b, log.WithField("component", "leads"))
	if err := book.Attach(live, bridge); err != nil {
		refs.Close()
		cancel()
		return nil, fmt.Errorf("open session: %w", err)
	}
	thread := leads.NewThread(deps.Backend, book, bridge, b, log.WithField("component", "notes"))

	s := &Session{
		UserID:   userID,
		Bus:      b,
		Store:    refs,
		Book:     book,
		Thread:   thread,
		Workflow: workflow.NewInterceptor(book, thread, refs, b, log.WithField("component", "workflow")),
		deps:     deps,
		bridge:   bridge,
		log:      log,
		cancel:   cancel,
		lastSeen: time.Now(),
	}
	s.setToken(token)
	if deps.Quotes != nil {
		s.unsubQuotes = deps.Quotes.Subscribe(b.Quotes.Publish)
	}
	log.Info("session opened")
	return s, nil
}

// NewThread returns a notes panel for one client connection, publishing on
// b. The session-wide Thread is never opened; each connection opens its own
// and closes it when the connection ends.
func (s *Session) NewThread(b *bus.Bus) *leads.Thread {
	return leads.NewThread(s.deps.Backend, s.Book, s.bridge, b, s.log.WithField("component", "notes"))
}

// User is the signed-in profile.
func (s *Session) User() models.Agent { return s.Store.CurrentUser() }

func (s *Session) setToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == s.token && s.provisioner != nil {
		return
	}
	s.token = token
	if s.deps.Provision != nil {
		s.provisioner = s.deps.Provision(token)
	}
}

func (s *Session) functions() Provisioner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provisioner
}

func (s *Session) touch(delta int) {
	s.mu.Lock()
	s.refs += delta
	if s.refs < 0 {
		s.refs = 0
	}
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		return 0, false
	}
	return now.Sub(s.lastSeen), true
}

// Close drops every subscription. The session is unusable afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.unsubQuotes != nil {
		s.unsubQuotes()
	}
	s.Thread.Close()
	s.Book.Close()
	s.Store.Close()
	s.cancel()
	s.log.Info("session closed")
}
