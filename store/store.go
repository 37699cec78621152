// Package store is the per-session aggregation cache: the reference data
// every view shares and the counters derived from it.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"leaddesk/backend"
	"leaddesk/bus"
	"leaddesk/models"
	"leaddesk/policy"
	"leaddesk/realtime"
)

// GlobalRoomID is the well-known id of the desk-wide chat room.
const GlobalRoomID = "00000000-0000-0000-0000-000000000001"

var ErrNotReady = errors.New("reference store not ready")

// Sources groups the backend collaborators the store reads from.
type Sources struct {
	Refs  backend.ReferenceStore
	Chat  backend.ChatStore
	Stats backend.LeadStore
}

// Store holds reference collections and counters for one session. Readers
// get copies; only the loader and the realtime handlers write.
type Store struct {
	src   Sources
	cache SnapshotCache
	log   *logrus.Entry

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.RWMutex
	user     models.Agent
	agents   []models.Agent
	statuses []models.Status
	unread   unreadState
	counts   map[string]int
	member   map[string]struct{}

	subs   []*realtime.Subscription
	unsubs []func()
	bus    *bus.Bus
}

type unreadState struct {
	global  int
	direct  int
	support int
	rooms   map[string]struct{}
}

func New(src Sources, cache SnapshotCache, log *logrus.Entry) *Store {
	if cache == nil {
		cache = noCache{}
	}
	return &Store{
		src:    src,
		cache:  cache,
		log:    log,
		ready:  make(chan struct{}),
		counts: map[string]int{},
		unread: unreadState{rooms: map[string]struct{}{}},
	}
}

// Load fetches everything once and then fires the ready signal. A failed
// load leaves the store not ready.
func (s *Store) Load(ctx context.Context, userID string) error {
	var (
		user     models.Agent
		agents   []models.Agent
		statuses []models.Status
		rooms    []models.RoomUnread
		joined   []string
		members  bool
		support  int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		user, err = s.src.Refs.GetProfile(gctx, userID)
		if err != nil {
			return fmt.Errorf("load profile: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		agents, err = s.loadAgents(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		statuses, err = s.loadStatuses(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		rooms, err = s.src.Chat.UnreadByRoom(gctx, userID)
		if err != nil {
			// counters are not worth failing the session over
			s.log.WithError(err).Warn("unread rooms unavailable")
		}
		return nil
	})
	g.Go(func() error {
		var err error
		joined, err = s.src.Chat.MyRooms(gctx, userID)
		if err != nil {
			s.log.WithError(err).Warn("room memberships unavailable")
			return nil
		}
		members = true
		return nil
	})
	g.Go(func() error {
		var err error
		support, err = s.src.Chat.MyUnreadCount(gctx, userID)
		if err != nil {
			s.log.WithError(err).Warn("support unread count unavailable")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	s.user = user
	s.agents = agents
	s.statuses = statuses
	s.unread = foldRooms(rooms)
	s.unread.support = support
	s.member = nil
	if members {
		s.member = make(map[string]struct{}, len(joined))
		for _, id := range joined {
			s.member[id] = struct{}{}
		}
	}
	s.mu.Unlock()

	s.refreshCounts(ctx)

	s.readyOnce.Do(func() { close(s.ready) })
	s.log.WithFields(logrus.Fields{
		"user_id":  userID,
		"role":     user.Role,
		"agents":   len(agents),
		"statuses": len(statuses),
	}).Info("reference store ready")
	return nil
}

func (s *Store) loadAgents(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	if s.cache.Get(ctx, keyAgents, &agents) {
		return agents, nil
	}
	agents, err := s.src.Refs.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	s.cache.Set(ctx, keyAgents, agents)
	return agents, nil
}

func (s *Store) loadStatuses(ctx context.Context) ([]models.Status, error) {
	var statuses []models.Status
	if s.cache.Get(ctx, keyStatuses, &statuses) {
		return statuses, nil
	}
	statuses, err := s.src.Refs.ListStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("load statuses: %w", err)
	}
	s.cache.Set(ctx, keyStatuses, statuses)
	return statuses, nil
}

// Ready is closed once the initial load completed.
func (s *Store) Ready() <-chan struct{} { return s.ready }

func (s *Store) IsReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the store is ready or ctx is done.
func (s *Store) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
	}
}

func (s *Store) CurrentUser() models.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Store) Agents() []models.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Agent(nil), s.agents...)
}

// Agent looks up one roster entry.
func (s *Store) Agent(id string) (models.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.agents {
		if a.ID == id {
			return a, true
		}
	}
	return models.Agent{}, false
}

func (s *Store) Statuses() []models.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Status(nil), s.statuses...)
}

// StatusOptions is the role-filtered picker content for the current user.
func (s *Store) StatusOptions() []models.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return policy.StatusOptions(s.user, s.statuses)
}

// Scope is the current user's lead visibility rule.
func (s *Store) Scope() policy.Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return policy.LeadScope(s.user, s.agents)
}

func (s *Store) Unread() bus.Unread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadSnapshot()
}

func (s *Store) unreadSnapshot() bus.Unread {
	rooms := make([]string, 0, len(s.unread.rooms))
	for r := range s.unread.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return bus.Unread{
		Global:  s.unread.global,
		Direct:  s.unread.direct,
		Support: s.unread.support,
		Rooms:   rooms,
	}
}

// StatusCounts returns lead counts per status.
func (s *Store) StatusCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

func (s *Store) refreshCounts(ctx context.Context) {
	if s.src.Stats == nil {
		return
	}
	q := s.Scope().Apply(models.LeadQuery{})
	rows, err := s.src.Stats.LeadStats(ctx, q)
	if err != nil {
		s.log.WithError(err).Warn("lead stats unavailable")
		return
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Status] += r.Count
	}
	s.mu.Lock()
	s.counts = counts
	s.mu.Unlock()
}

// RefreshCounts re-queries lead stats, used after bulk operations.
func (s *Store) RefreshCounts(ctx context.Context) {
	s.refreshCounts(ctx)
}

// shiftCount moves one lead from one status bucket to another in a single
// update so no reader sees the intermediate state.
func (s *Store) shiftCount(from, to string) {
	if from == to {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if from != "" && s.counts[from] > 0 {
		s.counts[from]--
	}
	if to != "" {
		s.counts[to]++
	}
}

func foldRooms(rows []models.RoomUnread) unreadState {
	st := unreadState{rooms: map[string]struct{}{}}
	for _, r := range rows {
		if r.Unread <= 0 {
			continue
		}
		if r.RoomID == GlobalRoomID {
			st.global += r.Unread
			continue
		}
		st.direct += r.Unread
		st.rooms[r.RoomID] = struct{}{}
	}
	return st
}
