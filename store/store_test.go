package store

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaddesk/backend/backendtest"
	"leaddesk/bus"
	"leaddesk/models"
	"leaddesk/realtime"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newFake() *backendtest.Fake {
	f := backendtest.New()
	f.Agents["me"] = models.Agent{ID: "me", Name: "Me", Role: models.RoleAdmin}
	f.Agents["a1"] = models.Agent{ID: "a1", Name: "Agent", Role: models.RoleConversion}
	f.Statuses = backendtest.Taxonomy()
	f.Stats = []models.StatusCount{{Status: "New", Count: 3}, {Status: "FTD", Count: 1}}
	f.Rooms["me"] = []string{"room-x", "room-y"}
	return f
}

func newStore(f *backendtest.Fake, cache SnapshotCache) *Store {
	return New(Sources{Refs: f, Chat: f, Stats: f}, cache, testLogger())
}

func TestLoadFiresReady(t *testing.T) {
	f := newFake()
	f.Unread = []models.RoomUnread{
		{RoomID: GlobalRoomID, UserID: "me", Unread: 2},
		{RoomID: "room-b", UserID: "me", Unread: 3},
	}
	f.Support = 4
	s := newStore(f, nil)

	assert.False(t, s.IsReady())
	require.NoError(t, s.Load(context.Background(), "me"))
	assert.True(t, s.IsReady())

	assert.Equal(t, "me", s.CurrentUser().ID)
	assert.Len(t, s.Agents(), 2)
	assert.Len(t, s.Statuses(), len(backendtest.Taxonomy()))
	assert.Equal(t, bus.Unread{Global: 2, Direct: 3, Support: 4, Rooms: []string{"room-b"}}, s.Unread())
	assert.Equal(t, map[string]int{"New": 3, "FTD": 1}, s.StatusCounts())
}

func TestWaitReadyHonoursContext(t *testing.T) {
	s := newStore(newFake(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitReady(ctx), ErrNotReady)
}

func TestLoadFailsOnUnknownProfile(t *testing.T) {
	s := newStore(newFake(), nil)
	require.Error(t, s.Load(context.Background(), "ghost"))
	assert.False(t, s.IsReady())
}

func TestAttachRequiresReady(t *testing.T) {
	s := newStore(newFake(), nil)
	err := s.Attach(context.Background(), realtime.NewBridge(realtime.NewMemoryFeed(), testLogger()), bus.New())
	assert.ErrorIs(t, err, ErrNotReady)
}

type liveFixture struct {
	store *Store
	feed  *realtime.MemoryFeed
	bus   *bus.Bus
	fake  *backendtest.Fake

	mu      sync.Mutex
	updates []bus.Unread
}

func newLive(t *testing.T) *liveFixture {
	t.Helper()
	fx := &liveFixture{fake: newFake(), feed: realtime.NewMemoryFeed(), bus: bus.New()}
	fx.store = newStore(fx.fake, nil)
	require.NoError(t, fx.store.Load(context.Background(), "me"))
	require.NoError(t, fx.store.Attach(context.Background(), realtime.NewBridge(fx.feed, testLogger()), fx.bus))
	fx.bus.Unread.Subscribe(func(u bus.Unread) {
		fx.mu.Lock()
		fx.updates = append(fx.updates, u)
		fx.mu.Unlock()
	})
	t.Cleanup(fx.store.Close)
	return fx
}

func (fx *liveFixture) publish(t *testing.T, table string, typ realtime.ChangeType, row interface{}) {
	t.Helper()
	c, err := realtime.NewChange(table, typ, row)
	require.NoError(t, err)
	require.NoError(t, fx.feed.Publish(context.Background(), c))
}

func (fx *liveFixture) updateCount() int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return len(fx.updates)
}

func TestMessageInsertBuckets(t *testing.T) {
	fx := newLive(t)

	fx.publish(t, "chat_messages", realtime.Insert, models.ChatMessage{ID: "m1", RoomID: GlobalRoomID, SenderID: "a1"})
	require.Eventually(t, func() bool { return fx.updateCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, bus.Unread{Global: 1, Direct: 0, Rooms: []string{}}, fx.store.Unread())

	fx.publish(t, "chat_messages", realtime.Insert, models.ChatMessage{ID: "m2", RoomID: "room-x", SenderID: "a1"})
	require.Eventually(t, func() bool { return fx.updateCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, bus.Unread{Global: 1, Direct: 1, Rooms: []string{"room-x"}}, fx.store.Unread())

	// own messages never count as unread
	fx.publish(t, "chat_messages", realtime.Insert, models.ChatMessage{ID: "m3", RoomID: "room-y", SenderID: "me"})
	fx.publish(t, "chat_messages", realtime.Insert, models.ChatMessage{ID: "m4", RoomID: "room-x", SenderID: "a1"})
	require.Eventually(t, func() bool { return fx.updateCount() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, bus.Unread{Global: 1, Direct: 2, Rooms: []string{"room-x"}}, fx.store.Unread())
}

func TestMessagesOutsideMyRoomsIgnored(t *testing.T) {
	fx := newLive(t)

	fx.publish(t, "chat_messages", realtime.Insert, models.ChatMessage{ID: "m1", RoomID: "room-q", SenderID: "a1"})
	fx.publish(t, "chat_messages", realtime.Insert, models.ChatMessage{ID: "m2", RoomID: "room-x", SenderID: "a1"})
	require.Eventually(t, func() bool { return fx.updateCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, bus.Unread{Global: 0, Direct: 1, Rooms: []string{"room-x"}}, fx.store.Unread())

	fx.publish(t, "chat_room_members", realtime.Insert, models.RoomMember{RoomID: "room-q", UserID: "me"})
	require.Eventually(t, func() bool {
		fx.store.mu.RLock()
		defer fx.store.mu.RUnlock()
		_, ok := fx.store.member["room-q"]
		return ok
	}, time.Second, 5*time.Millisecond)

	fx.publish(t, "chat_messages", realtime.Insert, models.ChatMessage{ID: "m3", RoomID: "room-q", SenderID: "a1"})
	require.Eventually(t, func() bool { return fx.updateCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, bus.Unread{Global: 0, Direct: 2, Rooms: []string{"room-q", "room-x"}}, fx.store.Unread())
}

func TestReadEventRecomputesFromView(t *testing.T) {
	fx := newLive(t)
	fx.publish(t, "chat_messages", realtime.Insert, models.ChatMessage{ID: "m1", RoomID: "room-x", SenderID: "a1"})
	require.Eventually(t, func() bool { return fx.updateCount() == 1 }, time.Second, 5*time.Millisecond)

	fx.fake.SetUnread([]models.RoomUnread{{RoomID: "room-z", UserID: "me", Unread: 5}})
	fx.publish(t, "message_reads", realtime.Insert, models.MessageRead{ID: "r1", RoomID: "room-x", UserID: "me"})
	// a read receipt of somebody else is filtered out
	fx.publish(t, "message_reads", realtime.Insert, models.MessageRead{ID: "r2", RoomID: "room-x", UserID: "a1"})

	require.Eventually(t, func() bool { return fx.updateCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, bus.Unread{Global: 0, Direct: 5, Rooms: []string{"room-z"}}, fx.store.Unread())
}

func TestLeadDeltaShiftsCounts(t *testing.T) {
	fx := newLive(t)

	fx.bus.LeadDeltas.Publish(bus.LeadDelta{LeadID: "l1", Field: "status", Old: "New", New: "FTD"})
	fx.bus.LeadDeltas.Publish(bus.LeadDelta{LeadID: "l1", Field: "assigned_to", Old: "", New: "a1"})

	assert.Equal(t, map[string]int{"New": 2, "FTD": 2}, fx.store.StatusCounts())
}

func TestRosterFollowsUserEvents(t *testing.T) {
	fx := newLive(t)

	fx.publish(t, "users", realtime.Insert, models.Agent{ID: "a2", Name: "New Hire", Role: models.RoleRetention})
	require.Eventually(t, func() bool { return len(fx.store.Agents()) == 3 }, time.Second, 5*time.Millisecond)

	fx.publish(t, "users", realtime.Update, models.Agent{ID: "a2", Name: "Renamed", Role: models.RoleRetention})
	require.Eventually(t, func() bool {
		a, ok := fx.store.Agent("a2")
		return ok && a.Name == "Renamed"
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, fx.store.Agents(), 3)

	fx.publish(t, "users", realtime.Delete, models.Agent{ID: "a1"})
	require.Eventually(t, func() bool { return len(fx.store.Agents()) == 2 }, time.Second, 5*time.Millisecond)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *mapCache) Get(_ context.Context, key string, dest interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.data[key]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dest) == nil
}

func (c *mapCache) Set(_ context.Context, key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, _ := json.Marshal(value)
	c.data[key] = raw
}

func (c *mapCache) Invalidate(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

func TestSnapshotCacheSharedBetweenSessions(t *testing.T) {
	f := newFake()
	cache := &mapCache{data: map[string][]byte{}}

	require.NoError(t, newStore(f, cache).Load(context.Background(), "me"))
	second := newStore(f, cache)
	require.NoError(t, second.Load(context.Background(), "a1"))

	assert.Len(t, f.CallsTo("ListAgents"), 1)
	assert.Len(t, f.CallsTo("ListStatuses"), 1)
	assert.Len(t, second.Agents(), 2)
}

func TestStatusOptionsForConversion(t *testing.T) {
	s := newStore(newFake(), nil)
	require.NoError(t, s.Load(context.Background(), "a1"))

	for _, st := range s.StatusOptions() {
		assert.NotContains(t, []string{"Up Sale", "Trash", "Archived"}, st.Label)
	}
	assert.Len(t, s.StatusOptions(), 5)
}
