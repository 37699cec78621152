package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaddesk/backend"
	"leaddesk/backend/backendtest"
	"leaddesk/bus"
	"leaddesk/models"
	"leaddesk/policy"
	"leaddesk/realtime"
)

type fakeProvisioner struct {
	mu      sync.Mutex
	created []backend.CreateUserInput
	updated []backend.UpdateUserInput
	deleted []string
	err     error
}

func (p *fakeProvisioner) CreateUser(_ context.Context, in backend.CreateUserInput) (models.Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return models.Agent{}, p.err
	}
	p.created = append(p.created, in)
	return models.Agent{ID: "new-id", Name: in.Name, Email: in.Email, Role: in.Role}, nil
}

func (p *fakeProvisioner) UpdateUser(_ context.Context, in backend.UpdateUserInput) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updated = append(p.updated, in)
	return p.err
}

func (p *fakeProvisioner) DeleteUser(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, id)
	return p.err
}

type harness struct {
	fake   *backendtest.Fake
	feed   *realtime.MemoryFeed
	prov   *fakeProvisioner
	deps   Deps
	tokens []string
}

func newHarness() *harness {
	log := logrus.New()
	log.SetOutput(io.Discard)

	f := backendtest.New()
	leader := "tl"
	f.Agents["me"] = models.Agent{ID: "me", Name: "Admin", Role: models.RoleAdmin}
	f.Agents["mgr"] = models.Agent{ID: "mgr", Name: "Manager", Role: models.RoleManager, AllowedSources: models.SourceList{"fb"}}
	f.Agents["tl"] = models.Agent{ID: "tl", Name: "Lead", Role: models.RoleTeamLeader}
	f.Agents["a1"] = models.Agent{ID: "a1", Name: "Casey", Role: models.RoleConversion, TeamLeaderID: &leader}
	f.Agents["a2"] = models.Agent{ID: "a2", Name: "Robin", Role: models.RoleRetention}
	f.Statuses = backendtest.Taxonomy()

	h := &harness{fake: f, feed: realtime.NewMemoryFeed(), prov: &fakeProvisioner{}}
	h.deps = Deps{
		Backend: f,
		Feed:    h.feed,
		Log:     logrus.NewEntry(log),
		Provision: func(token string) Provisioner {
			h.tokens = append(h.tokens, token)
			return h.prov
		},
	}
	return h
}

func TestAcquireSharesOneSessionPerUser(t *testing.T) {
	h := newHarness()
	m := NewManager(h.deps, time.Minute)
	t.Cleanup(m.Shutdown)

	var wg sync.WaitGroup
	got := make([]*Session, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Acquire(context.Background(), "me", "tok")
			assert.NoError(t, err)
			got[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range got {
		assert.Same(t, got[0], s)
	}
	assert.Len(t, h.fake.CallsTo("GetProfile"), 1)
	assert.Equal(t, 1, m.Len())
	live, ok := m.Get("me")
	require.True(t, ok)
	assert.Same(t, got[0], live)
	assert.True(t, got[0].Store.IsReady())
}

func TestAcquireFailureIsNotCached(t *testing.T) {
	h := newHarness()
	m := NewManager(h.deps, time.Minute)

	_, err := m.Acquire(context.Background(), "ghost", "tok")
	require.Error(t, err)
	assert.Equal(t, 0, m.Len())
}

func TestReapClosesIdleSessions(t *testing.T) {
	h := newHarness()
	m := NewManager(h.deps, time.Minute)

	s, err := m.Acquire(context.Background(), "me", "tok")
	require.NoError(t, err)
	assert.Positive(t, h.feed.Subscribers("leads"))

	// in use, never reaped
	assert.Equal(t, 0, m.Reap(time.Now().Add(time.Hour)))

	m.Release(s)
	assert.Equal(t, 0, m.Reap(time.Now()))
	assert.Equal(t, 1, m.Reap(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, m.Len())
	_, ok := m.Get("me")
	assert.False(t, ok)
	assert.Equal(t, 0, h.feed.Subscribers("leads"))
	assert.Equal(t, 0, h.feed.Subscribers("users"))
}

func TestRunShutsDownOnCancel(t *testing.T) {
	h := newHarness()
	m := NewManager(h.deps, time.Minute)
	_, err := m.Acquire(context.Background(), "me", "tok")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
	assert.Equal(t, 0, m.Len())
}

func TestTokenRefreshRebuildsProvisioner(t *testing.T) {
	h := newHarness()
	m := NewManager(h.deps, time.Minute)
	t.Cleanup(m.Shutdown)

	_, err := m.Acquire(context.Background(), "me", "t1")
	require.NoError(t, err)
	_, err = m.Acquire(context.Background(), "me", "t1")
	require.NoError(t, err)
	_, err = m.Acquire(context.Background(), "me", "t2")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, h.tokens)
}

func openAs(t *testing.T, h *harness, userID string) *Session {
	t.Helper()
	s, err := Open(context.Background(), h.deps, userID, "tok")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestTeamVisibility(t *testing.T) {
	h := newHarness()

	all, err := openAs(t, h, "me").Team()
	require.NoError(t, err)
	assert.Len(t, all, 5)

	mine, err := openAs(t, h, "tl").Team()
	require.NoError(t, err)
	ids := []string{}
	for _, a := range mine {
		ids = append(ids, a.ID)
	}
	assert.ElementsMatch(t, []string{"tl", "a1"}, ids)

	_, err = openAs(t, h, "a2").Team()
	assert.ErrorIs(t, err, policy.ErrForbidden)
}

func TestCreateMember(t *testing.T) {
	h := newHarness()
	s := openAs(t, h, "mgr")

	_, err := s.CreateMember(context.Background(), backend.CreateUserInput{Email: "x@example.com", Password: "secret123", Name: "X", Role: models.RoleAdmin})
	assert.ErrorIs(t, err, policy.ErrForbidden)

	_, err = s.CreateMember(context.Background(), backend.CreateUserInput{Email: "not-an-email", Password: "secret123", Name: "X", Role: models.RoleRetention})
	assert.ErrorIs(t, err, ErrInvalidEmail)

	agent, err := s.CreateMember(context.Background(), backend.CreateUserInput{Email: "x@example.com", Password: "secret123", Name: "X", Role: models.RoleRetention})
	require.NoError(t, err)
	assert.Equal(t, "new-id", agent.ID)
	require.Len(t, h.prov.created, 1)

	calls := h.fake.CallsTo("SyncTradingRole")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"new-id", string(models.RoleRetention)}, calls[0].IDs)
}

func TestUpdateMemberGates(t *testing.T) {
	h := newHarness()
	agent := openAs(t, h, "a2")

	name := "Robin B"
	require.NoError(t, agent.UpdateMember(context.Background(), backend.UpdateUserInput{UserID: "a2", Name: &name}))

	role := models.RoleManager
	err := agent.UpdateMember(context.Background(), backend.UpdateUserInput{UserID: "a2", Role: &role})
	assert.ErrorIs(t, err, policy.ErrForbidden)

	err = agent.UpdateMember(context.Background(), backend.UpdateUserInput{UserID: "a1", Name: &name})
	assert.ErrorIs(t, err, policy.ErrForbidden)
	assert.Len(t, h.prov.updated, 1)

	admin := openAs(t, h, "me")
	require.NoError(t, admin.UpdateMember(context.Background(), backend.UpdateUserInput{UserID: "a2", Role: &role}))
	assert.Len(t, h.fake.CallsTo("SyncTradingRole"), 1)
}

func TestManagerCannotUpdateAdmin(t *testing.T) {
	h := newHarness()
	mgr := openAs(t, h, "mgr")

	password := "takeover1"
	err := mgr.UpdateMember(context.Background(), backend.UpdateUserInput{UserID: "me", Password: &password})
	assert.ErrorIs(t, err, policy.ErrForbidden)

	role := models.RoleRetention
	err = mgr.UpdateMember(context.Background(), backend.UpdateUserInput{UserID: "me", Role: &role})
	assert.ErrorIs(t, err, policy.ErrForbidden)
	assert.Empty(t, h.prov.updated)
	assert.Empty(t, h.fake.CallsTo("SyncTradingRole"))

	require.NoError(t, mgr.UpdateMember(context.Background(), backend.UpdateUserInput{UserID: "a2", Password: &password}))
	assert.Len(t, h.prov.updated, 1)
}

func TestDeleteMember(t *testing.T) {
	h := newHarness()
	mgr := openAs(t, h, "mgr")

	assert.ErrorIs(t, mgr.DeleteMember(context.Background(), "mgr"), ErrSelfDelete)
	assert.ErrorIs(t, mgr.DeleteMember(context.Background(), "me"), policy.ErrForbidden)
	require.NoError(t, mgr.DeleteMember(context.Background(), "a2"))
	assert.Equal(t, []string{"a2"}, h.prov.deleted)

	h.prov.err = &backend.FunctionError{Function: "delete-user", StatusCode: 500, Message: "boom"}
	err := mgr.DeleteMember(context.Background(), "a1")
	assert.ErrorIs(t, err, backend.ErrFunction)
}

func TestConnectionThreadsAreIndependent(t *testing.T) {
	h := newHarness()
	h.fake.AddLead(models.Lead{ID: "L1", Status: "New", SourceFile: "fb"})
	s := openAs(t, h, "me")
	ctx := context.Background()
	_, _, err := s.Book.Load(ctx, models.LeadQuery{})
	require.NoError(t, err)

	first := s.NewThread(bus.New())
	second := s.NewThread(bus.New())
	t.Cleanup(second.Close)
	_, err = first.Open(ctx, "L1")
	require.NoError(t, err)
	_, err = second.Open(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, 2, h.feed.Subscribers("notes"))

	// one tab closing its panel leaves the other subscribed
	first.Close()
	assert.Equal(t, 1, h.feed.Subscribers("notes"))

	// notes added outside a stream never subscribe
	_, err = s.Thread.Post(ctx, "L1", "Admin", "called back")
	require.NoError(t, err)
	assert.Equal(t, 1, h.feed.Subscribers("notes"))

	c, err := realtime.NewChange("notes", realtime.Insert, models.Note{ID: "n9", LeadID: "L1", Body: "hi"})
	require.NoError(t, err)
	require.NoError(t, h.feed.Publish(ctx, c))
	require.Eventually(t, func() bool { return len(second.Notes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, first.Notes())
}

func TestQuotesReachSessionBus(t *testing.T) {
	h := newHarness()
	var feed bus.Topic[[]models.Quote]
	h.deps.Quotes = &feed
	s := openAs(t, h, "me")

	var got []models.Quote
	s.Bus.Quotes.Subscribe(func(q []models.Quote) { got = q })
	feed.Publish([]models.Quote{{Symbol: "EURUSD", Price: 1.08}})
	require.Len(t, got, 1)

	s.Close()
	assert.Equal(t, 0, feed.Len())
}
