package workflow

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaddesk/backend/backendtest"
	"leaddesk/bus"
	"leaddesk/leads"
	"leaddesk/models"
	"leaddesk/policy"
	"leaddesk/realtime"
	"leaddesk/store"
)

var (
	admin      = models.Agent{ID: "me", Name: "Admin", Role: models.RoleAdmin}
	conversion = models.Agent{ID: "a1", Name: "Casey", Role: models.RoleConversion}
)

type env struct {
	fake   *backendtest.Fake
	book   *leads.Book
	thread *leads.Thread
	bus    *bus.Bus
	ic     *Interceptor
}

func setup(t *testing.T, user models.Agent) *env {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	entry := logrus.NewEntry(log)

	f := backendtest.New()
	f.Agents[admin.ID] = admin
	f.Agents[conversion.ID] = conversion
	f.Statuses = backendtest.Taxonomy()
	assignee := conversion.ID
	f.AddLead(models.Lead{ID: "L1", Name: "Pat", Status: "New", AssignedTo: &assignee})

	b := bus.New()
	refs := store.New(store.Sources{Refs: f, Chat: f, Stats: f}, nil, entry)
	require.NoError(t, refs.Load(context.Background(), user.ID))
	book := leads.NewBook(f, refs, b, entry)
	_, _, err := book.Load(context.Background(), models.LeadQuery{})
	require.NoError(t, err)
	thread := leads.NewThread(f, book, realtime.NewBridge(realtime.NewMemoryFeed(), entry), b, entry)
	t.Cleanup(thread.Close)

	return &env{fake: f, book: book, thread: thread, bus: b, ic: NewInterceptor(book, thread, refs, b, entry)}
}

func status(t *testing.T, e *env) string {
	t.Helper()
	l, ok := e.book.Get("L1")
	require.True(t, ok)
	return l.Status
}

func TestKindOf(t *testing.T) {
	for label, want := range map[string]Kind{
		"Transferred": KindTransfer,
		"FTD":         KindFTD,
		"up_sale":     KindUpSale,
		"Up Sale":     KindUpSale,
	} {
		got, ok := KindOf(label)
		assert.True(t, ok, label)
		assert.Equal(t, want, got, label)
	}
	_, ok := KindOf("No Answer")
	assert.False(t, ok)
}

func TestConsequentialStatusIsHeld(t *testing.T) {
	for _, st := range []string{"Transferred", "FTD", "Up Sale"} {
		t.Run(st, func(t *testing.T) {
			e := setup(t, admin)
			out, err := e.ic.Request(context.Background(), admin, "L1", st)
			require.NoError(t, err)
			require.NotNil(t, out.Confirm)
			assert.False(t, out.Applied)
			assert.Equal(t, "New", status(t, e))
			assert.Empty(t, e.fake.CallsTo("UpdateLeads"))

			assert.True(t, e.ic.Cancel("L1"))
			assert.Equal(t, "New", status(t, e))
			_, err = e.ic.Confirm(context.Background(), admin, "L1")
			assert.ErrorIs(t, err, ErrNoPending)
		})
	}
}

func TestConfirmAppliesAndCelebrates(t *testing.T) {
	e := setup(t, admin)
	var got []bus.Celebration
	e.bus.Celebrations.Subscribe(func(c bus.Celebration) { got = append(got, c) })

	_, err := e.ic.Request(context.Background(), admin, "L1", "FTD")
	require.NoError(t, err)
	c, err := e.ic.Confirm(context.Background(), admin, "L1")
	require.NoError(t, err)

	assert.Equal(t, "FTD", status(t, e))
	want, _ := CelebrationFor(KindFTD)
	want.LeadID = "L1"
	assert.Equal(t, want, c)
	assert.Equal(t, []bus.Celebration{want}, got)

	// the admin keeps the assignee on transfer-like transitions
	l, _ := e.book.Get("L1")
	assert.NotNil(t, l.AssignedTo)
}

func TestConversionTransferUnassignsAndNotes(t *testing.T) {
	e := setup(t, conversion)

	_, err := e.ic.Request(context.Background(), conversion, "L1", "Transferred")
	require.NoError(t, err)
	_, err = e.ic.Confirm(context.Background(), conversion, "L1")
	require.NoError(t, err)

	l, _ := e.book.Get("L1")
	assert.Equal(t, "Transferred", l.Status)
	assert.Nil(t, l.AssignedTo)

	remote, _ := e.fake.Lead("L1")
	assert.Nil(t, remote.AssignedTo)

	notes, err := e.fake.ListNotes(context.Background(), "L1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Transferred by Casey", notes[0].Body)

	// status and unassign travel in one write
	calls := e.fake.CallsTo("UpdateLeads")
	require.Len(t, calls, 1)
	assert.Equal(t, "Transferred", remote.Status)
}

// echoing sends every lead write back through the feed, the way the hosted
// backend does, and saves notes slowly.
type echoing struct {
	*backendtest.Fake
	feed *realtime.MemoryFeed
}

func (e echoing) UpdateLeads(ctx context.Context, scope models.LeadQuery, ids []string, patch models.LeadPatch) (int64, error) {
	n, err := e.Fake.UpdateLeads(ctx, scope, ids, patch)
	if err != nil {
		return n, err
	}
	for _, id := range ids {
		if l, ok := e.Fake.Lead(id); ok {
			if c, cerr := realtime.NewChange("leads", realtime.Update, l); cerr == nil {
				_ = e.feed.Publish(ctx, c)
			}
		}
	}
	return n, nil
}

func (e echoing) InsertNote(ctx context.Context, note models.Note) (models.Note, error) {
	time.Sleep(50 * time.Millisecond)
	return e.Fake.InsertNote(ctx, note)
}

func TestConversionTransferSurvivesEcho(t *testing.T) {
	e := setup(t, conversion)
	feed := realtime.NewMemoryFeed()
	src := echoing{Fake: e.fake, feed: feed}
	log := logrus.New()
	log.SetOutput(io.Discard)
	entry := logrus.NewEntry(log)

	refs := store.New(store.Sources{Refs: e.fake, Chat: e.fake, Stats: e.fake}, nil, entry)
	require.NoError(t, refs.Load(context.Background(), conversion.ID))
	book := leads.NewBook(src, refs, e.bus, entry)
	_, _, err := book.Load(context.Background(), models.LeadQuery{})
	require.NoError(t, err)
	bridge := realtime.NewBridge(feed, entry)
	require.NoError(t, book.Attach(context.Background(), bridge))
	t.Cleanup(book.Close)
	thread := leads.NewThread(src, book, bridge, e.bus, entry)
	t.Cleanup(thread.Close)
	ic := NewInterceptor(book, thread, refs, e.bus, entry)

	_, err = ic.Request(context.Background(), conversion, "L1", "Transferred")
	require.NoError(t, err)
	_, err = ic.Confirm(context.Background(), conversion, "L1")
	require.NoError(t, err)

	remote, _ := e.fake.Lead("L1")
	assert.Equal(t, "Transferred", remote.Status)
	assert.Nil(t, remote.AssignedTo)

	notes, err := e.fake.ListNotes(context.Background(), "L1")
	require.NoError(t, err)
	require.Len(t, notes, 1)

	// the echo takes the lead out of the agent's table
	require.Eventually(t, func() bool {
		_, ok := book.Get("L1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestTransferFailureWithdrawsNote(t *testing.T) {
	e := setup(t, conversion)
	_, err := e.ic.Request(context.Background(), conversion, "L1", "Transferred")
	require.NoError(t, err)

	e.fake.FailUpdate = func([]string) error { return backendtest.ErrInjected }
	_, err = e.ic.Confirm(context.Background(), conversion, "L1")
	require.ErrorIs(t, err, backendtest.ErrInjected)

	notes, err := e.fake.ListNotes(context.Background(), "L1")
	require.NoError(t, err)
	assert.Empty(t, notes)

	l, ok := e.book.Get("L1")
	require.True(t, ok)
	assert.Equal(t, "New", l.Status)
	require.NotNil(t, l.AssignedTo)
	assert.Equal(t, conversion.ID, *l.AssignedTo)
}

func TestCallBackAsksForTime(t *testing.T) {
	e := setup(t, admin)
	out, err := e.ic.Request(context.Background(), admin, "L1", "Call Back")
	require.NoError(t, err)
	assert.True(t, out.NeedsCallbackTime)
	assert.Equal(t, "New", status(t, e))

	assert.ErrorIs(t, e.ic.ScheduleCallback(context.Background(), admin, "L1", time.Time{}), ErrMissingTime)
	assert.ErrorIs(t, e.ic.ScheduleCallback(context.Background(), admin, "L1", time.Now().Add(-time.Hour)), ErrCallbackInPast)

	at := time.Now().Add(2 * time.Hour)
	require.NoError(t, e.ic.ScheduleCallback(context.Background(), admin, "L1", at))
	l, _ := e.book.Get("L1")
	assert.Equal(t, models.StatusCallBack, l.Status)
	require.NotNil(t, l.CallbackTime)
}

func TestPlainStatusAppliesImmediately(t *testing.T) {
	e := setup(t, admin)
	out, err := e.ic.Request(context.Background(), admin, "L1", "No Answer")
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, "No Answer", status(t, e))
}

func TestRequestChecksPolicy(t *testing.T) {
	e := setup(t, conversion)
	_, err := e.ic.Request(context.Background(), conversion, "L1", "Up Sale")
	assert.ErrorIs(t, err, policy.ErrForbidden)
	_, ok := e.ic.PendingFor("L1")
	assert.False(t, ok)
}

func TestConfirmFailureLeavesStatus(t *testing.T) {
	e := setup(t, admin)
	_, err := e.ic.Request(context.Background(), admin, "L1", "Up Sale")
	require.NoError(t, err)

	e.fake.FailUpdate = func([]string) error { return backendtest.ErrInjected }
	var celebrated bool
	e.bus.Celebrations.Subscribe(func(bus.Celebration) { celebrated = true })

	_, err = e.ic.Confirm(context.Background(), admin, "L1")
	require.ErrorIs(t, err, backendtest.ErrInjected)
	assert.Equal(t, "New", status(t, e))
	assert.False(t, celebrated)
}
