package leads

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaddesk/backend/backendtest"
	"leaddesk/bus"
	"leaddesk/models"
	"leaddesk/realtime"
)

func newThread(t *testing.T, fx *fixture) *Thread {
	t.Helper()
	th := NewThread(fx.fake, fx.book, realtime.NewBridge(fx.feed, testLogger()), fx.bus, testLogger())
	t.Cleanup(th.Close)
	return th
}

func TestThreadOpenLoadsNewestFirst(t *testing.T) {
	fx := newFixture(t, 1)
	fx.load(t, admin.ID)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fx.fake.Notes["n1"] = models.Note{ID: "n1", LeadID: "L000", Body: "old", CreatedAt: base}
	fx.fake.Notes["n2"] = models.Note{ID: "n2", LeadID: "L000", Body: "new", CreatedAt: base.Add(time.Hour)}
	fx.fake.Notes["n3"] = models.Note{ID: "n3", LeadID: "other", Body: "elsewhere", CreatedAt: base}

	th := newThread(t, fx)
	notes, err := th.Open(context.Background(), "L000")
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "n2", notes[0].ID)
	assert.Equal(t, 1, fx.feed.Subscribers("notes"))

	// reopening the same lead keeps the subscription
	_, err = th.Open(context.Background(), "L000")
	require.NoError(t, err)
	assert.Equal(t, 1, fx.feed.Subscribers("notes"))
}

func TestThreadSendSwapsTempNote(t *testing.T) {
	fx := newFixture(t, 1)
	fx.load(t, admin.ID)
	th := newThread(t, fx)
	_, err := th.Open(context.Background(), "L000")
	require.NoError(t, err)

	var sawTemp bool
	fx.bus.NotePatches.Subscribe(func(p bus.NotePatch) {
		if p.Kind == bus.PatchUpsert && strings.HasPrefix(p.ID, tempIDPrefix) {
			sawTemp = true
		}
	})

	saved, err := th.Send(context.Background(), admin, "  called, no answer ")
	require.NoError(t, err)
	assert.True(t, sawTemp)
	assert.Equal(t, "called, no answer", saved.Body)
	assert.Equal(t, admin.Name, saved.AuthorName)

	notes := th.Notes()
	require.Len(t, notes, 1)
	assert.Equal(t, saved.ID, notes[0].ID)

	l, _ := fx.book.Get("L000")
	assert.Equal(t, 1, l.NoteCount)

	// the realtime echo of our own insert does not duplicate it
	c, err := realtime.NewChange("notes", realtime.Insert, saved)
	require.NoError(t, err)
	require.NoError(t, fx.feed.Publish(context.Background(), c))
	c, err = realtime.NewChange("notes", realtime.Insert, models.Note{ID: "peer", LeadID: "L000", Body: "hi"})
	require.NoError(t, err)
	require.NoError(t, fx.feed.Publish(context.Background(), c))

	require.Eventually(t, func() bool { return len(th.Notes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "peer", th.Notes()[0].ID)
}

func TestThreadSendFailureWithdrawsNote(t *testing.T) {
	fx := newFixture(t, 1)
	fx.load(t, admin.ID)
	th := newThread(t, fx)
	_, err := th.Open(context.Background(), "L000")
	require.NoError(t, err)

	fx.fake.FailNote = func(models.Note) error { return backendtest.ErrInjected }
	_, err = th.Send(context.Background(), admin, "lost")
	require.ErrorIs(t, err, backendtest.ErrInjected)

	assert.Empty(t, th.Notes())
	l, _ := fx.book.Get("L000")
	assert.Equal(t, 0, l.NoteCount)

	toasts := fx.toasts()
	require.NotEmpty(t, toasts)
	assert.Equal(t, bus.ToastError, toasts[len(toasts)-1].Type)
}

func TestThreadSendNeedsOpenThread(t *testing.T) {
	fx := newFixture(t, 1)
	fx.load(t, admin.ID)
	th := newThread(t, fx)

	_, err := th.Send(context.Background(), admin, "x")
	assert.ErrorIs(t, err, ErrNoThread)

	_, err = th.Open(context.Background(), "L000")
	require.NoError(t, err)
	_, err = th.Send(context.Background(), admin, "   ")
	assert.ErrorIs(t, err, ErrEmptyNote)
}

func TestThreadDeleteRestoresOnFailure(t *testing.T) {
	fx := newFixture(t, 1)
	fx.load(t, admin.ID)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"n1", "n2", "n3"} {
		fx.fake.Notes[id] = models.Note{ID: id, LeadID: "L000", CreatedAt: base.Add(-time.Duration(i) * time.Minute)}
	}
	th := newThread(t, fx)
	_, err := th.Open(context.Background(), "L000")
	require.NoError(t, err)

	fx.fake.FailDelNote = func(string) error { return backendtest.ErrInjected }
	require.ErrorIs(t, th.Delete(context.Background(), "n2"), backendtest.ErrInjected)

	notes := th.Notes()
	require.Len(t, notes, 3)
	assert.Equal(t, "n2", notes[1].ID)

	fx.fake.FailDelNote = nil
	require.NoError(t, th.Delete(context.Background(), "n2"))
	assert.Len(t, th.Notes(), 2)
	assert.ErrorIs(t, th.Delete(context.Background(), "n2"), ErrNoteNotFound)
}

func TestThreadRescopeDropsOldLead(t *testing.T) {
	fx := newFixture(t, 2)
	fx.load(t, admin.ID)
	th := newThread(t, fx)
	_, err := th.Open(context.Background(), "L000")
	require.NoError(t, err)
	_, err = th.Open(context.Background(), "L001")
	require.NoError(t, err)
	assert.Equal(t, 1, fx.feed.Subscribers("notes"))

	for _, n := range []models.Note{{ID: "stale", LeadID: "L000"}, {ID: "fresh", LeadID: "L001"}} {
		c, err := realtime.NewChange("notes", realtime.Insert, n)
		require.NoError(t, err)
		require.NoError(t, fx.feed.Publish(context.Background(), c))
	}
	require.Eventually(t, func() bool { return len(th.Notes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "fresh", th.Notes()[0].ID)
}

func TestThreadRejectsLeadOutsideScope(t *testing.T) {
	fx := newFixture(t, 1)
	manager := newScopedManager(t, fx)
	th := newThread(t, fx)

	_, err := th.Open(context.Background(), "FOREIGN")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, fx.feed.Subscribers("notes"))

	_, err = th.Post(context.Background(), "FOREIGN", manager.Name, "hello")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = th.List(context.Background(), "FOREIGN")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, fx.fake.CallsTo("InsertNote"))

	fx.fake.Notes["nf"] = models.Note{ID: "nf", LeadID: "FOREIGN", Body: "theirs"}
	assert.ErrorIs(t, th.Delete(context.Background(), "nf"), ErrNoteNotFound)
	assert.Empty(t, fx.fake.CallsTo("DeleteNote"))

	// a lead in scope but off the loaded page is still reachable
	fx.fake.AddLead(models.Lead{ID: "LATER", Status: "New", SourceFile: "fb"})
	_, err = th.Open(context.Background(), "LATER")
	require.NoError(t, err)
}
