package leads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"leaddesk/backend"
	"leaddesk/bus"
	"leaddesk/models"
	"leaddesk/realtime"
)

const (
	tableNotes   = "notes"
	tempIDPrefix = "tmp-"
)

var (
	ErrNoThread     = errors.New("no notes thread open")
	ErrEmptyNote    = errors.New("note body is empty")
	ErrNoteNotFound = errors.New("note not found")
)

// Thread is the notes panel of one lead. Its realtime subscription follows
// whichever lead is open; a thread that is never opened holds none.
type Thread struct {
	src    backend.NoteStore
	book   *Book
	bus    *bus.Bus
	log    *logrus.Entry
	scoped *realtime.Scoped

	mu     sync.RWMutex
	leadID string
	notes  []models.Note
}

func noteID(n models.Note) string { return n.ID }

func NewThread(src backend.NoteStore, book *Book, bridge *realtime.Bridge, b *bus.Bus, log *logrus.Entry) *Thread {
	t := &Thread{src: src, book: book, bus: b, log: log}
	t.scoped = realtime.NewScoped(func(leadID string) *realtime.Channel {
		return bridge.Channel(tableNotes).
			Filter("lead_id", leadID).
			On(realtime.Insert, t.onInsert).
			On(realtime.Delete, t.onDelete)
	})
	return t
}

// Open switches the thread to leadID and loads its notes, newest first. A
// failed read leaves an empty thread. Leads outside the user's scope read
// as not found.
func (t *Thread) Open(ctx context.Context, leadID string) ([]models.Note, error) {
	if leadID == "" {
		return nil, ErrNoThread
	}
	if err := t.book.Visible(ctx, leadID); err != nil {
		return nil, err
	}
	if _, err := t.scoped.Rescope(ctx, leadID); err != nil {
		return nil, fmt.Errorf("subscribe notes: %w", err)
	}

	notes, err := t.src.ListNotes(ctx, leadID)
	if err != nil {
		t.log.WithError(err).WithField("lead_id", leadID).Error("notes query failed")
		notes = nil
	}
	t.mu.Lock()
	t.leadID = leadID
	t.notes = notes
	t.mu.Unlock()
	return append([]models.Note(nil), notes...), nil
}

// List reads the notes of a visible lead, newest first, without switching
// the open thread.
func (t *Thread) List(ctx context.Context, leadID string) ([]models.Note, error) {
	if err := t.book.Visible(ctx, leadID); err != nil {
		return nil, err
	}
	notes, err := t.src.ListNotes(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	return notes, nil
}

func (t *Thread) LeadID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.leadID
}

func (t *Thread) Notes() []models.Note {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]models.Note(nil), t.notes...)
}

// Send shows the note immediately under a temporary id, then swaps in the
// stored row. On failure the temporary note is withdrawn.
func (t *Thread) Send(ctx context.Context, author models.Agent, body string) (models.Note, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.Note{}, ErrEmptyNote
	}
	leadID := t.LeadID()
	if leadID == "" {
		return models.Note{}, ErrNoThread
	}
	return t.insert(ctx, leadID, author.Name, body)
}

// Post adds a note to a visible lead, whether or not its thread is open.
// The workflow uses it for system notes.
func (t *Thread) Post(ctx context.Context, leadID, authorName, body string) (models.Note, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.Note{}, ErrEmptyNote
	}
	if err := t.book.Visible(ctx, leadID); err != nil {
		return models.Note{}, err
	}
	return t.insert(ctx, leadID, authorName, body)
}

func (t *Thread) insert(ctx context.Context, leadID, authorName, body string) (models.Note, error) {
	temp := models.Note{
		ID:         tempIDPrefix + uuid.NewString(),
		LeadID:     leadID,
		Body:       body,
		AuthorName: authorName,
		CreatedAt:  time.Now().UTC(),
	}
	t.mu.Lock()
	shown := t.leadID == leadID
	if shown {
		t.notes, _ = realtime.Prepend(t.notes, temp, noteID)
	}
	t.mu.Unlock()
	if shown {
		t.publishUpsert(temp)
	}
	t.book.AdjustNoteCount(leadID, 1)

	saved, err := t.src.InsertNote(ctx, models.Note{LeadID: leadID, Body: body, AuthorName: authorName, CreatedAt: temp.CreatedAt})
	if err != nil {
		t.log.WithError(err).WithField("lead_id", leadID).Error("note insert failed")
		t.dropTemp(temp)
		t.book.AdjustNoteCount(leadID, -1)
		t.bus.Error("Could not save the note")
		return models.Note{}, fmt.Errorf("insert note: %w", err)
	}

	t.mu.Lock()
	shown = t.leadID == leadID
	if shown {
		if realtime.IndexOf(t.notes, saved.ID, noteID) >= 0 {
			// the insert event arrived first
			t.notes, _ = realtime.Remove(t.notes, temp.ID, noteID)
		} else if i := realtime.IndexOf(t.notes, temp.ID, noteID); i >= 0 {
			t.notes[i] = saved
		}
	}
	t.mu.Unlock()
	if shown {
		t.bus.NotePatches.Publish(bus.NotePatch{Kind: bus.PatchRemove, ID: temp.ID, LeadID: leadID})
		t.publishUpsert(saved)
	}

	if err := t.src.AdjustNoteCount(ctx, leadID, 1); err != nil {
		t.log.WithError(err).WithField("lead_id", leadID).Warn("note count update failed")
	}
	return saved, nil
}

func (t *Thread) dropTemp(temp models.Note) {
	t.mu.Lock()
	var removed bool
	t.notes, removed = realtime.Remove(t.notes, temp.ID, noteID)
	t.mu.Unlock()
	if removed {
		t.bus.NotePatches.Publish(bus.NotePatch{Kind: bus.PatchRemove, ID: temp.ID, LeadID: temp.LeadID})
	}
}

// Delete removes a note locally, then remotely. If the backend refuses, the
// note is put back at its old position. Notes of other leads are looked up
// and deleted when their lead is visible.
func (t *Thread) Delete(ctx context.Context, id string) error {
	t.mu.Lock()
	i := realtime.IndexOf(t.notes, id, noteID)
	if i < 0 {
		t.mu.Unlock()
		return t.deleteUnshown(ctx, id)
	}
	note := t.notes[i]
	t.notes, _ = realtime.Remove(t.notes, id, noteID)
	t.mu.Unlock()
	t.bus.NotePatches.Publish(bus.NotePatch{Kind: bus.PatchRemove, ID: id, LeadID: note.LeadID})
	t.book.AdjustNoteCount(note.LeadID, -1)

	if err := t.src.DeleteNote(ctx, id); err != nil {
		t.log.WithError(err).WithField("note_id", id).Error("note delete failed, restoring")
		t.restore(note, i)
		t.book.AdjustNoteCount(note.LeadID, 1)
		t.bus.Error("Could not delete the note")
		return fmt.Errorf("delete note: %w", err)
	}
	if err := t.src.AdjustNoteCount(ctx, note.LeadID, -1); err != nil {
		t.log.WithError(err).WithField("lead_id", note.LeadID).Warn("note count update failed")
	}
	return nil
}

func (t *Thread) deleteUnshown(ctx context.Context, id string) error {
	if strings.HasPrefix(id, tempIDPrefix) {
		return ErrNoteNotFound
	}
	note, err := t.src.GetNote(ctx, id)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return ErrNoteNotFound
		}
		return fmt.Errorf("load note: %w", err)
	}
	if err := t.book.Visible(ctx, note.LeadID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNoteNotFound
		}
		return err
	}
	return t.Withdraw(ctx, note)
}

// Withdraw takes back a posted note whose companion change did not go
// through.
func (t *Thread) Withdraw(ctx context.Context, note models.Note) error {
	t.mu.Lock()
	var removed bool
	t.notes, removed = realtime.Remove(t.notes, note.ID, noteID)
	t.mu.Unlock()
	if removed {
		t.bus.NotePatches.Publish(bus.NotePatch{Kind: bus.PatchRemove, ID: note.ID, LeadID: note.LeadID})
	}
	t.book.AdjustNoteCount(note.LeadID, -1)

	if err := t.src.DeleteNote(ctx, note.ID); err != nil {
		t.book.AdjustNoteCount(note.LeadID, 1)
		return fmt.Errorf("withdraw note: %w", err)
	}
	if err := t.src.AdjustNoteCount(ctx, note.LeadID, -1); err != nil {
		t.log.WithError(err).WithField("lead_id", note.LeadID).Warn("note count update failed")
	}
	return nil
}

func (t *Thread) restore(note models.Note, at int) {
	t.mu.Lock()
	if t.leadID != note.LeadID || realtime.IndexOf(t.notes, note.ID, noteID) >= 0 {
		t.mu.Unlock()
		return
	}
	if at > len(t.notes) {
		at = len(t.notes)
	}
	t.notes = append(t.notes[:at], append([]models.Note{note}, t.notes[at:]...)...)
	t.mu.Unlock()
	t.publishUpsert(note)
}

func (t *Thread) publishUpsert(n models.Note) {
	row := n
	t.bus.NotePatches.Publish(bus.NotePatch{Kind: bus.PatchUpsert, ID: n.ID, LeadID: n.LeadID, Note: &row})
}

func (t *Thread) onInsert(c realtime.Change) {
	var n models.Note
	if err := c.Decode(&n); err != nil || n.ID == "" {
		return
	}
	t.mu.Lock()
	if n.LeadID != t.leadID {
		t.mu.Unlock()
		return
	}
	var added bool
	t.notes, added = realtime.Prepend(t.notes, n, noteID)
	t.mu.Unlock()
	if added {
		t.publishUpsert(n)
	}
}

func (t *Thread) onDelete(c realtime.Change) {
	var n models.Note
	if err := c.Decode(&n); err != nil || n.ID == "" {
		return
	}
	t.mu.Lock()
	var removed bool
	t.notes, removed = realtime.Remove(t.notes, n.ID, noteID)
	lead := t.leadID
	t.mu.Unlock()
	if removed {
		t.bus.NotePatches.Publish(bus.NotePatch{Kind: bus.PatchRemove, ID: n.ID, LeadID: lead})
	}
}

// Close drops the subscription and the loaded notes.
func (t *Thread) Close() {
	t.scoped.Close()
	t.mu.Lock()
	t.leadID, t.notes = "", nil
	t.mu.Unlock()
}
