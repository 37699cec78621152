// Package backendtest provides an in-memory backend for tests.
package backendtest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"leaddesk/backend"
	"leaddesk/models"
)

var ErrInjected = errors.New("injected failure")

// Call records one backend invocation.
type Call struct {
	Method string
	IDs    []string
}

// Fake is a thread-safe in-memory backend. Fail hooks return an error to
// inject for a given call.
type Fake struct {
	mu sync.Mutex

	Leads    map[string]models.Lead
	Notes    map[string]models.Note
	Agents   map[string]models.Agent
	Statuses []models.Status
	Unread   []models.RoomUnread
	Support  int
	Stats    []models.StatusCount

	// Notifications counts notifications per lead id.
	Notifications map[string]int
	// Rooms lists each user's chat room memberships.
	Rooms map[string][]string

	Calls []Call

	FailUpdate  func(ids []string) error
	FailDelete  func(ids []string) error
	FailNote    func(note models.Note) error
	FailDelNote func(id string) error
	FailList    error

	// Block, when set, is awaited by ListLeads before answering.
	Block chan struct{}
}

var _ backend.Backend = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Leads:  map[string]models.Lead{},
		Notes:  map[string]models.Note{},
		Agents: map[string]models.Agent{},

		Notifications: map[string]int{},
		Rooms:         map[string][]string{},
	}
}

func (f *Fake) record(method string, ids ...string) {
	f.Calls = append(f.Calls, Call{Method: method, IDs: append([]string(nil), ids...)})
}

// CallsTo returns the recorded calls of one method.
func (f *Fake) CallsTo(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) AddLead(l models.Lead) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	f.Leads[l.ID] = l
}

func (f *Fake) Lead(id string) (models.Lead, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.Leads[id]
	return l, ok
}

func (f *Fake) ListLeads(ctx context.Context, q models.LeadQuery) ([]models.Lead, int64, error) {
	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListLeads")
	if f.FailList != nil {
		return nil, 0, f.FailList
	}
	var out []models.Lead
	for _, l := range f.Leads {
		if !inScope(l, q) {
			continue
		}
		if q.Status != "" && l.Status != q.Status {
			continue
		}
		if q.Search != "" && !strings.Contains(strings.ToLower(l.Name+" "+l.Surname+" "+l.Email), strings.ToLower(q.Search)) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, int64(len(out)), nil
}

func inScope(l models.Lead, q models.LeadQuery) bool {
	if q.ScopeAll {
		return true
	}
	for _, s := range q.ScopeSources {
		if s == l.SourceFile {
			return true
		}
	}
	if l.AssignedTo != nil {
		for _, a := range q.ScopeAssignees {
			if a == *l.AssignedTo {
				return true
			}
		}
	}
	return false
}

func (f *Fake) GetLead(ctx context.Context, scope models.LeadQuery, id string) (models.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetLead", id)
	l, ok := f.Leads[id]
	if !ok || !inScope(l, scope) {
		return models.Lead{}, backend.ErrNotFound
	}
	return l, nil
}

func (f *Fake) UpdateLeads(ctx context.Context, scope models.LeadQuery, ids []string, patch models.LeadPatch) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UpdateLeads", ids...)
	if f.FailUpdate != nil {
		if err := f.FailUpdate(ids); err != nil {
			return 0, err
		}
	}
	var n int64
	for _, id := range ids {
		if l, ok := f.Leads[id]; ok && inScope(l, scope) {
			patch.Apply(&l)
			f.Leads[id] = l
			n++
		}
	}
	return n, nil
}

// DeleteLeads drops in-scope leads and their notifications. A failure
// leaves both untouched.
func (f *Fake) DeleteLeads(ctx context.Context, scope models.LeadQuery, ids []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteLeads", ids...)
	if f.FailDelete != nil {
		if err := f.FailDelete(ids); err != nil {
			return 0, err
		}
	}
	var n int64
	for _, id := range ids {
		if l, ok := f.Leads[id]; ok && inScope(l, scope) {
			delete(f.Leads, id)
			delete(f.Notifications, id)
			n++
		}
	}
	return n, nil
}

func (f *Fake) LeadStats(ctx context.Context, q models.LeadQuery) ([]models.StatusCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("LeadStats")
	if f.Stats != nil {
		return append([]models.StatusCount(nil), f.Stats...), nil
	}
	counts := map[string]int{}
	for _, l := range f.Leads {
		if inScope(l, q) {
			counts[l.Status]++
		}
	}
	out := make([]models.StatusCount, 0, len(counts))
	for s, n := range counts {
		out = append(out, models.StatusCount{Status: s, Count: n})
	}
	return out, nil
}

func (f *Fake) LogCall(ctx context.Context, leadID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("LogCall", leadID, userID)
	return nil
}

func (f *Fake) ListNotes(ctx context.Context, leadID string) ([]models.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListNotes", leadID)
	var out []models.Note
	for _, n := range f.Notes {
		if n.LeadID == leadID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *Fake) GetNote(ctx context.Context, id string) (models.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetNote", id)
	n, ok := f.Notes[id]
	if !ok {
		return models.Note{}, backend.ErrNotFound
	}
	return n, nil
}

func (f *Fake) InsertNote(ctx context.Context, note models.Note) (models.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("InsertNote", note.LeadID)
	if f.FailNote != nil {
		if err := f.FailNote(note); err != nil {
			return models.Note{}, err
		}
	}
	note.ID = uuid.NewString()
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now()
	}
	f.Notes[note.ID] = note
	return note, nil
}

func (f *Fake) DeleteNote(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteNote", id)
	if f.FailDelNote != nil {
		if err := f.FailDelNote(id); err != nil {
			return err
		}
	}
	if _, ok := f.Notes[id]; !ok {
		return backend.ErrNotFound
	}
	delete(f.Notes, id)
	return nil
}

func (f *Fake) AdjustNoteCount(ctx context.Context, leadID string, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AdjustNoteCount", leadID)
	if l, ok := f.Leads[leadID]; ok {
		l.NoteCount += delta
		if l.NoteCount < 0 {
			l.NoteCount = 0
		}
		f.Leads[leadID] = l
	}
	return nil
}

func (f *Fake) GetProfile(ctx context.Context, userID string) (models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetProfile", userID)
	a, ok := f.Agents[userID]
	if !ok {
		return models.Agent{}, backend.ErrNotFound
	}
	return a, nil
}

func (f *Fake) ListAgents(ctx context.Context) ([]models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListAgents")
	out := make([]models.Agent, 0, len(f.Agents))
	for _, a := range f.Agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) ListStatuses(ctx context.Context) ([]models.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListStatuses")
	return append([]models.Status(nil), f.Statuses...), nil
}

func (f *Fake) UnreadByRoom(ctx context.Context, userID string) ([]models.RoomUnread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UnreadByRoom", userID)
	return append([]models.RoomUnread(nil), f.Unread...), nil
}

func (f *Fake) MyRooms(ctx context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("MyRooms", userID)
	return append([]string(nil), f.Rooms[userID]...), nil
}

func (f *Fake) MyUnreadCount(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("MyUnreadCount", userID)
	return f.Support, nil
}

func (f *Fake) SyncTradingRole(ctx context.Context, userID string, role models.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SyncTradingRole", userID, string(role))
	return nil
}

// Notified returns how many notifications remain for a lead.
func (f *Fake) Notified(leadID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Notifications[leadID]
}

// SetUnread replaces the unread view rows.
func (f *Fake) SetUnread(rows []models.RoomUnread) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Unread = rows
}

// Taxonomy is a status list covering the workflow's special labels.
func Taxonomy() []models.Status {
	labels := []string{"New", "No Answer", models.StatusCallBack, models.StatusTransferred,
		models.StatusFTD, models.StatusUpSale, "Trash", "Archived"}
	out := make([]models.Status, 0, len(labels))
	for i, l := range labels {
		out = append(out, models.Status{ID: l, Label: l, IsActive: true, OrderIndex: i})
	}
	return out
}
