// Package leads holds the session's lead table and notes threads. Every
// mutation patches local state first and then writes to the backend.
package leads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"leaddesk/backend"
	"leaddesk/bus"
	"leaddesk/models"
	"leaddesk/policy"
	"leaddesk/realtime"
	"leaddesk/store"
)

const tableLeads = "leads"

var (
	ErrNotFound     = errors.New("lead not found")
	ErrUnknownAgent = errors.New("unknown agent")
)

// Book is the local mirror of the lead table for one session.
type Book struct {
	src  backend.LeadStore
	refs *store.Store
	bus  *bus.Bus
	log  *logrus.Entry

	mu    sync.RWMutex
	leads []models.Lead
	total int64
	query models.LeadQuery
	scope policy.Scope

	sub *realtime.Subscription
}

func NewBook(src backend.LeadStore, refs *store.Store, b *bus.Bus, log *logrus.Entry) *Book {
	return &Book{src: src, refs: refs, bus: b, log: log}
}

func leadID(l models.Lead) string { return l.ID }

// Load runs the lead query. It waits for the reference store first: the
// visibility scope depends on the user profile and roster, so the query
// must not run before they are known.
func (b *Book) Load(ctx context.Context, q models.LeadQuery) ([]models.Lead, int64, error) {
	if err := b.refs.WaitReady(ctx); err != nil {
		return nil, 0, err
	}
	scope := b.refs.Scope()

	var (
		leads []models.Lead
		total int64
		err   error
	)
	if !scope.Empty() {
		leads, total, err = b.src.ListLeads(ctx, scope.Apply(q))
		if err != nil {
			b.log.WithError(err).Error("lead query failed")
			leads, total = nil, 0
		}
	}

	b.mu.Lock()
	b.leads = leads
	b.total = total
	b.query = q
	b.scope = scope
	b.mu.Unlock()

	if err != nil {
		return nil, 0, fmt.Errorf("load leads: %w", err)
	}
	return append([]models.Lead(nil), leads...), total, nil
}

// Leads returns a copy of the current table.
func (b *Book) Leads() []models.Lead {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]models.Lead(nil), b.leads...)
}

func (b *Book) Total() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

func (b *Book) Get(id string) (models.Lead, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i := realtime.IndexOf(b.leads, id, leadID); i >= 0 {
		return b.leads[i], true
	}
	return models.Lead{}, false
}

// Selected returns the loaded leads for ids, in the order given.
func (b *Book) Selected(ids []string) []models.Lead {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.Lead, 0, len(ids))
	for _, id := range ids {
		if i := realtime.IndexOf(b.leads, id, leadID); i >= 0 {
			out = append(out, b.leads[i])
		}
	}
	return out
}

// SetStatus changes one lead's status. Anything but Call Back wipes the
// scheduled callback.
func (b *Book) SetStatus(ctx context.Context, actor models.Agent, id, status string) error {
	if err := policy.CanSetStatus(actor, b.refs.Statuses(), status); err != nil {
		return err
	}
	return b.apply(ctx, id, models.StatusPatch(status))
}

// ScheduleCallback sets Call Back together with its timestamp.
func (b *Book) ScheduleCallback(ctx context.Context, actor models.Agent, id string, at time.Time) error {
	if err := policy.CanSetStatus(actor, b.refs.Statuses(), models.StatusCallBack); err != nil {
		return err
	}
	status := models.StatusCallBack
	at = at.UTC()
	return b.apply(ctx, id, models.LeadPatch{Status: &status, CallbackTime: &at})
}

// Assign sets or clears the assignee.
func (b *Book) Assign(ctx context.Context, actor models.Agent, id string, agentID *string) error {
	if err := policy.Authorize(actor, policy.ActionAssign); err != nil {
		return err
	}
	if err := b.checkAgent(agentID); err != nil {
		return err
	}
	return b.apply(ctx, id, models.AssignPatch(agentID))
}

// Handover sets status and clears the assignee in one write. A workflow
// side effect may unassign for any role allowed to set the status.
func (b *Book) Handover(ctx context.Context, actor models.Agent, id, status string) error {
	if err := policy.CanSetStatus(actor, b.refs.Statuses(), status); err != nil {
		return err
	}
	return b.apply(ctx, id, mergePatch(models.StatusPatch(status), models.AssignPatch(nil)))
}

// Visible resolves a lead the user may see: a loaded row, or one the
// backend finds within the current scope.
func (b *Book) Visible(ctx context.Context, id string) error {
	if _, ok := b.Get(id); ok {
		return nil
	}
	scope := b.refs.Scope()
	if scope.Empty() {
		return ErrNotFound
	}
	if _, err := b.src.GetLead(ctx, scope.Apply(models.LeadQuery{}), id); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("check lead %s: %w", id, err)
	}
	return nil
}

// writeScope bounds every write to the rows the user may see.
func (b *Book) writeScope() models.LeadQuery {
	return b.refs.Scope().Apply(models.LeadQuery{})
}

func (b *Book) checkAgent(agentID *string) error {
	if agentID == nil || *agentID == "" {
		return nil
	}
	if _, ok := b.refs.Agent(*agentID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, *agentID)
	}
	return nil
}

// LogCall records an outbound call on the lead.
func (b *Book) LogCall(ctx context.Context, actor models.Agent, id string) error {
	if _, ok := b.Get(id); !ok {
		return ErrNotFound
	}
	if err := b.src.LogCall(ctx, id, actor.ID); err != nil {
		b.bus.Error("Could not log the call")
		return fmt.Errorf("log call: %w", err)
	}
	return nil
}

// apply patches one lead locally, writes it remotely and rolls the local
// patch back if the write fails.
func (b *Book) apply(ctx context.Context, id string, patch models.LeadPatch) error {
	b.mu.Lock()
	i := realtime.IndexOf(b.leads, id, leadID)
	if i < 0 {
		b.mu.Unlock()
		return ErrNotFound
	}
	before := b.leads[i]
	after := before
	patch.Apply(&after)
	b.leads[i] = after
	b.mu.Unlock()

	b.emitChange(before, after)

	n, err := b.src.UpdateLeads(ctx, b.writeScope(), []string{id}, patch)
	if err == nil && n == 0 {
		err = ErrNotFound
	}
	if err != nil {
		b.log.WithError(err).WithField("lead_id", id).Error("lead update failed, rolling back")
		b.rollback(id, patch, before, after)
		b.bus.Error("Could not update the lead")
		return fmt.Errorf("update lead %s: %w", id, err)
	}
	return nil
}

// rollback restores the patched fields unless a newer event already moved
// them; the newer event wins.
func (b *Book) rollback(id string, patch models.LeadPatch, before, after models.Lead) {
	b.mu.Lock()
	i := realtime.IndexOf(b.leads, id, leadID)
	if i < 0 || !samePatchedFields(patch, b.leads[i], after) {
		b.mu.Unlock()
		return
	}
	current := b.leads[i]
	restored := current
	inverse(patch, before).Apply(&restored)
	b.leads[i] = restored
	b.mu.Unlock()

	b.emitChange(current, restored)
}

// inverse builds the patch that puts back before's values for the fields
// patch touches.
func inverse(patch models.LeadPatch, before models.Lead) models.LeadPatch {
	var undo models.LeadPatch
	if patch.Status != nil {
		s := before.Status
		undo.Status = &s
	}
	if patch.ClearAssignee || patch.AssignedTo != nil {
		undo = mergePatch(undo, models.AssignPatch(before.AssignedTo))
	}
	if patch.ClearCallback || patch.CallbackTime != nil {
		if before.CallbackTime == nil {
			undo.ClearCallback = true
		} else {
			t := *before.CallbackTime
			undo.CallbackTime = &t
		}
	}
	return undo
}

func mergePatch(p, q models.LeadPatch) models.LeadPatch {
	if q.Status != nil {
		p.Status = q.Status
	}
	if q.AssignedTo != nil || q.ClearAssignee {
		p.AssignedTo, p.ClearAssignee = q.AssignedTo, q.ClearAssignee
	}
	if q.CallbackTime != nil || q.ClearCallback {
		p.CallbackTime, p.ClearCallback = q.CallbackTime, q.ClearCallback
	}
	return p
}

func samePatchedFields(patch models.LeadPatch, current, after models.Lead) bool {
	if patch.Status != nil && current.Status != after.Status {
		return false
	}
	if (patch.ClearAssignee || patch.AssignedTo != nil) && !sameString(current.AssignedTo, after.AssignedTo) {
		return false
	}
	if (patch.ClearCallback || patch.CallbackTime != nil) && !sameTime(current.CallbackTime, after.CallbackTime) {
		return false
	}
	return true
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// emitChange publishes the row patch and the field deltas derived counters
// listen to.
func (b *Book) emitChange(before, after models.Lead) {
	b.publishRow(after)
	b.shiftStatus(after.ID, before.Status, after.Status)
	if !sameString(before.AssignedTo, after.AssignedTo) {
		b.bus.LeadDeltas.Publish(bus.LeadDelta{
			LeadID: after.ID, Field: "assigned_to", Old: deref(before.AssignedTo), New: deref(after.AssignedTo),
		})
	}
}

func (b *Book) emitRemove(l models.Lead) {
	b.bus.LeadPatches.Publish(bus.LeadPatch{Kind: bus.PatchRemove, ID: l.ID})
	b.shiftStatus(l.ID, l.Status, "")
}

func (b *Book) publishRow(l models.Lead) {
	row := l
	b.bus.LeadPatches.Publish(bus.LeadPatch{Kind: bus.PatchUpsert, ID: l.ID, Lead: &row})
}

func (b *Book) shiftStatus(id, from, to string) {
	if from == to {
		return
	}
	b.bus.LeadDeltas.Publish(bus.LeadDelta{LeadID: id, Field: "status", Old: from, New: to})
}

// AdjustNoteCount moves the local note counter of a lead.
func (b *Book) AdjustNoteCount(id string, delta int) {
	b.mu.Lock()
	i := realtime.IndexOf(b.leads, id, leadID)
	if i < 0 {
		b.mu.Unlock()
		return
	}
	b.leads[i].NoteCount += delta
	if b.leads[i].NoteCount < 0 {
		b.leads[i].NoteCount = 0
	}
	row := b.leads[i]
	b.mu.Unlock()
	b.bus.LeadPatches.Publish(bus.LeadPatch{Kind: bus.PatchUpsert, ID: id, Lead: &row})
}

// matches applies the table filter the user chose to a single lead.
func matches(q models.LeadQuery, l models.Lead) bool {
	if q.Status != "" && l.Status != q.Status {
		return false
	}
	if q.SourceFile != "" && l.SourceFile != q.SourceFile {
		return false
	}
	switch q.AssignedTo {
	case "":
	case "unassigned":
		if l.AssignedTo != nil {
			return false
		}
	default:
		if deref(l.AssignedTo) != q.AssignedTo {
			return false
		}
	}
	if s := strings.ToLower(strings.TrimSpace(q.Search)); s != "" {
		hay := strings.ToLower(strings.Join([]string{l.Name, l.Surname, l.Email, l.Phone}, " "))
		if !strings.Contains(hay, s) {
			return false
		}
	}
	return true
}
