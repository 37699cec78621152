package leads

import (
	"context"
	"encoding/json"

	"leaddesk/bus"
	"leaddesk/models"
	"leaddesk/realtime"
)

// Attach subscribes the book to lead changes. Inserts prepend, updates
// replace in place, deletes remove. Only leads inside the user's scope and
// the current filter enter the table.
func (b *Book) Attach(ctx context.Context, bridge *realtime.Bridge) error {
	sub, err := bridge.Channel(tableLeads).
		On(realtime.Insert, b.onInsert).
		On(realtime.Update, b.onUpdate).
		On(realtime.Delete, b.onDelete).
		Subscribe(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	old := b.sub
	b.sub = sub
	b.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Close stops the realtime subscription.
func (b *Book) Close() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (b *Book) decode(c realtime.Change) (models.Lead, bool) {
	var l models.Lead
	if err := c.Decode(&l); err != nil || l.ID == "" {
		b.log.WithError(err).WithField("type", c.Type).Warn("bad lead event")
		return models.Lead{}, false
	}
	return l, true
}

// previous decodes the row as it was before an update. Feeds that do not
// send the old row leave ok false.
func (b *Book) previous(c realtime.Change) (models.Lead, bool) {
	if len(c.OldRecord) == 0 {
		return models.Lead{}, false
	}
	var l models.Lead
	if err := json.Unmarshal(c.OldRecord, &l); err != nil || l.Status == "" {
		return models.Lead{}, false
	}
	return l, true
}

// Status counters cover the whole scope, not just the page on screen, so
// every handler below shifts them for any in-scope lead.

func (b *Book) onInsert(c realtime.Change) {
	l, ok := b.decode(c)
	if !ok {
		return
	}
	b.mu.Lock()
	if !b.scope.Visible(l) {
		b.mu.Unlock()
		return
	}
	added := false
	if matches(b.query, l) {
		b.leads, added = realtime.Prepend(b.leads, l, leadID)
		if added {
			b.total++
		}
	}
	known := added || realtime.IndexOf(b.leads, l.ID, leadID) >= 0
	b.mu.Unlock()

	if added {
		b.publishRow(l)
	}
	if added || !known {
		b.shiftStatus(l.ID, "", l.Status)
	}
}

func (b *Book) onUpdate(c realtime.Change) {
	l, ok := b.decode(c)
	if !ok {
		return
	}
	b.mu.Lock()
	i := realtime.IndexOf(b.leads, l.ID, leadID)
	inScope := b.scope.Visible(l)
	shown := inScope && matches(b.query, l)
	var before models.Lead
	if i >= 0 {
		before = b.leads[i]
	}
	switch {
	case i >= 0 && shown:
		b.leads[i] = l
	case i >= 0:
		// moved out of view, e.g. reassigned away from this agent
		b.leads, _ = realtime.Remove(b.leads, l.ID, leadID)
		b.total--
	case shown:
		b.leads, _ = realtime.Prepend(b.leads, l, leadID)
		b.total++
	}
	scope := b.scope
	b.mu.Unlock()

	switch {
	case i >= 0 && shown:
		b.emitChange(before, l)
		return
	case i >= 0:
		b.bus.LeadPatches.Publish(bus.LeadPatch{Kind: bus.PatchRemove, ID: l.ID})
		if inScope {
			b.shiftStatus(l.ID, before.Status, l.Status)
		} else {
			b.shiftStatus(l.ID, before.Status, "")
		}
		return
	case shown:
		b.publishRow(l)
	case !inScope:
		if old, ok := b.previous(c); ok && scope.Visible(old) {
			b.shiftStatus(l.ID, old.Status, "")
		}
		return
	}

	// in scope but not loaded: the old row decides what the counters knew
	old, ok := b.previous(c)
	switch {
	case ok && scope.Visible(old):
		b.shiftStatus(l.ID, old.Status, l.Status)
	case ok:
		b.shiftStatus(l.ID, "", l.Status)
	default:
		go b.refs.RefreshCounts(context.Background())
	}
}

func (b *Book) onDelete(c realtime.Change) {
	l, ok := b.decode(c)
	if !ok {
		return
	}
	b.mu.Lock()
	i := realtime.IndexOf(b.leads, l.ID, leadID)
	if i < 0 {
		inScope := l.Status != "" && b.scope.Visible(l)
		b.mu.Unlock()
		if inScope {
			b.shiftStatus(l.ID, l.Status, "")
		}
		return
	}
	before := b.leads[i]
	b.leads, _ = realtime.Remove(b.leads, l.ID, leadID)
	b.total--
	b.mu.Unlock()
	b.emitRemove(before)
}
