package leads

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"leaddesk/models"
	"leaddesk/policy"
	"leaddesk/realtime"
)

// ChunkSize bounds the ids sent in one remote call.
const ChunkSize = 50

// BulkResult summarises a chunked operation. Skipped counts ids that were
// never written because they are not in the user's table or the backend
// found them out of scope.
type BulkResult struct {
	Requested int   `json:"requested"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"`
	Chunks    int   `json:"chunks"`
	Err       error `json:"-"`
}

func (r BulkResult) OK() bool { return r.Failed == 0 && r.Skipped == 0 }

// Chunk splits ids into consecutive slices of at most size elements.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = ChunkSize
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// BulkAssign assigns every selected lead to agentID, or unassigns them
// when agentID is nil.
func (b *Book) BulkAssign(ctx context.Context, actor models.Agent, ids []string, agentID *string) (BulkResult, error) {
	if err := policy.Authorize(actor, policy.ActionBulkEdit); err != nil {
		return BulkResult{}, err
	}
	if err := b.checkAgent(agentID); err != nil {
		return BulkResult{}, err
	}
	res := b.bulkUpdate(ctx, dedupe(ids), models.AssignPatch(agentID))
	b.report(res, "Assigned")
	return res, nil
}

// BulkStatus moves every selected lead to status.
func (b *Book) BulkStatus(ctx context.Context, actor models.Agent, ids []string, status string) (BulkResult, error) {
	if err := policy.Authorize(actor, policy.ActionBulkEdit); err != nil {
		return BulkResult{}, err
	}
	if err := policy.CanSetStatus(actor, b.refs.Statuses(), status); err != nil {
		return BulkResult{}, err
	}
	res := b.bulkUpdate(ctx, dedupe(ids), models.StatusPatch(status))
	b.report(res, "Updated")
	return res, nil
}

// loaded splits ids into those present in the table and the rest. Bulk
// actions only ever target rows the user can see.
func (b *Book) loaded(ids []string) (in []string, out int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, id := range ids {
		if realtime.IndexOf(b.leads, id, leadID) >= 0 {
			in = append(in, id)
		} else {
			out++
		}
	}
	return in, out
}

// bulkUpdate patches all selected local records at once and then writes
// the chunks in order. The local patch stays in place whatever the chunks
// report; the result carries the failures.
func (b *Book) bulkUpdate(ctx context.Context, ids []string, patch models.LeadPatch) BulkResult {
	type change struct{ before, after models.Lead }

	res := BulkResult{Requested: len(ids)}
	ids, res.Skipped = b.loaded(ids)

	b.mu.Lock()
	var changes []change
	for _, id := range ids {
		i := realtime.IndexOf(b.leads, id, leadID)
		if i < 0 {
			continue
		}
		before := b.leads[i]
		after := before
		patch.Apply(&after)
		b.leads[i] = after
		changes = append(changes, change{before, after})
	}
	b.mu.Unlock()
	for _, c := range changes {
		b.emitChange(c.before, c.after)
	}

	scope := b.writeScope()
	var errs []error
	for n, chunk := range Chunk(ids, ChunkSize) {
		res.Chunks++
		affected, err := b.src.UpdateLeads(ctx, scope, chunk, patch)
		if err != nil {
			b.log.WithError(err).WithFields(logrus.Fields{"chunk": n, "size": len(chunk)}).Error("bulk update chunk failed")
			res.Failed += len(chunk)
			errs = append(errs, fmt.Errorf("chunk %d: %w", n, err))
			continue
		}
		res.Succeeded += int(affected)
		res.Skipped += len(chunk) - int(affected)
	}
	res.Err = errors.Join(errs...)
	return res
}

// BulkDelete removes the selected leads and their notifications chunk by
// chunk. Only chunks the backend fully confirmed leave the local table;
// partial ones wait for the delete events.
func (b *Book) BulkDelete(ctx context.Context, actor models.Agent, ids []string) (BulkResult, error) {
	if err := policy.Authorize(actor, policy.ActionDelete); err != nil {
		return BulkResult{}, err
	}
	ids = dedupe(ids)
	res := BulkResult{Requested: len(ids)}
	ids, res.Skipped = b.loaded(ids)

	scope := b.writeScope()
	var errs []error
	for n, chunk := range Chunk(ids, ChunkSize) {
		res.Chunks++
		affected, err := b.src.DeleteLeads(ctx, scope, chunk)
		if err != nil {
			b.log.WithError(err).WithFields(logrus.Fields{"chunk": n, "size": len(chunk)}).Error("bulk delete chunk failed")
			res.Failed += len(chunk)
			errs = append(errs, fmt.Errorf("chunk %d: %w", n, err))
			continue
		}
		res.Succeeded += int(affected)
		res.Skipped += len(chunk) - int(affected)
		if int(affected) == len(chunk) {
			b.removeLocal(chunk)
		}
	}
	res.Err = errors.Join(errs...)
	b.report(res, "Deleted")
	return res, nil
}

func (b *Book) removeLocal(ids []string) {
	var removed []models.Lead
	b.mu.Lock()
	for _, id := range ids {
		i := realtime.IndexOf(b.leads, id, leadID)
		if i < 0 {
			continue
		}
		removed = append(removed, b.leads[i])
		b.leads, _ = realtime.Remove(b.leads, id, leadID)
		b.total--
	}
	b.mu.Unlock()
	for _, l := range removed {
		b.emitRemove(l)
	}
}

func (b *Book) report(res BulkResult, verb string) {
	if res.Requested == 0 {
		return
	}
	if res.OK() {
		b.bus.Success(fmt.Sprintf("%s %d leads", verb, res.Succeeded))
		return
	}
	b.bus.Error(fmt.Sprintf("%s %d of %d leads, %d failed", verb, res.Succeeded, res.Requested, res.Failed+res.Skipped))
}
