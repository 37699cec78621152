// Package workflow gates consequential status transitions behind an
// explicit confirmation.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"leaddesk/bus"
	"leaddesk/leads"
	"leaddesk/models"
	"leaddesk/policy"
)

var (
	ErrNoPending      = errors.New("no pending transition")
	ErrMissingTime    = errors.New("callback time required")
	ErrCallbackInPast = errors.New("callback time is in the past")
)

// KindOf maps a status label to its transition kind.
func KindOf(status string) (Kind, bool) {
	switch models.NormalizeLabel(status) {
	case models.NormalizeLabel(models.StatusTransferred):
		return KindTransfer, true
	case models.NormalizeLabel(models.StatusFTD):
		return KindFTD, true
	case models.NormalizeLabel(models.StatusUpSale):
		return KindUpSale, true
	}
	return "", false
}

func isCallBack(status string) bool {
	return models.NormalizeLabel(status) == models.NormalizeLabel(models.StatusCallBack)
}

// Pending is a transition held until the user confirms it.
type Pending struct {
	LeadID      string    `json:"lead_id"`
	Status      string    `json:"status"`
	Kind        Kind      `json:"kind"`
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}

// Outcome tells the caller what a status request did.
type Outcome struct {
	Applied           bool     `json:"applied"`
	Confirm           *Pending `json:"confirm,omitempty"`
	NeedsCallbackTime bool     `json:"needs_callback_time"`
}

// Interceptor sits in front of Book.SetStatus.
type Interceptor struct {
	book   *leads.Book
	thread *leads.Thread
	refs   statusSource
	bus    *bus.Bus
	log    *logrus.Entry
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]Pending
}

type statusSource interface {
	Statuses() []models.Status
}

func NewInterceptor(book *leads.Book, thread *leads.Thread, refs statusSource, b *bus.Bus, log *logrus.Entry) *Interceptor {
	return &Interceptor{
		book:    book,
		thread:  thread,
		refs:    refs,
		bus:     b,
		log:     log,
		now:     time.Now,
		pending: map[string]Pending{},
	}
}

// Request asks for a status change. Consequential statuses are held, Call
// Back asks for a time, everything else applies at once.
func (i *Interceptor) Request(ctx context.Context, actor models.Agent, leadID, status string) (Outcome, error) {
	if err := policy.CanSetStatus(actor, i.refs.Statuses(), status); err != nil {
		return Outcome{}, err
	}
	if _, ok := i.book.Get(leadID); !ok {
		return Outcome{}, leads.ErrNotFound
	}

	if kind, ok := KindOf(status); ok {
		p := Pending{LeadID: leadID, Status: status, Kind: kind, RequestedBy: actor.ID, RequestedAt: i.now()}
		i.mu.Lock()
		i.pending[leadID] = p
		i.mu.Unlock()
		return Outcome{Confirm: &p}, nil
	}
	if isCallBack(status) {
		return Outcome{NeedsCallbackTime: true}, nil
	}
	if err := i.book.SetStatus(ctx, actor, leadID, status); err != nil {
		return Outcome{}, err
	}
	return Outcome{Applied: true}, nil
}

// PendingFor returns the held transition of a lead, if any.
func (i *Interceptor) PendingFor(leadID string) (Pending, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.pending[leadID]
	return p, ok
}

// Cancel drops the held transition; the lead keeps its status.
func (i *Interceptor) Cancel(leadID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.pending[leadID]
	delete(i.pending, leadID)
	return ok
}

// Confirm applies the held transition with its side effects and publishes
// the celebration.
func (i *Interceptor) Confirm(ctx context.Context, actor models.Agent, leadID string) (bus.Celebration, error) {
	i.mu.Lock()
	p, ok := i.pending[leadID]
	delete(i.pending, leadID)
	i.mu.Unlock()
	if !ok {
		return bus.Celebration{}, ErrNoPending
	}

	log := i.log.WithFields(logrus.Fields{"lead_id": leadID, "status": p.Status, "actor": actor.ID})

	// conversion agents hand a transferred lead back to the pool. The note
	// goes first: once unassigned the lead is out of their scope.
	if p.Kind == KindTransfer && actor.Role == models.RoleConversion {
		note, err := i.thread.Post(ctx, leadID, actor.Name, "Transferred by "+actor.Name)
		if err != nil {
			log.WithError(err).Warn("transfer note not saved")
		}
		if err := i.book.Handover(ctx, actor, leadID, p.Status); err != nil {
			if note.ID != "" {
				if werr := i.thread.Withdraw(ctx, note); werr != nil {
					log.WithError(werr).Warn("transfer note not withdrawn")
				}
			}
			return bus.Celebration{}, fmt.Errorf("hand over on transfer: %w", err)
		}
	} else if err := i.book.SetStatus(ctx, actor, leadID, p.Status); err != nil {
		return bus.Celebration{}, err
	}

	c, _ := CelebrationFor(p.Kind)
	c.LeadID = leadID
	i.bus.Celebrations.Publish(c)
	log.Info("transition confirmed")
	return c, nil
}

// ScheduleCallback completes a Call Back request.
func (i *Interceptor) ScheduleCallback(ctx context.Context, actor models.Agent, leadID string, at time.Time) error {
	if at.IsZero() {
		return ErrMissingTime
	}
	if at.Before(i.now().Add(-time.Minute)) {
		return ErrCallbackInPast
	}
	return i.book.ScheduleCallback(ctx, actor, leadID, at)
}
