// Package backend is the client side of the hosted backend: its tables,
// stored procedures and privileged functions.
package backend

import (
	"context"
	"time"

	"leaddesk/models"
)

// LeadStore covers the leads table and the lead procedures. Writes take the
// caller's visibility scope and report the rows they touched.
type LeadStore interface {
	ListLeads(ctx context.Context, q models.LeadQuery) ([]models.Lead, int64, error)
	GetLead(ctx context.Context, scope models.LeadQuery, id string) (models.Lead, error)
	UpdateLeads(ctx context.Context, scope models.LeadQuery, ids []string, patch models.LeadPatch) (int64, error)
	DeleteLeads(ctx context.Context, scope models.LeadQuery, ids []string) (int64, error)
	LeadStats(ctx context.Context, q models.LeadQuery) ([]models.StatusCount, error)
	LogCall(ctx context.Context, leadID, userID string) error
}

// NoteStore covers the notes table.
type NoteStore interface {
	ListNotes(ctx context.Context, leadID string) ([]models.Note, error)
	GetNote(ctx context.Context, id string) (models.Note, error)
	InsertNote(ctx context.Context, note models.Note) (models.Note, error)
	DeleteNote(ctx context.Context, id string) error
	AdjustNoteCount(ctx context.Context, leadID string, delta int) error
}

// ReferenceStore covers the reference collections shared by all views.
type ReferenceStore interface {
	GetProfile(ctx context.Context, userID string) (models.Agent, error)
	ListAgents(ctx context.Context) ([]models.Agent, error)
	ListStatuses(ctx context.Context) ([]models.Status, error)
}

// ChatStore covers unread counters and room membership.
type ChatStore interface {
	UnreadByRoom(ctx context.Context, userID string) ([]models.RoomUnread, error)
	MyRooms(ctx context.Context, userID string) ([]string, error)
	MyUnreadCount(ctx context.Context, userID string) (int, error)
}

// RoleSync propagates role changes to the trading platform.
type RoleSync interface {
	SyncTradingRole(ctx context.Context, userID string, role models.Role) error
}

// Backend is everything a session needs from the data interface.
type Backend interface {
	LeadStore
	NoteStore
	ReferenceStore
	ChatStore
	RoleSync
}

// opTimeout bounds a single backend round-trip.
const opTimeout = 10 * time.Second
