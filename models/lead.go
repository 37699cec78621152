package models

import (
	"time"
)

// Well-known status labels the workflow treats specially.
const (
	StatusCallBack    = "Call Back"
	StatusTransferred = "Transferred"
	StatusFTD         = "FTD"
	StatusUpSale      = "Up Sale"
)

// Lead represents a single prospect tracked through the pipeline
type Lead struct {
	ID      string `gorm:"primaryKey;type:uuid" json:"id"`
	Name    string `json:"name"`
	Surname string `json:"surname"`
	Email   string `gorm:"index" json:"email"`
	Phone   string `json:"phone"`
	Country string `json:"country"`

	Status       string     `gorm:"index" json:"status"`
	AssignedTo   *string    `gorm:"type:uuid;index" json:"assigned_to"`
	SourceFile   string     `gorm:"index" json:"source_file"` // origin partition, drives manager visibility
	NoteCount    int        `gorm:"default:0" json:"note_count"`
	CallbackTime *time.Time `json:"callback_time"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Lead) TableName() string { return "leads" }

// LeadPatch is applied to the local mirror first and then sent to the backend.
type LeadPatch struct {
	Status        *string    `json:"status,omitempty"`
	AssignedTo    *string    `json:"assigned_to,omitempty"`
	ClearAssignee bool       `json:"clear_assignee,omitempty"`
	CallbackTime  *time.Time `json:"callback_time,omitempty"`
	ClearCallback bool       `json:"clear_callback,omitempty"`
}

// StatusPatch builds the patch for a plain status change. Any status other
// than Call Back wipes a scheduled callback.
func StatusPatch(status string) LeadPatch {
	p := LeadPatch{Status: &status}
	if NormalizeLabel(status) != NormalizeLabel(StatusCallBack) {
		p.ClearCallback = true
	}
	return p
}

// AssignPatch builds the patch for an assignment change; nil unassigns.
func AssignPatch(agentID *string) LeadPatch {
	if agentID == nil || *agentID == "" {
		return LeadPatch{ClearAssignee: true}
	}
	id := *agentID
	return LeadPatch{AssignedTo: &id}
}

func (p LeadPatch) IsEmpty() bool {
	return p.Status == nil && p.AssignedTo == nil && !p.ClearAssignee &&
		p.CallbackTime == nil && !p.ClearCallback
}

// Apply mutates the lead in place.
func (p LeadPatch) Apply(l *Lead) {
	if p.Status != nil {
		l.Status = *p.Status
	}
	switch {
	case p.ClearAssignee:
		l.AssignedTo = nil
	case p.AssignedTo != nil:
		id := *p.AssignedTo
		l.AssignedTo = &id
	}
	switch {
	case p.ClearCallback:
		l.CallbackTime = nil
	case p.CallbackTime != nil:
		t := *p.CallbackTime
		l.CallbackTime = &t
	}
}

// Columns returns the column map used for the remote update.
func (p LeadPatch) Columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if p.Status != nil {
		cols["status"] = *p.Status
	}
	switch {
	case p.ClearAssignee:
		cols["assigned_to"] = nil
	case p.AssignedTo != nil:
		cols["assigned_to"] = *p.AssignedTo
	}
	switch {
	case p.ClearCallback:
		cols["callback_time"] = nil
	case p.CallbackTime != nil:
		cols["callback_time"] = *p.CallbackTime
	}
	return cols
}

// LeadQuery is the filter for the lead table. Scope fields are filled by the
// policy component, never by the caller.
type LeadQuery struct {
	Status     string `query:"status"`
	Search     string `query:"search"`
	AssignedTo string `query:"assigned_to"`
	SourceFile string `query:"source"`
	Page       int    `query:"page"`
	Limit      int    `query:"limit"`

	ScopeAll       bool     `json:"-" query:"-"`
	ScopeSources   []string `json:"-" query:"-"`
	ScopeAssignees []string `json:"-" query:"-"`
}

// StatusCount is one row of the get_lead_stats procedure
type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// Notification is removed together with its lead.
type Notification struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	UserID    string    `gorm:"type:uuid;index" json:"user_id"`
	LeadID    *string   `gorm:"type:uuid;index" json:"lead_id"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	IsRead    bool      `gorm:"default:false" json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

func (Notification) TableName() string { return "notifications" }
