package models

import "time"

// Note belongs to exactly one lead. AuthorName is a denormalized display name.
type Note struct {
	ID         string    `gorm:"primaryKey;type:uuid" json:"id"`
	LeadID     string    `gorm:"type:uuid;not null;index" json:"lead_id"`
	Body       string    `gorm:"type:text;not null" json:"body"`
	AuthorName string    `json:"author_name"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Note) TableName() string { return "notes" }

// ChatMessage is a message in a chat room
type ChatMessage struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	RoomID    string    `gorm:"type:uuid;index" json:"room_id"`
	SenderID  string    `gorm:"type:uuid" json:"sender_id"`
	Body      string    `gorm:"type:text" json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func (ChatMessage) TableName() string { return "chat_messages" }

// MessageRead marks a room as read up to a point for one user
type MessageRead struct {
	ID       string    `gorm:"primaryKey;type:uuid" json:"id"`
	RoomID   string    `gorm:"type:uuid;index" json:"room_id"`
	UserID   string    `gorm:"type:uuid;index" json:"user_id"`
	LastRead time.Time `json:"last_read"`
}

func (MessageRead) TableName() string { return "message_reads" }

// RoomMember admits a user to a chat room
type RoomMember struct {
	RoomID string `gorm:"primaryKey;type:uuid" json:"room_id"`
	UserID string `gorm:"primaryKey;type:uuid;index" json:"user_id"`
}

func (RoomMember) TableName() string { return "chat_room_members" }

// RoomUnread is a row of the unread_counts_by_room view
type RoomUnread struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Unread int    `json:"unread"`
}

func (RoomUnread) TableName() string { return "unread_counts_by_room" }

// Quote is the latest price of one ticker symbol
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Change    float64   `json:"change"`
	UpdatedAt time.Time `json:"updated_at"`
}
