package store

import (
	"context"

	"leaddesk/bus"
	"leaddesk/models"
	"leaddesk/realtime"
)

// Tables the store listens to.
const (
	tableChatMessages    = "chat_messages"
	tableMessageReads    = "message_reads"
	tableRoomMembers     = "chat_room_members"
	tableSupportMessages = "support_messages"
	tableUsers           = "users"
	tableStatuses        = "statuses"
)

// Attach wires the realtime handlers and the lead delta listener. It must
// be called after Load.
func (s *Store) Attach(ctx context.Context, bridge *realtime.Bridge, b *bus.Bus) error {
	if !s.IsReady() {
		return ErrNotReady
	}
	userID := s.CurrentUser().ID
	s.bus = b

	channels := []*realtime.Channel{
		bridge.Channel(tableChatMessages).On(realtime.Insert, s.onMessage),
		bridge.Channel(tableMessageReads).Filter("user_id", userID).On(realtime.Wildcard, func(realtime.Change) {
			s.recomputeUnread(context.Background())
		}),
		bridge.Channel(tableRoomMembers).Filter("user_id", userID).
			On(realtime.Insert, s.onJoin).
			On(realtime.Delete, s.onLeave),
		bridge.Channel(tableSupportMessages).On(realtime.Insert, func(realtime.Change) {
			s.refreshSupport(context.Background())
		}),
		bridge.Channel(tableUsers).
			On(realtime.Insert, s.onAgentUpsert).
			On(realtime.Update, s.onAgentUpsert).
			On(realtime.Delete, s.onAgentDelete),
		bridge.Channel(tableStatuses).On(realtime.Wildcard, func(realtime.Change) {
			s.reloadStatuses(context.Background())
		}),
	}
	for _, ch := range channels {
		sub, err := ch.Subscribe(ctx)
		if err != nil {
			s.Close()
			return err
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}

	unsub := b.LeadDeltas.Subscribe(func(d bus.LeadDelta) {
		if d.Field == "status" {
			s.shiftCount(d.Old, d.New)
		}
	})
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()
	return nil
}

// Close tears down realtime subscriptions.
func (s *Store) Close() {
	s.mu.Lock()
	subs, unsubs := s.subs, s.unsubs
	s.subs, s.unsubs = nil, nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	for _, u := range unsubs {
		u()
	}
}

func (s *Store) publishUnread() {
	if s.bus == nil {
		return
	}
	s.bus.Unread.Publish(s.Unread())
}

func (s *Store) onMessage(c realtime.Change) {
	var msg models.ChatMessage
	if err := c.Decode(&msg); err != nil {
		s.log.WithError(err).Warn("bad chat message event")
		return
	}
	s.applyMessage(msg)
}

// applyMessage bumps the global bucket for the global room. Other rooms
// count toward the direct bucket, and the known-rooms set, only when the
// user is a member.
func (s *Store) applyMessage(msg models.ChatMessage) {
	s.mu.Lock()
	if msg.SenderID != "" && msg.SenderID == s.user.ID {
		s.mu.Unlock()
		return
	}
	switch {
	case msg.RoomID == GlobalRoomID:
		s.unread.global++
	case s.isMember(msg.RoomID):
		s.unread.direct++
		s.unread.rooms[msg.RoomID] = struct{}{}
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.publishUnread()
}

// isMember falls back to the rooms the unread view already reported when
// memberships could not be loaded. Callers hold s.mu.
func (s *Store) isMember(roomID string) bool {
	if s.member == nil {
		_, ok := s.unread.rooms[roomID]
		return ok
	}
	_, ok := s.member[roomID]
	return ok
}

func (s *Store) onJoin(c realtime.Change) {
	var m models.RoomMember
	if err := c.Decode(&m); err != nil || m.RoomID == "" {
		return
	}
	s.mu.Lock()
	if s.member == nil {
		s.member = map[string]struct{}{}
	}
	s.member[m.RoomID] = struct{}{}
	s.mu.Unlock()
}

func (s *Store) onLeave(c realtime.Change) {
	var m models.RoomMember
	if err := c.Decode(&m); err != nil || m.RoomID == "" {
		return
	}
	s.mu.Lock()
	delete(s.member, m.RoomID)
	s.mu.Unlock()
	s.recomputeUnread(context.Background())
}

// recomputeUnread reloads from the authoritative per-room view: a read event
// may cover any number of messages, so decrementing locally is not possible.
func (s *Store) recomputeUnread(ctx context.Context) {
	userID := s.CurrentUser().ID
	rows, err := s.src.Chat.UnreadByRoom(ctx, userID)
	if err != nil {
		s.log.WithError(err).Warn("unread recompute failed")
		return
	}
	st := foldRooms(rows)
	s.mu.Lock()
	st.support = s.unread.support
	s.unread = st
	s.mu.Unlock()
	s.publishUnread()
}

func (s *Store) refreshSupport(ctx context.Context) {
	n, err := s.src.Chat.MyUnreadCount(ctx, s.CurrentUser().ID)
	if err != nil {
		s.log.WithError(err).Warn("support unread refresh failed")
		return
	}
	s.mu.Lock()
	s.unread.support = n
	s.mu.Unlock()
	s.publishUnread()
}

func agentID(a models.Agent) string { return a.ID }

func (s *Store) onAgentUpsert(c realtime.Change) {
	var a models.Agent
	if err := c.Decode(&a); err != nil || a.ID == "" {
		return
	}
	s.mu.Lock()
	if a.ID == s.user.ID {
		s.user = a
	}
	var replaced bool
	s.agents, replaced = realtime.Replace(s.agents, a, agentID)
	if !replaced {
		s.agents = append(s.agents, a)
	}
	s.mu.Unlock()
	s.cache.Invalidate(context.Background(), keyAgents)
}

func (s *Store) onAgentDelete(c realtime.Change) {
	var a models.Agent
	if err := c.Decode(&a); err != nil || a.ID == "" {
		return
	}
	s.mu.Lock()
	s.agents, _ = realtime.Remove(s.agents, a.ID, agentID)
	s.mu.Unlock()
	s.cache.Invalidate(context.Background(), keyAgents)
}

func (s *Store) reloadStatuses(ctx context.Context) {
	s.cache.Invalidate(ctx, keyStatuses)
	statuses, err := s.loadStatuses(ctx)
	if err != nil {
		s.log.WithError(err).Warn("status reload failed")
		return
	}
	s.mu.Lock()
	s.statuses = statuses
	s.mu.Unlock()
}
