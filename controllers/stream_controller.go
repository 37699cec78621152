package controller

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"leaddesk/bus"
	"leaddesk/leads"
	"leaddesk/models"
	"leaddesk/session"
	"leaddesk/utils"
)

const (
	streamBuffer  = 64
	pingInterval  = 30 * time.Second
	pongWait      = 70 * time.Second
	writeWait     = 10 * time.Second
	streamOpenTTL = 15 * time.Second
)

// Envelope is one message pushed over the stream.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type streamCommand struct {
	Action string `json:"action"`
	LeadID string `json:"lead_id"`
}

type StreamController struct {
	Logger   *logrus.Entry
	Sessions *session.Manager
}

func NewStreamController(logger *logrus.Entry, sessions *session.Manager) *StreamController {
	return &StreamController{Logger: logger, Sessions: sessions}
}

// Upgrade rejects plain HTTP requests on the stream route.
func (sc *StreamController) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Stream pushes session signals to the browser until either side closes.
func (sc *StreamController) Stream(conn *websocket.Conn) {
	defer conn.Close()

	userID, _ := conn.Locals("userID").(string)
	token, _ := conn.Locals("token").(string)
	log := sc.Logger.WithField("user_id", userID)

	ctx, cancel := context.WithTimeout(context.Background(), streamOpenTTL)
	s, err := sc.Sessions.Acquire(ctx, userID, token)
	cancel()
	if err != nil {
		log.WithError(err).Warn("stream session unavailable")
		_ = conn.WriteJSON(Envelope{Type: "error", Payload: "Could not open session"})
		return
	}
	defer sc.Sessions.Release(s)

	out := make(chan Envelope, streamBuffer)
	done := make(chan struct{})
	push := func(typ string, payload interface{}) {
		select {
		case <-done:
		case out <- Envelope{Type: typ, Payload: payload}:
		default:
			log.WithField("type", typ).Warn("stream buffer full, dropping message")
		}
	}

	// notes panel of this connection only
	view := bus.New()
	thread := s.NewThread(view)
	defer thread.Close()

	unsubs := []func(){
		s.Bus.Toasts.Subscribe(func(t bus.Toast) { push("toast", t) }),
		view.Toasts.Subscribe(func(t bus.Toast) { push("toast", t) }),
		s.Bus.LeadPatches.Subscribe(func(p bus.LeadPatch) { push("lead_patch", p) }),
		s.Bus.NotePatches.Subscribe(func(p bus.NotePatch) { push("note_patch", p) }),
		view.NotePatches.Subscribe(func(p bus.NotePatch) { push("note_patch", p) }),
		s.Bus.Celebrations.Subscribe(func(c bus.Celebration) { push("celebration", c) }),
		s.Bus.Unread.Subscribe(func(u bus.Unread) { push("unread", u) }),
		s.Bus.Quotes.Subscribe(func(q []models.Quote) { push("quote", q) }),
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	push("unread", s.Store.Unread())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sc.writeLoop(conn, out, done, log)
	}()

	sc.readLoop(conn, thread, push, log)
	close(done)
	<-writerDone
	log.Debug("stream closed")
}

func (sc *StreamController) writeLoop(conn *websocket.Conn, out <-chan Envelope, done <-chan struct{}, log *logrus.Entry) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case env := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				log.WithError(err).Debug("stream write failed")
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (sc *StreamController) readLoop(conn *websocket.Conn, thread *leads.Thread, push func(string, interface{}), log *logrus.Entry) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd streamCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			push("error", "Invalid message")
			continue
		}
		switch cmd.Action {
		case "open_notes":
			if !utils.ValidID(cmd.LeadID) {
				push("error", "Invalid lead ID")
				continue
			}
			notes, err := thread.Open(context.Background(), cmd.LeadID)
			if err != nil {
				log.WithError(err).WithField("lead_id", cmd.LeadID).Warn("open notes failed")
				push("error", "Could not load notes")
				continue
			}
			push("notes", fiber.Map{"lead_id": cmd.LeadID, "notes": notes})
		case "close_notes":
			thread.Close()
		default:
			push("error", "Unknown action")
		}
	}
}
