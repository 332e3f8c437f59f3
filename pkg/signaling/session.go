package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second
	// pongWait is how long the connection may stay silent before the read
	// side gives up; pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024

	// disconnectGrace is how long an abruptly dropped connection keeps its
	// server-side state, so a quick reconnect finds the meeting intact.
	disconnectGrace = 2 * time.Second
)

// session is one websocket connection. The read pump feeds frames into the
// hub, the write pump drains the bounded send channel. A full channel drops
// the frame; enough consecutive drops condemn the session.
type session struct {
	hub  *Hub
	conn *websocket.Conn

	mu          sync.Mutex
	userID      string
	meetingID   string
	displayName string
	pending     *ExtractedOffer

	send chan []byte
	// Consecutive frames dropped on a full send channel. Reset on every
	// successful enqueue.
	drops atomic.Int32

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// left is set once the user leaves voluntarily; it suppresses the
	// disconnect grace timer.
	left atomic.Bool

	logger *logrus.Entry
}

func newSession(hub *Hub, conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, hub.sendChannelSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logrus.WithField("component", "signaling"),
	}
}

func (s *session) setIdentity(meetingID, userID, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetingID = meetingID
	s.userID = userID
	s.displayName = displayName
	s.logger = logrus.WithFields(logrus.Fields{
		"component":  "signaling",
		"meeting_id": meetingID,
		"user_id":    userID,
	})
}

func (s *session) identity() (meetingID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meetingID, s.userID
}

func (s *session) setPending(offer *ExtractedOffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = offer
}

// takePending returns and clears the buffered offer.
func (s *session) takePending() *ExtractedOffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	offer := s.pending
	s.pending = nil
	return offer
}

// enqueue serializes msg onto the send channel without blocking. Returns
// false once the session has exhausted its drop budget.
func (s *session) enqueue(msg *ServerMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.WithError(err).Error("failed to marshal frame")
		return true
	}

	select {
	case s.send <- data:
		s.drops.Store(0)
		return true
	case <-s.ctx.Done():
		return false
	default:
	}

	dropped := s.drops.Add(1)
	s.hub.metrics.DroppedMessages.Inc()
	s.logger.WithFields(logrus.Fields{
		"type":    msg.Type,
		"dropped": dropped,
	}).Warn("send channel full, frame dropped")

	if int(dropped) >= s.hub.dropThreshold {
		s.logger.Error("drop threshold exceeded, condemning session")
		s.hub.condemn(s)
		return false
	}
	return true
}

func (s *session) sendError(code int, message string) {
	s.hub.metrics.ClientErrors.WithLabelValues(codeLabel(code)).Inc()
	s.enqueue(errorFrame(code, message))
}

// close shuts the connection down exactly once. The websocket close frame is
// best effort.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		deadline := time.Now().Add(writeWait)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()
	})
}

// readPump owns the read side of the connection. It exits on the first read
// error; the hub then decides between a graceful leave and the grace timer.
func (s *session) readPump() {
	defer s.hub.onReadClosed(s)

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).Warn("connection closed unexpectedly")
			}
			return
		}
		s.hub.dispatch(s, data)
	}
}

// writePump owns the write side: it drains the send channel and keeps the
// connection alive with pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.WithError(err).Debug("write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
