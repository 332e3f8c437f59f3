// Package signaling is the websocket control plane of the SFU. One hub owns
// every live session; all client frames funnel through its dispatcher, and
// every server push (tier changes, ack summaries, membership events) fans
// out from it.
package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sluice-rtc/sluice/pkg/ack"
	"github.com/sluice-rtc/sluice/pkg/clock"
	"github.com/sluice-rtc/sluice/pkg/conference"
	"github.com/sluice-rtc/sluice/pkg/engine"
	"github.com/sluice-rtc/sluice/pkg/fingerprint"
	"github.com/sluice-rtc/sluice/pkg/metrics"
	"github.com/sluice-rtc/sluice/pkg/rtcp"
	"github.com/sluice-rtc/sluice/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Authenticator resolves the userID of an incoming connection. A false
// return rejects the upgrade with 401. The default accepts everyone and
// trusts the join frame's userId.
type Authenticator func(r *http.Request) (userID string, ok bool)

// Hub routes frames between websocket sessions and the coordination core.
type Hub struct {
	registry   *conference.Registry
	engine     engine.Engine
	forwarder  TierSetter
	collector  *rtcp.Collector
	verifier   *fingerprint.Verifier
	aggregator *ack.Aggregator
	metrics    *metrics.Collector
	clock      clock.Clock

	auth            Authenticator
	sendChannelSize int
	dropThreshold   int

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session // userID -> live session
	// caps stores each user's receive capabilities from their latest offer,
	// consulted when a later producer needs a consumer toward them.
	caps map[string]engine.RTPCapabilities

	logger *logrus.Entry
}

// TierSetter is the slice of the forwarder the hub commands directly.
type TierSetter interface {
	SetTier(meetingID string, tier conference.Tier)
	SelectTierFor(meetingID, userID string) conference.Tier
}

// Options tunes hub behavior; zero values fall back to defaults.
type Options struct {
	Authenticator   Authenticator
	SendChannelSize int
	DropThreshold   int
	Clock           clock.Clock
	CheckOrigin     func(r *http.Request) bool
}

const (
	defaultSendChannelSize = 256
	defaultDropThreshold   = 64
)

func NewHub(
	registry *conference.Registry,
	eng engine.Engine,
	forwarder TierSetter,
	collector *rtcp.Collector,
	aggregator *ack.Aggregator,
	collectorMetrics *metrics.Collector,
	opts Options,
) *Hub {
	if opts.SendChannelSize <= 0 {
		opts.SendChannelSize = defaultSendChannelSize
	}
	if opts.DropThreshold <= 0 {
		opts.DropThreshold = defaultDropThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}

	h := &Hub{
		registry:        registry,
		engine:          eng,
		forwarder:       forwarder,
		collector:       collector,
		aggregator:      aggregator,
		metrics:         collectorMetrics,
		clock:           opts.Clock,
		auth:            opts.Authenticator,
		sendChannelSize: opts.SendChannelSize,
		dropThreshold:   opts.DropThreshold,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		sessions: make(map[string]*session),
		caps:     make(map[string]engine.RTPCapabilities),
		logger:   logrus.WithField("component", "signaling"),
	}
	h.verifier = fingerprint.NewVerifier(opts.Clock, h.onMatch, h.onMismatch)
	return h
}

// Verifier exposes the hub's fingerprint verifier for the periodic sweep.
func (h *Hub) Verifier() *fingerprint.Verifier {
	return h.verifier
}

// ServeHTTP upgrades the connection and starts the session pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	authedUser := ""
	if h.auth != nil {
		userID, ok := h.auth(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		authedUser = userID
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	s := newSession(h, conn)
	if authedUser != "" {
		s.mu.Lock()
		s.userID = authedUser
		s.mu.Unlock()
	}

	go s.writePump()
	go s.readPump()
}

// dispatch validates one inbound frame and routes it to its handler.
func (h *Hub) dispatch(s *session, data []byte) {
	msg, protoErr := ParseClientMessage(data)
	if protoErr != nil {
		s.sendError(protoErr.Code, protoErr.Message)
		return
	}

	switch msg.Type {
	case TypeJoin:
		h.handleJoin(s, msg)
	case TypeOffer:
		h.handleOffer(s, msg)
	case TypeAnswer:
		h.handleAnswer(s, msg)
	case TypeICECandidate:
		h.handleICECandidate(s, msg)
	case TypeLeave:
		h.handleLeave(s, msg)
	case TypeRtcpReport:
		h.handleRtcpReport(s, msg)
	case TypeFrameFingerprint:
		h.handleFrameFingerprint(s, msg)
	}
}

// handleJoin admits the user: transport first (outside the guard, it may
// block on ICE gathering), then the registry commit and fan-out under the
// meeting guard.
func (h *Hub) handleJoin(s *session, msg *ClientMessage) {
	if _, userID := s.identity(); userID != "" && userID != msg.UserID {
		s.sendError(CodeForbidden, "userId does not match the authenticated user")
		return
	}

	tel := telemetry.NewTelemetry(s.ctx, "join",
		attribute.String("meeting_id", msg.MeetingID),
		attribute.String("user_id", msg.UserID))
	defer tel.End()

	info, err := h.engine.CreateTransport(s.ctx, msg.UserID)
	if err != nil {
		tel.Fail(err)
		h.engineFailure(s, err)
		return
	}
	tel.AddEvent("transport created")

	guard := h.registry.Guard(msg.MeetingID)
	guard.Lock()

	tier := conference.TierHigh
	if meeting := h.registry.GetMeeting(msg.MeetingID); meeting != nil {
		tier = meeting.CurrentTier
	}

	h.registry.RegisterUser(msg.MeetingID, &conference.UserSession{
		UserID:          msg.UserID,
		DisplayName:     msg.DisplayName,
		PcID:            info.ID,
		QualityTier:     tier,
		ConnectionState: conference.StateSignaling,
	})

	s.setIdentity(msg.MeetingID, msg.UserID, msg.DisplayName)
	h.mu.Lock()
	if previous, ok := h.sessions[msg.UserID]; ok && previous != s {
		previous.left.Store(true)
		previous.close()
	}
	h.sessions[msg.UserID] = s
	h.mu.Unlock()

	participants := h.participants(msg.MeetingID, "")
	guard.Unlock()

	s.logger.Info("user joined")
	s.enqueue(&ServerMessage{
		Type:         TypeJoined,
		MeetingID:    msg.MeetingID,
		UserID:       msg.UserID,
		Success:      true,
		Participants: participants,
		Tier:         tier.String(),
		Timestamp:    h.clock.Now().UnixMilli(),
	})

	h.broadcast(msg.MeetingID, msg.UserID, &ServerMessage{
		Type:      TypeUserJoined,
		MeetingID: msg.MeetingID,
		UserID:    msg.UserID,
		Timestamp: h.clock.Now().UnixMilli(),
	})
}

// handleOffer answers the client's offer. The extracted parameters are
// buffered on the session; the media path comes up in finishNegotiation once
// DTLS completes.
func (h *Hub) handleOffer(s *session, msg *ClientMessage) {
	meetingID, userID := s.identity()
	if userID == "" {
		s.sendError(CodeForbidden, "offer before join")
		return
	}
	if meetingID != msg.MeetingID {
		s.sendError(CodeNotFound, "unknown meeting")
		return
	}

	offer := ExtractOffer(msg.Sdp)
	if offer == nil {
		s.sendError(CodeBadRequest, "offer carries no opus audio section")
		return
	}
	remote := ExtractClientTransport(msg.Sdp)
	if remote == nil {
		s.sendError(CodeBadRequest, "offer carries no ICE credentials or DTLS fingerprint")
		return
	}

	s.setPending(offer)
	h.mu.Lock()
	h.caps[userID] = offer.RTPCapabilities
	h.mu.Unlock()

	info, err := h.engine.CreateTransport(s.ctx, userID)
	if err != nil {
		h.engineFailure(s, err)
		return
	}

	answer, err := SynthesizeAnswer(info, offer)
	if err != nil {
		s.logger.WithError(err).Error("failed to synthesize answer")
		s.sendError(CodeOverloaded, "failed to build answer")
		return
	}

	h.registry.UpdateConnectionState(meetingID, userID, conference.StateWaitingAnswer)
	s.enqueue(&ServerMessage{
		Type:      TypeAnswer,
		MeetingID: meetingID,
		Sdp:       answer,
		Timestamp: h.clock.Now().UnixMilli(),
	})

	// ConnectTransport blocks until the DTLS handshake driven by the answer
	// we just sent completes, so the media setup runs on its own goroutine.
	go h.finishNegotiation(s, *remote)
}

// handleAnswer completes a server-initiated renegotiation.
func (h *Hub) handleAnswer(s *session, msg *ClientMessage) {
	_, userID := s.identity()
	if userID == "" {
		s.sendError(CodeForbidden, "answer before join")
		return
	}

	remote := ExtractClientTransport(msg.Sdp)
	if remote == nil {
		s.sendError(CodeBadRequest, "answer carries no ICE credentials or DTLS fingerprint")
		return
	}
	go h.finishNegotiation(s, *remote)
}

// finishNegotiation connects the transport, creates the producer announced
// in the buffered offer, and wires consumers in both directions. Engine
// calls happen outside the meeting guard; the layer commit happens inside.
func (h *Hub) finishNegotiation(s *session, remote engine.ClientTransport) {
	meetingID, userID := s.identity()

	tel := telemetry.NewTelemetry(s.ctx, "negotiation",
		attribute.String("meeting_id", meetingID),
		attribute.String("user_id", userID))
	defer tel.End()

	if err := h.engine.ConnectTransport(s.ctx, userID, remote); err != nil {
		tel.Fail(err)
		h.engineFailure(s, err)
		return
	}
	tel.AddEvent("transport connected")
	h.registry.UpdateConnectionState(meetingID, userID, conference.StateConnected)

	offer := s.takePending()
	if offer == nil {
		return
	}

	info, err := h.engine.CreateTransport(s.ctx, userID)
	if err != nil {
		tel.Fail(err)
		h.engineFailure(s, err)
		return
	}

	producerID, err := h.engine.CreateProducer(s.ctx, userID, info.ID, offer.RTPParameters)
	if err != nil {
		tel.Fail(err)
		h.engineFailure(s, err)
		return
	}
	tel.AddEvent("producer created", attribute.String("producer_id", producerID))

	peers := h.registry.ListRecipients(meetingID, userID)

	// New producer toward every existing peer, and every existing peer's
	// producers toward the new user. A failed consumer is logged and skipped;
	// the rest of the mesh still comes up.
	for _, peer := range peers {
		h.mu.Lock()
		peerCaps, ok := h.caps[peer.UserID]
		h.mu.Unlock()
		if ok {
			if _, err := h.engine.CreateConsumer(s.ctx, peer.UserID, producerID, peerCaps); err != nil {
				h.consumerFailure(s, peer.UserID, err)
			}
		}

		for _, peerProducer := range h.engine.ProducersForUser(peer.UserID) {
			if _, err := h.engine.CreateConsumer(s.ctx, userID, peerProducer, offer.RTPCapabilities); err != nil {
				h.consumerFailure(s, userID, err)
			}
		}
	}

	guard := h.registry.Guard(meetingID)
	guard.Lock()
	tier := h.forwarder.SelectTierFor(meetingID, userID)
	layer := tier.Layer()
	for _, consumer := range h.engine.ConsumersForUser(userID) {
		if err := consumer.SetPreferredLayer(layer); err != nil {
			s.logger.WithError(err).WithField("consumer_id", consumer.ID()).
				Warn("failed to set initial layer")
		}
	}
	h.registry.UpdateConnectionState(meetingID, userID, conference.StateStreaming)
	guard.Unlock()

	s.logger.WithField("producer_id", producerID).Info("media path established")
	s.enqueue(&ServerMessage{
		Type:      TypeTierChange,
		MeetingID: meetingID,
		Tier:      tier.String(),
		Timestamp: h.clock.Now().UnixMilli(),
	})
}

// handleICECandidate accepts trickled candidates. The synthesized answer
// already carries the server's candidates and the engine learns the client's
// from STUN checks, so the frame is acknowledged by doing nothing.
func (h *Hub) handleICECandidate(s *session, msg *ClientMessage) {
	_, userID := s.identity()
	if userID == "" {
		s.sendError(CodeForbidden, "ice-candidate before join")
		return
	}
	s.logger.WithField("candidate", msg.Candidate).Debug("trickled candidate received")
}

func (h *Hub) handleLeave(s *session, msg *ClientMessage) {
	meetingID, userID := s.identity()
	if userID == "" || userID != msg.UserID {
		s.sendError(CodeForbidden, "leave for a different user")
		return
	}
	if meetingID != msg.MeetingID {
		s.sendError(CodeNotFound, "unknown meeting")
		return
	}

	s.left.Store(true)
	h.teardown(s)
}

func (h *Hub) handleRtcpReport(s *session, msg *ClientMessage) {
	meetingID, userID := s.identity()
	if userID == "" {
		s.sendError(CodeForbidden, "rtcp-report before join")
		return
	}
	// Telemetry drives meeting-wide tier decisions; nobody reports for
	// someone else.
	if msg.UserID != userID {
		s.sendError(CodeForbidden, "rtcp-report for a different user")
		return
	}

	h.collector.Collect(rtcp.Report{
		MeetingID: meetingID,
		UserID:    msg.UserID,
		LossPct:   *msg.LossPct,
		JitterMs:  *msg.JitterMs,
		RttMs:     *msg.RttMs,
		Timestamp: msg.Timestamp,
	})
	h.metrics.RtcpReports.Inc()
}

// handleFrameFingerprint routes a fingerprint to the verifier. The receiver
// side is checked first: a frame naming a receiver is a receive-side report
// even when it also names the sender (needed for the timestamp fallback).
func (h *Hub) handleFrameFingerprint(s *session, msg *ClientMessage) {
	meetingID, userID := s.identity()
	if userID == "" {
		s.sendError(CodeForbidden, "frame-fingerprint before join")
		return
	}

	if msg.ReceiverUserID != "" {
		frameID := msg.FrameID
		if frameID == "" {
			if msg.SenderUserID == "" || msg.RtpTimestamp == nil {
				s.sendError(CodeBadRequest, "fingerprint without frameId requires senderUserId and rtpTimestamp")
				return
			}
			resolved, ok := h.verifier.FrameIDByRtpTimestamp(msg.SenderUserID, *msg.RtpTimestamp)
			if !ok {
				s.logger.WithField("rtp_timestamp", *msg.RtpTimestamp).
					Debug("no frame within timestamp tolerance, fingerprint dropped")
				return
			}
			frameID = resolved
		}
		h.verifier.AddReceiverFingerprint(frameID, msg.Crc32, msg.ReceiverUserID)
		return
	}

	sender := msg.SenderUserID
	if sender == "" {
		sender = userID
	}
	var rtpTimestamp int64
	if msg.RtpTimestamp != nil {
		rtpTimestamp = *msg.RtpTimestamp
	}
	h.verifier.AddSenderFingerprint(msg.FrameID, msg.Crc32, sender, meetingID, rtpTimestamp)
	// Open the window even before any receiver answers: the next summary tick
	// must report silent receivers as missing, not skip the speaker.
	h.aggregator.Touch(meetingID, sender)
	h.registry.UpdateLastCrc32(meetingID, sender, msg.Crc32)
}

// NotifyTierChange implements the quality controller's notifier: push the
// new tier to every session of the meeting.
func (h *Hub) NotifyTierChange(meetingID string, tier conference.Tier) {
	h.metrics.TierChanges.WithLabelValues(meetingID, tier.String()).Inc()

	frame := &ServerMessage{
		Type:      TypeTierChange,
		MeetingID: meetingID,
		Tier:      tier.String(),
		Timestamp: h.clock.Now().UnixMilli(),
	}
	h.broadcast(meetingID, "", frame)
}

// PushSummaries flushes every ack window and delivers each summary to its
// speaker. Wired to the periodic summary job.
func (h *Hub) PushSummaries() {
	for _, summary := range h.aggregator.FlushAll() {
		h.metrics.AckSummaries.Inc()

		h.mu.Lock()
		speaker, ok := h.sessions[summary.SenderUserID]
		h.mu.Unlock()
		if !ok {
			continue
		}
		speaker.enqueue(&ServerMessage{
			Type:         TypeAckSummary,
			MeetingID:    summary.MeetingID,
			UserID:       summary.SenderUserID,
			AckedUsers:   summary.AckedUsers,
			MissingUsers: summary.MissingUsers,
			Timestamp:    summary.Timestamp,
		})
	}
}

// RunEvents drains engine events until ctx is done or the source closes.
func (h *Hub) RunEvents(ctx context.Context, source engine.EventSource) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-source.Events():
			if !ok {
				return
			}
			switch e := event.(type) {
			case engine.TransportClosed:
				h.logger.WithFields(logrus.Fields{
					"user_id": e.UserID,
					"reason":  e.Reason,
				}).Warn("transport closed by engine")
				h.mu.Lock()
				s, ok := h.sessions[e.UserID]
				h.mu.Unlock()
				if ok {
					s.left.Store(true)
					h.teardown(s)
				}
			case engine.ReceiverReport:
				h.mu.Lock()
				owner, live := h.sessions[e.UserID]
				h.mu.Unlock()
				meetingID := ""
				if live {
					meetingID, _ = owner.identity()
				}
				h.collector.Collect(rtcp.Report{
					MeetingID: meetingID,
					UserID:    e.UserID,
					LossPct:   e.LossPct,
					JitterMs:  e.JitterMs,
					RttMs:     e.RttMs,
					Timestamp: h.clock.Now().UnixMilli(),
				})
				h.metrics.RtcpReports.Inc()
			}
		}
	}
}

// onReadClosed runs when a session's read pump exits. Voluntary leaves have
// already torn down; anything else gets the grace window before its state is
// reclaimed, so a fast reconnect keeps the meeting intact.
func (h *Hub) onReadClosed(s *session) {
	s.close()
	if s.left.Load() {
		return
	}

	_, userID := s.identity()
	if userID == "" {
		return
	}

	time.AfterFunc(disconnectGrace, func() {
		h.mu.Lock()
		current, ok := h.sessions[userID]
		h.mu.Unlock()
		if !ok || current != s {
			return
		}
		s.logger.Info("grace window elapsed, reclaiming session")
		h.teardown(s)
	})
}

// condemn tears a session down because it exhausted its drop budget. The
// error frame is written directly: the send channel is the thing that is
// full.
func (h *Hub) condemn(s *session) {
	h.metrics.ClientErrors.WithLabelValues(codeLabel(CodeOverloaded)).Inc()
	deadline := time.Now().Add(writeWait)
	_ = s.conn.SetWriteDeadline(deadline)
	if data, err := json.Marshal(errorFrame(CodeOverloaded, "session too slow, closing")); err == nil {
		_ = s.conn.WriteMessage(websocket.TextMessage, data)
	}
	s.left.Store(true)
	go h.teardown(s)
}

// teardown removes the user from the meeting and releases everything that
// hangs off the session. Safe to call more than once.
func (h *Hub) teardown(s *session) {
	meetingID, userID := s.identity()
	if userID == "" {
		s.close()
		return
	}

	h.mu.Lock()
	if current, ok := h.sessions[userID]; ok && current == s {
		delete(h.sessions, userID)
		delete(h.caps, userID)
	}
	h.mu.Unlock()

	guard := h.registry.Guard(meetingID)
	guard.Lock()
	h.registry.UpdateConnectionState(meetingID, userID, conference.StateDisconnecting)
	guard.Unlock()

	h.engine.CloseUser(userID)

	guard.Lock()
	h.registry.RemoveUser(meetingID, userID)
	guard.Unlock()

	h.collector.CleanupUser(userID)

	s.logger.Info("user left")
	h.broadcast(meetingID, userID, &ServerMessage{
		Type:      TypeUserLeft,
		MeetingID: meetingID,
		UserID:    userID,
		Timestamp: h.clock.Now().UnixMilli(),
	})

	s.close()
}

// broadcast fans a frame out to every session of the meeting, excluding
// excludeUserID when non-empty.
func (h *Hub) broadcast(meetingID, excludeUserID string, frame *ServerMessage) {
	for _, member := range h.registry.ListRecipients(meetingID, excludeUserID) {
		h.mu.Lock()
		s, ok := h.sessions[member.UserID]
		h.mu.Unlock()
		if ok {
			s.enqueue(frame)
		}
	}
}

// participants projects the meeting's sessions for the joined frame.
func (h *Hub) participants(meetingID, excludeUserID string) []Participant {
	members := h.registry.ListRecipients(meetingID, excludeUserID)
	out := make([]Participant, 0, len(members))
	for _, member := range members {
		out = append(out, Participant{
			UserID:          member.UserID,
			DisplayName:     member.DisplayName,
			QualityTier:     member.QualityTier.String(),
			ConnectionState: member.ConnectionState.String(),
		})
	}
	return out
}

func (h *Hub) onMatch(event fingerprint.Event) {
	h.metrics.FingerprintMatches.Inc()
	h.aggregator.OnDecodeAck(event.MeetingID, event.SenderUserID, event.ReceiverUserID, true)
}

func (h *Hub) onMismatch(event fingerprint.Event) {
	h.metrics.FingerprintMismatches.Inc()
	h.aggregator.OnDecodeAck(event.MeetingID, event.SenderUserID, event.ReceiverUserID, false)
}

// engineFailure applies the recovery policy: count it, tell the client, and
// tear the session down only on fatal errors.
func (h *Hub) engineFailure(s *session, err error) {
	kind := engine.Transient
	if engine.IsFatal(err) {
		kind = engine.Fatal
	}
	h.metrics.EngineFailures.WithLabelValues(kind.String()).Inc()
	s.logger.WithError(err).Warn("engine call failed")

	s.sendError(CodeOverloaded, "media engine failure")
	if kind == engine.Fatal {
		s.left.Store(true)
		h.teardown(s)
	}
}

// consumerFailure logs an isolated consumer setup failure; the rest of the
// mesh is unaffected.
func (h *Hub) consumerFailure(s *session, receiverUserID string, err error) {
	kind := engine.Transient
	if engine.IsFatal(err) {
		kind = engine.Fatal
	}
	h.metrics.EngineFailures.WithLabelValues(kind.String()).Inc()
	s.logger.WithError(err).WithField("receiver", receiverUserID).
		Warn("failed to create consumer")
}

func codeLabel(code int) string {
	return strconv.Itoa(code)
}
