// Package pionengine implements the media engine contract on pion's ORTC
// API. Transports are ICE/DTLS pairs, producers are RTP receivers with one
// remote track per simulcast layer, consumers are RTP senders fed by a
// bounded per-consumer worker.
package pionengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/sluice-rtc/sluice/pkg/channel"
	"github.com/sluice-rtc/sluice/pkg/engine"
	"github.com/sluice-rtc/sluice/pkg/worker"
)

const (
	// consumerQueueSize bounds each consumer's packet queue. At 20ms opus
	// frames this is roughly 2.5 seconds of audio.
	consumerQueueSize = 128
	// consumerIdleTimeout is how often an idle consumer worker wakes up.
	consumerIdleTimeout = time.Minute

	eventQueueSize = 64
)

// Engine is the pion-backed engine.Engine.
type Engine struct {
	api *webrtc.API

	mu                  sync.Mutex
	transports          map[string]*transport  // userID
	producers           map[string]*producer   // producerID
	consumers           map[string][]*consumer // receiver userID
	consumersByProducer map[string][]*consumer

	// Engine events fan in over per-transport sealed sinks so that a closed
	// transport can never emit after teardown.
	shared chan channel.Message[string, engine.Event]
	events chan engine.Event

	closed atomic.Bool
	nextID atomic.Uint64

	logger *logrus.Entry
}

type transport struct {
	id       string
	userID   string
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	info     engine.TransportInfo
	events   *channel.Sink[string, engine.Event]
}

type producer struct {
	id     string
	userID string

	receiver *webrtc.RTPReceiver
	// Highest simulcast layer the producer actually sends. Non-simulcast
	// producers top out at 0.
	maxLayer int

	cancel context.CancelFunc
}

// consumer forwards one producer's packets to one receiver. Its worker
// decouples the producer read loop from slow DTLS writes; a full queue drops
// the packet rather than stalling the producer.
type consumer struct {
	id         string
	producerID string
	userID     string

	sender *webrtc.RTPSender
	track  *webrtc.TrackLocalStaticRTP
	work   *worker.Worker[*rtp.Packet]

	// Preferred simulcast layer, commanded by the forwarder.
	layer atomic.Int32

	cancel context.CancelFunc
	logger *logrus.Entry
}

func (c *consumer) ID() string         { return c.id }
func (c *consumer) ProducerID() string { return c.producerID }
func (c *consumer) UserID() string     { return c.userID }

// SetPreferredLayer stores the layer the fan-out path selects on.
func (c *consumer) SetPreferredLayer(spatialLayer int) error {
	if spatialLayer < 0 || spatialLayer > 2 {
		return fmt.Errorf("spatial layer %d out of range", spatialLayer)
	}
	c.layer.Store(int32(spatialLayer))
	return nil
}

func New() (*Engine, error) {
	api, err := newMediaAPI()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		api:                 api,
		transports:          make(map[string]*transport),
		producers:           make(map[string]*producer),
		consumers:           make(map[string][]*consumer),
		consumersByProducer: make(map[string][]*consumer),
		shared:              make(chan channel.Message[string, engine.Event], eventQueueSize),
		events:              make(chan engine.Event, eventQueueSize),
		logger:              logrus.WithField("component", "pionengine"),
	}
	go e.pumpEvents()
	return e, nil
}

// Events implements engine.EventSource.
func (e *Engine) Events() <-chan engine.Event {
	return e.events
}

// Close tears down every user and stops the event pump.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}

	e.mu.Lock()
	users := make([]string, 0, len(e.transports))
	for userID := range e.transports {
		users = append(users, userID)
	}
	e.mu.Unlock()

	for _, userID := range users {
		e.CloseUser(userID)
	}
	close(e.shared)
}

func (e *Engine) pumpEvents() {
	for msg := range e.shared {
		e.events <- msg.Content
	}
	close(e.events)
}

func (e *Engine) fresh(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, e.nextID.Add(1))
}

// CreateTransport builds the ICE gatherer, ICE transport and DTLS transport
// for the user and blocks until candidate gathering completes. Idempotent:
// an existing transport is returned as-is.
func (e *Engine) CreateTransport(ctx context.Context, userID string) (engine.TransportInfo, error) {
	e.mu.Lock()
	if t, ok := e.transports[userID]; ok {
		e.mu.Unlock()
		return t.info, nil
	}
	e.mu.Unlock()

	gatherer, err := e.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return engine.TransportInfo{}, engine.NewError("CreateTransport", userID, engine.Fatal, err)
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return engine.TransportInfo{}, engine.NewError("CreateTransport", userID, engine.Fatal, err)
	}

	select {
	case <-gatherDone:
	case <-ctx.Done():
		_ = gatherer.Close()
		return engine.TransportInfo{}, engine.NewError("CreateTransport", userID, engine.Transient, ctx.Err())
	}

	iceTransport := e.api.NewICETransport(gatherer)
	dtlsTransport, err := e.api.NewDTLSTransport(iceTransport, nil)
	if err != nil {
		_ = gatherer.Close()
		return engine.TransportInfo{}, engine.NewError("CreateTransport", userID, engine.Fatal, err)
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return engine.TransportInfo{}, engine.NewError("CreateTransport", userID, engine.Fatal, err)
	}
	dtlsParams, err := dtlsTransport.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return engine.TransportInfo{}, engine.NewError("CreateTransport", userID, engine.Fatal, err)
	}
	if len(dtlsParams.Fingerprints) == 0 {
		_ = gatherer.Close()
		return engine.TransportInfo{}, engine.NewError("CreateTransport", userID, engine.Fatal,
			errors.New("no DTLS fingerprint available"))
	}

	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return engine.TransportInfo{}, engine.NewError("CreateTransport", userID, engine.Fatal, err)
	}

	info := engine.TransportInfo{
		ID: e.fresh("transport"),
		ICEParameters: engine.ICEParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
		},
		DTLSParameters: engine.DTLSParameters{
			FingerprintAlgorithm: dtlsParams.Fingerprints[0].Algorithm,
			FingerprintValue:     dtlsParams.Fingerprints[0].Value,
			Setup:                "passive",
		},
	}
	for _, candidate := range candidates {
		init := candidate.ToJSON()
		iceCandidate := engine.ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			iceCandidate.SdpMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			iceCandidate.SdpMLineIndex = *init.SDPMLineIndex
		}
		info.ICECandidates = append(info.ICECandidates, iceCandidate)
	}

	sink := channel.NewSink(userID, (chan<- channel.Message[string, engine.Event])(e.shared))
	iceTransport.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		switch state {
		case webrtc.ICETransportStateFailed, webrtc.ICETransportStateDisconnected:
			_ = sink.Send(engine.TransportClosed{
				UserID: userID,
				Reason: "ice " + state.String(),
			})
		}
	})

	t := &transport{
		id:       info.ID,
		userID:   userID,
		gatherer: gatherer,
		ice:      iceTransport,
		dtls:     dtlsTransport,
		info:     info,
		events:   sink,
	}

	e.mu.Lock()
	// A concurrent call may have won the race; keep the first transport.
	if existing, ok := e.transports[userID]; ok {
		e.mu.Unlock()
		sink.Seal()
		_ = gatherer.Close()
		return existing.info, nil
	}
	e.transports[userID] = t
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"user_id":      userID,
		"transport_id": info.ID,
		"candidates":   len(info.ICECandidates),
	}).Info("transport created")
	return info, nil
}

// ConnectTransport runs the ICE and DTLS handshakes against the client's
// parameters. Blocks until DTLS completes; the caller runs it off the
// signaling path.
func (e *Engine) ConnectTransport(ctx context.Context, userID string, remote engine.ClientTransport) error {
	e.mu.Lock()
	t, ok := e.transports[userID]
	e.mu.Unlock()
	if !ok {
		return engine.NewError("ConnectTransport", userID, engine.Fatal,
			errors.New("no transport for user"))
	}

	// The client initiated, so the server side is the controlled agent.
	iceRole := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, webrtc.ICEParameters{
		UsernameFragment: remote.ICE.UsernameFragment,
		Password:         remote.ICE.Password,
	}, &iceRole); err != nil {
		return engine.NewError("ConnectTransport", userID, engine.Fatal, err)
	}

	if err := t.dtls.Start(webrtc.DTLSParameters{
		Role: remoteDTLSRole(remote.DTLS.Setup),
		Fingerprints: []webrtc.DTLSFingerprint{{
			Algorithm: remote.DTLS.FingerprintAlgorithm,
			Value:     remote.DTLS.FingerprintValue,
		}},
	}); err != nil {
		return engine.NewError("ConnectTransport", userID, engine.Fatal, err)
	}

	e.logger.WithField("user_id", userID).Info("transport connected")
	return nil
}

// remoteDTLSRole maps the client's setup attribute onto the role the client
// plays in the handshake. An offering client declares actpass and ends up
// active once the server answers passive.
func remoteDTLSRole(setup string) webrtc.DTLSRole {
	if setup == "passive" {
		return webrtc.DTLSRoleServer
	}
	return webrtc.DTLSRoleClient
}

// CreateProducer starts receiving the client's simulcast encodings and
// spawns one read loop per layer.
func (e *Engine) CreateProducer(ctx context.Context, userID, transportID string, params engine.RTPParameters) (string, error) {
	e.mu.Lock()
	t, ok := e.transports[userID]
	e.mu.Unlock()
	if !ok || t.id != transportID {
		return "", engine.NewError("CreateProducer", userID, engine.Fatal,
			errors.New("unknown transport"))
	}

	receiver, err := e.api.NewRTPReceiver(webrtc.RTPCodecTypeAudio, t.dtls)
	if err != nil {
		return "", engine.NewError("CreateProducer", userID, engine.Fatal, err)
	}

	encodings := make([]webrtc.RTPDecodingParameters, 0, len(params.Encodings))
	for _, encoding := range params.Encodings {
		encodings = append(encodings, webrtc.RTPDecodingParameters{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				RID:         encoding.Rid,
				PayloadType: webrtc.PayloadType(params.Codec.PayloadType),
			},
		})
	}
	if len(encodings) == 0 {
		encodings = append(encodings, webrtc.RTPDecodingParameters{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				PayloadType: webrtc.PayloadType(params.Codec.PayloadType),
			},
		})
	}

	if err := receiver.Receive(webrtc.RTPReceiveParameters{Encodings: encodings}); err != nil {
		return "", engine.NewError("CreateProducer", userID, engine.Transient, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p := &producer{
		id:       e.fresh("producer"),
		userID:   userID,
		receiver: receiver,
		maxLayer: len(encodings) - 1,
		cancel:   cancel,
	}

	e.mu.Lock()
	e.producers[p.id] = p
	e.mu.Unlock()

	for layer, track := range receiver.Tracks() {
		go e.readProducerTrack(loopCtx, p, track, layer)
	}

	e.logger.WithFields(logrus.Fields{
		"user_id":     userID,
		"producer_id": p.id,
		"layers":      len(encodings),
	}).Info("producer created")
	return p.id, nil
}

// readProducerTrack pulls packets off one simulcast layer and fans them out
// to every consumer currently preferring that layer.
func (e *Engine) readProducerTrack(ctx context.Context, p *producer, track *webrtc.TrackRemote, layer int) {
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			if ctx.Err() == nil {
				e.logger.WithError(err).WithFields(logrus.Fields{
					"producer_id": p.id,
					"layer":       layer,
				}).Debug("producer read loop ended")
			}
			return
		}
		e.fanOut(p, layer, packet)
	}
}

// fanOut delivers the packet to every consumer whose effective layer matches
// the packet's layer. A consumer preferring a layer the producer does not
// send falls back to the producer's highest layer.
func (e *Engine) fanOut(p *producer, layer int, packet *rtp.Packet) {
	e.mu.Lock()
	targets := make([]*consumer, 0, len(e.consumersByProducer[p.id]))
	for _, c := range e.consumersByProducer[p.id] {
		effective := int(c.layer.Load())
		if effective > p.maxLayer {
			effective = p.maxLayer
		}
		if effective == layer {
			targets = append(targets, c)
		}
	}
	e.mu.Unlock()

	for _, c := range targets {
		if err := c.work.Send(packet); err != nil {
			c.logger.WithError(err).Debug("packet dropped")
		}
	}
}

// CreateConsumer wires the producer to the receiver's transport. The caps
// must include opus; anything else is a clean incompatibility failure.
func (e *Engine) CreateConsumer(ctx context.Context, receiverUserID, producerID string, caps engine.RTPCapabilities) (engine.Consumer, error) {
	if !supportsOpus(caps) {
		return nil, engine.NewError("CreateConsumer", receiverUserID, engine.Transient,
			errors.New("receiver capabilities do not include opus"))
	}

	e.mu.Lock()
	t, transportOK := e.transports[receiverUserID]
	_, producerOK := e.producers[producerID]
	e.mu.Unlock()
	if !transportOK {
		return nil, engine.NewError("CreateConsumer", receiverUserID, engine.Fatal,
			errors.New("no transport for receiver"))
	}
	if !producerOK {
		return nil, engine.NewError("CreateConsumer", receiverUserID, engine.Transient,
			errors.New("unknown producer"))
	}

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio-"+producerID, receiverUserID)
	if err != nil {
		return nil, engine.NewError("CreateConsumer", receiverUserID, engine.Transient, err)
	}

	sender, err := e.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, engine.NewError("CreateConsumer", receiverUserID, engine.Fatal, err)
	}
	if err := sender.Send(sender.GetParameters()); err != nil {
		return nil, engine.NewError("CreateConsumer", receiverUserID, engine.Transient, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &consumer{
		id:         e.fresh("consumer"),
		producerID: producerID,
		userID:     receiverUserID,
		sender:     sender,
		track:      track,
		cancel:     cancel,
		logger: e.logger.WithFields(logrus.Fields{
			"user_id":     receiverUserID,
			"producer_id": producerID,
		}),
	}
	c.layer.Store(2)
	c.work = worker.StartWorker(worker.Config[*rtp.Packet]{
		ChannelSize: consumerQueueSize,
		Timeout:     consumerIdleTimeout,
		OnTimeout:   func() {},
		OnTask: func(packet *rtp.Packet) {
			if err := c.track.WriteRTP(packet); err != nil {
				c.logger.WithError(err).Debug("write failed")
			}
		},
	})

	go e.readSenderRTCP(loopCtx, c, t.events)

	e.mu.Lock()
	e.consumers[receiverUserID] = append(e.consumers[receiverUserID], c)
	e.consumersByProducer[producerID] = append(e.consumersByProducer[producerID], c)
	e.mu.Unlock()

	c.logger.WithField("consumer_id", c.id).Info("consumer created")
	return c, nil
}

// readSenderRTCP drains the sender's RTCP stream and converts receiver
// reports into engine events, feeding the same telemetry path as client
// reports. Jitter arrives in RTP timestamp units; at 48kHz dividing by 48
// yields milliseconds.
func (e *Engine) readSenderRTCP(ctx context.Context, c *consumer, sink *channel.Sink[string, engine.Event]) {
	for {
		packets, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		for _, packet := range packets {
			report, ok := packet.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, reception := range report.Reports {
				if err := sink.Send(engine.ReceiverReport{
					UserID:   c.userID,
					LossPct:  float64(reception.FractionLost) / 256,
					JitterMs: float64(reception.Jitter) / 48,
				}); err != nil {
					return
				}
			}
		}
	}
}

func supportsOpus(caps engine.RTPCapabilities) bool {
	for _, codec := range caps.Codecs {
		if codec.MimeType == "audio/opus" {
			return true
		}
	}
	return false
}

// ConsumersForUser returns the consumers currently delivering to the user.
func (e *Engine) ConsumersForUser(userID string) []engine.Consumer {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]engine.Consumer, 0, len(e.consumers[userID]))
	for _, c := range e.consumers[userID] {
		out = append(out, c)
	}
	return out
}

// ProducersForUser returns the ids of the user's producers.
func (e *Engine) ProducersForUser(userID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []string
	for id, p := range e.producers {
		if p.userID == userID {
			ids = append(ids, id)
		}
	}
	return ids
}

// CloseUser releases everything attached to the user: their transport and
// producers, the consumers delivering to them, and the consumers carrying
// their media to others.
func (e *Engine) CloseUser(userID string) {
	e.mu.Lock()

	t := e.transports[userID]
	delete(e.transports, userID)

	var closingProducers []*producer
	for id, p := range e.producers {
		if p.userID == userID {
			closingProducers = append(closingProducers, p)
			delete(e.producers, id)
		}
	}

	var closingConsumers []*consumer
	closingConsumers = append(closingConsumers, e.consumers[userID]...)
	delete(e.consumers, userID)

	for _, p := range closingProducers {
		closingConsumers = append(closingConsumers, e.consumersByProducer[p.id]...)
		delete(e.consumersByProducer, p.id)
	}
	// Drop the closed consumers from the remaining per-producer fan-out lists.
	for producerID, list := range e.consumersByProducer {
		kept := list[:0]
		for _, c := range list {
			if c.userID != userID {
				kept = append(kept, c)
			}
		}
		e.consumersByProducer[producerID] = kept
	}
	// And from the per-receiver lists of other users.
	for receiverID, list := range e.consumers {
		kept := list[:0]
		for _, c := range list {
			if !containsConsumer(closingConsumers, c) {
				kept = append(kept, c)
			}
		}
		e.consumers[receiverID] = kept
	}
	e.mu.Unlock()

	for _, c := range closingConsumers {
		c.cancel()
		c.work.Stop()
		_ = c.sender.Stop()
	}
	for _, p := range closingProducers {
		p.cancel()
		_ = p.receiver.Stop()
	}
	if t != nil {
		t.events.Seal()
		_ = t.dtls.Stop()
		_ = t.ice.Stop()
		_ = t.gatherer.Close()
	}

	e.logger.WithFields(logrus.Fields{
		"user_id":   userID,
		"producers": len(closingProducers),
		"consumers": len(closingConsumers),
	}).Info("user closed")
}

func containsConsumer(list []*consumer, c *consumer) bool {
	for _, existing := range list {
		if existing == c {
			return true
		}
	}
	return false
}
