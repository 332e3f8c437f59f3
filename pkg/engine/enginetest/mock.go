// Package enginetest provides an in-memory engine implementation for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/sluice-rtc/sluice/pkg/engine"
)

// LayerCall records one SetPreferredLayer invocation.
type LayerCall struct {
	ConsumerID string
	UserID     string
	Layer      int
}

// Consumer is a recording consumer handle.
type Consumer struct {
	mock       *Engine
	id         string
	producerID string
	userID     string

	// Err, when set, is returned by SetPreferredLayer.
	Err error
}

func (c *Consumer) ID() string         { return c.id }
func (c *Consumer) ProducerID() string { return c.producerID }
func (c *Consumer) UserID() string     { return c.userID }

func (c *Consumer) SetPreferredLayer(spatialLayer int) error {
	c.mock.mu.Lock()
	c.mock.LayerCalls = append(c.mock.LayerCalls, LayerCall{
		ConsumerID: c.id,
		UserID:     c.userID,
		Layer:      spatialLayer,
	})
	c.mock.mu.Unlock()
	return c.Err
}

// Engine is an in-memory engine.Engine that records every call.
type Engine struct {
	mu sync.Mutex

	transports map[string]engine.TransportInfo
	producers  map[string][]string    // userID -> producer ids
	consumers  map[string][]*Consumer // receiver userID -> consumers
	connected  map[string]engine.ClientTransport

	// LayerCalls collects every SetPreferredLayer across all consumers.
	LayerCalls []LayerCall
	// Closed collects every CloseUser call.
	Closed []string

	// Failure injection, keyed by op name ("CreateProducer", ...).
	Fail map[string]error

	nextID int
}

func New() *Engine {
	return &Engine{
		transports: make(map[string]engine.TransportInfo),
		producers:  make(map[string][]string),
		consumers:  make(map[string][]*Consumer),
		connected:  make(map[string]engine.ClientTransport),
		Fail:       make(map[string]error),
	}
}

func (m *Engine) fresh(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *Engine) CreateTransport(_ context.Context, userID string) (engine.TransportInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Fail["CreateTransport"]; err != nil {
		return engine.TransportInfo{}, err
	}
	if info, ok := m.transports[userID]; ok {
		return info, nil
	}

	info := engine.TransportInfo{
		ID: m.fresh("transport"),
		ICEParameters: engine.ICEParameters{
			UsernameFragment: "ufrag-" + userID,
			Password:         "pwd-" + userID,
		},
		ICECandidates: []engine.ICECandidate{
			{Candidate: "candidate:1 1 udp 2130706431 198.51.100.7 40000 typ host", SdpMid: "0"},
		},
		DTLSParameters: engine.DTLSParameters{
			FingerprintAlgorithm: "sha-256",
			FingerprintValue:     "00:11:22",
			Setup:                "actpass",
		},
	}
	m.transports[userID] = info
	return info, nil
}

func (m *Engine) ConnectTransport(_ context.Context, userID string, remote engine.ClientTransport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Fail["ConnectTransport"]; err != nil {
		return err
	}
	m.connected[userID] = remote
	return nil
}

// Connected reports whether ConnectTransport was called for the user.
func (m *Engine) Connected(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.connected[userID]
	return ok
}

func (m *Engine) CreateProducer(_ context.Context, userID, transportID string, _ engine.RTPParameters) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Fail["CreateProducer"]; err != nil {
		return "", err
	}
	producerID := m.fresh("producer")
	m.producers[userID] = append(m.producers[userID], producerID)
	return producerID, nil
}

func (m *Engine) CreateConsumer(_ context.Context, receiverUserID, producerID string, _ engine.RTPCapabilities) (engine.Consumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Fail["CreateConsumer"]; err != nil {
		return nil, err
	}
	consumer := &Consumer{
		mock:       m,
		id:         m.fresh("consumer"),
		producerID: producerID,
		userID:     receiverUserID,
	}
	m.consumers[receiverUserID] = append(m.consumers[receiverUserID], consumer)
	return consumer, nil
}

func (m *Engine) ConsumersForUser(userID string) []engine.Consumer {
	m.mu.Lock()
	defer m.mu.Unlock()

	consumers := make([]engine.Consumer, 0, len(m.consumers[userID]))
	for _, c := range m.consumers[userID] {
		consumers = append(consumers, c)
	}
	return consumers
}

func (m *Engine) ProducersForUser(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	producers := make([]string, len(m.producers[userID]))
	copy(producers, m.producers[userID])
	return producers
}

func (m *Engine) CloseUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Closed = append(m.Closed, userID)
	delete(m.transports, userID)
	delete(m.producers, userID)
	delete(m.consumers, userID)
	delete(m.connected, userID)
}

// AddConsumer seeds a consumer without going through CreateConsumer.
func (m *Engine) AddConsumer(receiverUserID, producerID string) *Consumer {
	m.mu.Lock()
	defer m.mu.Unlock()

	consumer := &Consumer{
		mock:       m,
		id:         m.fresh("consumer"),
		producerID: producerID,
		userID:     receiverUserID,
	}
	m.consumers[receiverUserID] = append(m.consumers[receiverUserID], consumer)
	return consumer
}
