package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sluice-rtc/sluice/pkg/ack"
	"github.com/sluice-rtc/sluice/pkg/conference"
	"github.com/sluice-rtc/sluice/pkg/engine/enginetest"
	"github.com/sluice-rtc/sluice/pkg/forward"
	"github.com/sluice-rtc/sluice/pkg/metrics"
	"github.com/sluice-rtc/sluice/pkg/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hubEnv struct {
	hub        *Hub
	registry   *conference.Registry
	mock       *enginetest.Engine
	collector  *rtcp.Collector
	aggregator *ack.Aggregator
	server     *httptest.Server
}

func newHubEnv(t *testing.T) *hubEnv {
	t.Helper()

	registry := conference.NewRegistry()
	mock := enginetest.New()
	forwarder := forward.NewForwarder(registry, mock)
	collector := rtcp.NewCollector(registry)
	aggregator := ack.NewAggregator(registry, nil)
	collectorMetrics := metrics.NewCollector(prometheus.NewRegistry(), registry)

	hub := NewHub(registry, mock, forwarder, collector, aggregator, collectorMetrics, Options{})
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	return &hubEnv{
		hub:        hub,
		registry:   registry,
		mock:       mock,
		collector:  collector,
		aggregator: aggregator,
		server:     server,
	}
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (env *hubEnv) dial(t *testing.T) *testClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(env.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(frame map[string]any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(frame))
}

func (c *testClient) read() ServerMessage {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)

	var msg ServerMessage
	require.NoError(c.t, json.Unmarshal(data, &msg))
	return msg
}

// readType skips frames until one of the wanted type arrives.
func (c *testClient) readType(wanted string) ServerMessage {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		msg := c.read()
		if msg.Type == wanted {
			return msg
		}
	}
	c.t.Fatalf("no %q frame received", wanted)
	return ServerMessage{}
}

func (c *testClient) join(meetingID, userID, displayName string) ServerMessage {
	c.t.Helper()
	c.send(map[string]any{
		"type": TypeJoin, "meetingId": meetingID,
		"userId": userID, "displayName": displayName,
	})
	return c.readType(TypeJoined)
}

func TestJoinReturnsRoster(t *testing.T) {
	env := newHubEnv(t)
	client := env.dial(t)

	joined := client.join("m1", "u1", "Alice")
	assert.True(t, joined.Success)
	assert.Equal(t, "m1", joined.MeetingID)
	assert.Equal(t, "HIGH", joined.Tier)
	require.Len(t, joined.Participants, 1)
	assert.Equal(t, "u1", joined.Participants[0].UserID)
	assert.Equal(t, "Alice", joined.Participants[0].DisplayName)

	require.NotNil(t, env.registry.GetUserSession("m1", "u1"))
}

func TestSecondJoinNotifiesFirst(t *testing.T) {
	env := newHubEnv(t)

	alice := env.dial(t)
	alice.join("m1", "u1", "Alice")

	bob := env.dial(t)
	joined := bob.join("m1", "u2", "Bob")
	assert.Len(t, joined.Participants, 2)

	notice := alice.readType(TypeUserJoined)
	assert.Equal(t, "u2", notice.UserID)
	assert.Equal(t, "m1", notice.MeetingID)
}

func TestMalformedFrameGetsBadRequest(t *testing.T) {
	env := newHubEnv(t)
	client := env.dial(t)

	require.NoError(t, client.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)))
	errFrame := client.readType(TypeError)
	assert.Equal(t, CodeBadRequest, errFrame.Code)
}

func TestOfferBeforeJoinIsForbidden(t *testing.T) {
	env := newHubEnv(t)
	client := env.dial(t)

	client.send(map[string]any{"type": TypeOffer, "meetingId": "m1", "sdp": opusOffer()})
	errFrame := client.readType(TypeError)
	assert.Equal(t, CodeForbidden, errFrame.Code)
}

func TestOfferGetsAnswer(t *testing.T) {
	env := newHubEnv(t)
	client := env.dial(t)
	client.join("m1", "u1", "Alice")

	client.send(map[string]any{"type": TypeOffer, "meetingId": "m1", "sdp": opusOffer()})
	answer := client.readType(TypeAnswer)
	assert.Contains(t, answer.Sdp, "a=ice-ufrag:ufrag-u1")
	assert.Contains(t, answer.Sdp, "a=rtpmap:111 opus/48000/2")

	// ConnectTransport and the producer come up on the negotiation goroutine.
	assert.Eventually(t, func() bool { return env.mock.Connected("u1") },
		time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(env.mock.ProducersForUser("u1")) == 1 },
		time.Second, 10*time.Millisecond)
}

func TestNegotiationWiresConsumersBothWays(t *testing.T) {
	env := newHubEnv(t)

	alice := env.dial(t)
	alice.join("m1", "u1", "Alice")
	alice.send(map[string]any{"type": TypeOffer, "meetingId": "m1", "sdp": opusOffer()})
	alice.readType(TypeAnswer)
	assert.Eventually(t, func() bool { return len(env.mock.ProducersForUser("u1")) == 1 },
		time.Second, 10*time.Millisecond)

	bob := env.dial(t)
	bob.join("m1", "u2", "Bob")
	bob.send(map[string]any{"type": TypeOffer, "meetingId": "m1", "sdp": opusOffer()})
	bob.readType(TypeAnswer)

	// Bob consumes Alice's producer, Alice consumes Bob's.
	assert.Eventually(t, func() bool { return len(env.mock.ConsumersForUser("u2")) == 1 },
		time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(env.mock.ConsumersForUser("u1")) == 1 },
		time.Second, 10*time.Millisecond)
}

func TestLeaveNotifiesPeersAndClosesEngineState(t *testing.T) {
	env := newHubEnv(t)

	alice := env.dial(t)
	alice.join("m1", "u1", "Alice")
	bob := env.dial(t)
	bob.join("m1", "u2", "Bob")
	alice.readType(TypeUserJoined)

	bob.send(map[string]any{"type": TypeLeave, "meetingId": "m1", "userId": "u2"})

	left := alice.readType(TypeUserLeft)
	assert.Equal(t, "u2", left.UserID)

	assert.Eventually(t, func() bool {
		return env.registry.GetUserSession("m1", "u2") == nil
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, env.mock.Closed, "u2")
}

func TestRtcpReportFeedsCollector(t *testing.T) {
	env := newHubEnv(t)
	client := env.dial(t)
	client.join("m1", "u1", "Alice")

	client.send(map[string]any{
		"type": TypeRtcpReport, "userId": "u1",
		"lossPct": 0.03, "jitterMs": 12.5, "rttMs": 80.0,
		"timestamp": 1_700_000_000_000,
	})

	assert.Eventually(t, func() bool {
		window := env.collector.WindowFor("u1")
		return len(window) == 1 && window[0].LossPct == 0.03
	}, time.Second, 10*time.Millisecond)
}

func TestFingerprintRoundTripFillsAckWindow(t *testing.T) {
	env := newHubEnv(t)

	alice := env.dial(t)
	alice.join("m1", "u1", "Alice")
	bob := env.dial(t)
	bob.join("m1", "u2", "Bob")

	alice.send(map[string]any{
		"type": TypeFrameFingerprint, "frameId": "f1", "crc32": "aabbccdd",
		"senderUserId": "u1", "timestamp": 1_700_000_000_000,
	})
	bob.send(map[string]any{
		"type": TypeFrameFingerprint, "frameId": "f1", "crc32": "aabbccdd",
		"receiverUserId": "u2", "timestamp": 1_700_000_000_001,
	})

	assert.Eventually(t, func() bool {
		summary := env.aggregator.SummaryForSpeaker("m1", "u1")
		return len(summary.AckedUsers) == 1 && summary.AckedUsers[0] == "u2"
	}, time.Second, 10*time.Millisecond)
}

func TestPushSummariesReachesSpeaker(t *testing.T) {
	env := newHubEnv(t)

	alice := env.dial(t)
	alice.join("m1", "u1", "Alice")
	bob := env.dial(t)
	bob.join("m1", "u2", "Bob")
	alice.readType(TypeUserJoined)

	alice.send(map[string]any{
		"type": TypeFrameFingerprint, "frameId": "f1", "crc32": "aabbccdd",
		"senderUserId": "u1", "timestamp": 1_700_000_000_000,
	})
	bob.send(map[string]any{
		"type": TypeFrameFingerprint, "frameId": "f1", "crc32": "ffffffff",
		"receiverUserId": "u2", "timestamp": 1_700_000_000_001,
	})
	assert.Eventually(t, func() bool {
		return len(env.aggregator.SummaryForSpeaker("m1", "u1").MissingUsers) == 1
	}, time.Second, 10*time.Millisecond)

	env.hub.PushSummaries()

	summary := alice.readType(TypeAckSummary)
	assert.Equal(t, "m1", summary.MeetingID)
	assert.Equal(t, "u1", summary.UserID)
	assert.Empty(t, summary.AckedUsers)
	assert.Equal(t, []string{"u2"}, summary.MissingUsers)
}

func TestSilentReceiverReportedMissingAtTick(t *testing.T) {
	env := newHubEnv(t)

	alice := env.dial(t)
	alice.join("m1", "u1", "Alice")
	bob := env.dial(t)
	bob.join("m1", "u2", "Bob")
	alice.readType(TypeUserJoined)

	// Alice announces a frame; Bob never reports decoding it.
	alice.send(map[string]any{
		"type": TypeFrameFingerprint, "frameId": "f3", "crc32": "aabbccdd",
		"senderUserId": "u1", "timestamp": 1_700_000_000_000,
	})
	assert.Eventually(t, func() bool {
		session := env.registry.GetUserSession("m1", "u1")
		return session != nil && session.LastCrc32 == "aabbccdd"
	}, time.Second, 10*time.Millisecond)

	env.hub.PushSummaries()

	summary := alice.readType(TypeAckSummary)
	assert.Equal(t, "u1", summary.UserID)
	assert.Empty(t, summary.AckedUsers)
	assert.Equal(t, []string{"u2"}, summary.MissingUsers)
}

func TestRtcpReportForAnotherUserIsForbidden(t *testing.T) {
	env := newHubEnv(t)
	client := env.dial(t)
	client.join("m1", "u1", "Alice")

	client.send(map[string]any{
		"type": TypeRtcpReport, "userId": "u2",
		"lossPct": 0.9, "jitterMs": 12.5, "rttMs": 80.0,
		"timestamp": 1_700_000_000_000,
	})

	errFrame := client.readType(TypeError)
	assert.Equal(t, CodeForbidden, errFrame.Code)
	assert.Empty(t, env.collector.WindowFor("u2"))
}

func TestNotifyTierChangeBroadcasts(t *testing.T) {
	env := newHubEnv(t)

	alice := env.dial(t)
	alice.join("m1", "u1", "Alice")
	bob := env.dial(t)
	bob.join("m1", "u2", "Bob")
	alice.readType(TypeUserJoined)

	env.hub.NotifyTierChange("m1", conference.TierLow)

	assert.Equal(t, "LOW", alice.readType(TypeTierChange).Tier)
	assert.Equal(t, "LOW", bob.readType(TypeTierChange).Tier)
}

func TestAuthenticatorRejectsUpgrade(t *testing.T) {
	registry := conference.NewRegistry()
	mock := enginetest.New()
	hub := NewHub(registry, mock, forward.NewForwarder(registry, mock),
		rtcp.NewCollector(registry), ack.NewAggregator(registry, nil),
		metrics.NewCollector(prometheus.NewRegistry(), registry),
		Options{Authenticator: func(r *http.Request) (string, bool) { return "", false }})

	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}
