package handler

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agile-defense/firegrid/pkg/messages"
	"github.com/agile-defense/firegrid/pkg/pipeline"
)

func TestHubShutdownReleasesGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewWebSocketHub(nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	hub.Broadcast(WebSocketMessage{Type: MessageTypeDecisionNew})
	require.NoError(t, hub.Record(ctx, &pipeline.Assessment{CorrelationID: "c-1"}))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	assert.Equal(t, 0, hub.ClientCount())
}

func TestBusMessageLiftsCorrelationID(t *testing.T) {
	d := &messages.FireDecision{Envelope: messages.NewEnvelope("fusion-1", "fusion").WithCorrelation("chain-9", "cause-1")}
	data, err := messages.MarshalWithSignature(d, []byte("k"))
	require.NoError(t, err)

	msg := busMessage(MessageTypeDecisionNew, data)
	assert.Equal(t, MessageTypeDecisionNew, msg.Type)
	assert.Equal(t, "chain-9", msg.CorrelationID)
	assert.JSONEq(t, string(data), string(msg.Payload))

	raw := busMessage(MessageTypeError, []byte("not json"))
	assert.Empty(t, raw.CorrelationID)
}

func TestClientSubscriptions(t *testing.T) {
	c := &WebSocketClient{subscribed: map[string]bool{}}
	assert.True(t, c.isSubscribed(MessageTypeDecisionNew), "no subscriptions receives everything")

	c.subscribed[MessageTypeResponseReleased] = true
	assert.True(t, c.isSubscribed(MessageTypeResponseReleased))
	assert.False(t, c.isSubscribed(MessageTypeDecisionNew))
}

func TestWebSocketStreamsAssessments(t *testing.T) {
	hub := NewWebSocketHub(nil, zerolog.Nop())
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	srv := httptest.NewServer(NewWebSocketHandler(hub, nil, zerolog.Nop()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Record(ctx, &pipeline.Assessment{
		CorrelationID: "chain-1",
		Trace:         messages.DecisionTrace{Decision: messages.DecisionCritical},
	}))

	var got WebSocketMessage
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, MessageTypeAssessmentComplete, got.Type)
	assert.Equal(t, "chain-1", got.CorrelationID)
	assert.Contains(t, string(got.Payload), `"CRITICAL_FIRE"`)
}
