package messages_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/firegrid/pkg/messages"
)

func TestEnvelopeCreation(t *testing.T) {
	tests := []struct {
		name       string
		source     string
		sourceType string
	}{
		{name: "satellite envelope", source: "satellite-001", sourceType: "satellite"},
		{name: "fusion envelope", source: "fusion-001", sourceType: "fusion"},
		{name: "responder envelope", source: "responder-001", sourceType: "responder"},
		{name: "gateway envelope", source: "api-gateway", sourceType: "gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := messages.NewEnvelope(tt.source, tt.sourceType)

			assert.NotEmpty(t, env.MessageID)
			assert.Equal(t, tt.source, env.Source)
			assert.Equal(t, tt.sourceType, env.SourceType)
			assert.False(t, env.Timestamp.IsZero())
			assert.True(t, env.Timestamp.Before(time.Now().Add(time.Second)))
		})
	}
}

func TestEnvelopeCorrelationFallback(t *testing.T) {
	env := messages.NewEnvelope("satellite-001", "satellite")
	assert.Equal(t, env.MessageID, env.Correlation())

	env = env.WithCorrelation("corr-1", "cause-1")
	assert.Equal(t, "corr-1", env.Correlation())
	assert.Equal(t, "cause-1", env.CausationID)
}

func TestEnvelopeSignature(t *testing.T) {
	secret := []byte("test-secret-key-for-hmac")
	payload := []byte(`{"test": "data"}`)

	tests := []struct {
		name        string
		verifyWith  []byte
		verifyData  []byte
		expectValid bool
	}{
		{name: "correct secret", verifyWith: secret, verifyData: payload, expectValid: true},
		{name: "wrong secret", verifyWith: []byte("wrong-secret"), verifyData: payload, expectValid: false},
		{name: "modified payload", verifyWith: secret, verifyData: []byte(`{"test": "modified"}`), expectValid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := messages.NewEnvelope("test-source", "test")
			env.Sign(payload, secret)
			assert.NotEmpty(t, env.Signature)
			assert.Equal(t, tt.expectValid, env.VerifySignature(tt.verifyData, tt.verifyWith))
		})
	}
}

func TestSignedMessageRoundTrip(t *testing.T) {
	secret := []byte("pipeline-secret")
	ev := messages.NewHotspotEvent("api-gateway", "firms", messages.NewHotspot(38.5, -121.4, 345.2))
	ev.Wind = &messages.Wind{SpeedKmh: 20, BearingDeg: 45}

	data, err := messages.MarshalWithSignature(ev, secret)
	require.NoError(t, err)

	var decoded messages.HotspotEvent
	require.NoError(t, messages.UnmarshalVerified(data, &decoded, secret))
	assert.Equal(t, ev.Envelope.MessageID, decoded.Envelope.MessageID)
	assert.NotEmpty(t, decoded.Envelope.Signature)
	require.NotNil(t, decoded.Hotspot.BrightnessK)
	assert.InDelta(t, 345.2, *decoded.Hotspot.BrightnessK, 1e-9)

	t.Run("tampered payload is rejected", func(t *testing.T) {
		var raw map[string]any
		require.NoError(t, json.Unmarshal(data, &raw))
		raw["feed"] = "forged"
		forged, err := json.Marshal(raw)
		require.NoError(t, err)

		var out messages.HotspotEvent
		err = messages.UnmarshalVerified(forged, &out, secret)
		assert.True(t, errors.Is(err, messages.ErrBadSignature))
	})

	t.Run("empty secret skips verification", func(t *testing.T) {
		var out messages.HotspotEvent
		assert.NoError(t, messages.UnmarshalVerified(data, &out, nil))
	})
}

func TestMessageSubjects(t *testing.T) {
	hotspot := messages.NewHotspotEvent("gw", "FIRMS", messages.NewHotspot(1, 2, 330))
	assert.Equal(t, "hotspot.ingest.firms", hotspot.Subject())

	mission := messages.NewMissionDispatch(hotspot, "satellite-001",
		messages.SatelliteVerification{Verified: true, Latitude: 1, Longitude: 2},
		messages.DroneMissionConfig{SensitivityLevel: messages.SensitivityHigh})
	assert.Equal(t, "mission.dispatch.high", mission.Subject())
	assert.Equal(t, hotspot.Envelope.MessageID, mission.Envelope.CorrelationID)
	assert.Equal(t, hotspot.Envelope.MessageID, mission.Envelope.CausationID)

	decision := messages.NewFireDecision(mission, "fusion-001", messages.SensorSweep{},
		messages.DecisionTrace{Decision: messages.DecisionSmoke})
	assert.Equal(t, "decision.smoke_without_flame", decision.Subject())
	assert.Equal(t, hotspot.Envelope.MessageID, decision.Envelope.CorrelationID)
	assert.Equal(t, mission.Envelope.MessageID, decision.Envelope.CausationID)
	assert.Equal(t, messages.Position{Lat: 1, Lon: 2}, decision.Location)

	plan := &messages.ResponsePlan{Decision: messages.DecisionCritical, Released: true}
	assert.Equal(t, "response.released.critical_fire", plan.Subject())
	plan.Released = false
	assert.Equal(t, "response.held.critical_fire", plan.Subject())

	vision := &messages.VisionEvent{Camera: "drone.7 cam"}
	assert.Equal(t, "vision.event.drone_7_cam", vision.Subject())
	assert.Equal(t, "vision.event.unknown", (&messages.VisionEvent{}).Subject())
}

func TestHotspotComplete(t *testing.T) {
	lat, lon, nan := 10.0, 20.0, math.NaN()

	tests := []struct {
		name     string
		hotspot  messages.Hotspot
		expected bool
	}{
		{name: "all present", hotspot: messages.NewHotspot(10, 20, 330), expected: true},
		{name: "zero coordinates are present", hotspot: messages.NewHotspot(0, 0, 330), expected: true},
		{name: "missing brightness", hotspot: messages.Hotspot{Latitude: &lat, Longitude: &lon}, expected: false},
		{name: "NaN brightness", hotspot: messages.Hotspot{Latitude: &lat, Longitude: &lon, BrightnessK: &nan}, expected: false},
		{name: "empty", hotspot: messages.Hotspot{}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.hotspot.Complete())
		})
	}
}

func TestDecisionEscalation(t *testing.T) {
	assert.False(t, messages.DecisionSafe.Escalated())
	assert.True(t, messages.DecisionSmoke.Escalated())
	assert.True(t, messages.DecisionCritical.Escalated())
	assert.Greater(t, messages.DecisionCritical.Rank(), messages.DecisionSmoke.Rank())

	assert.True(t, messages.DecisionSmoke.Valid())
	assert.False(t, messages.Decision("FIRE").Valid())
	assert.False(t, messages.Decision("").Valid())
}

func TestValidation(t *testing.T) {
	assert.NoError(t, messages.ValidateConfidence("c", 0))
	assert.NoError(t, messages.ValidateConfidence("c", 1))
	assert.Error(t, messages.ValidateConfidence("c", 1.01))
	assert.Error(t, messages.ValidateConfidence("c", math.NaN()))

	assert.NoError(t, messages.ValidatePosition("p", messages.Position{Lat: -90, Lon: 180}))
	assert.Error(t, messages.ValidatePosition("p", messages.Position{Lat: 91}))

	bad := -5.0
	err := messages.ValidateHotspot(messages.Hotspot{BrightnessK: &bad})
	var verr *messages.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "brightness", verr.Field)
	assert.NoError(t, messages.ValidateHotspot(messages.Hotspot{}))

	assert.Error(t, messages.ValidateWind(messages.Wind{SpeedKmh: -1}))
	assert.NoError(t, messages.ValidateWind(messages.Wind{SpeedKmh: 0, BearingDeg: 370}))

	assert.Error(t, messages.ValidateVisionEvent(&messages.VisionEvent{Confidence: 0.5, PersonCount: -1}))
	assert.NoError(t, messages.ValidateVisionEvent(&messages.VisionEvent{Confidence: 0.5}))
}

func TestChainCarriesStepsAndLocationKnowledge(t *testing.T) {
	lat := 38.5
	tests := []struct {
		name    string
		hotspot messages.Hotspot
		unknown bool
	}{
		{name: "complete", hotspot: messages.NewHotspot(38.5, -121.4, 330)},
		{name: "brightness only missing", hotspot: messages.Hotspot{Latitude: &lat, Longitude: &lat}},
		{name: "longitude missing", hotspot: messages.Hotspot{Latitude: &lat}, unknown: true},
		{name: "nothing", hotspot: messages.Hotspot{}, unknown: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := messages.NewHotspotEvent("gw", "api", tt.hotspot)
			ev.SnifferSteps = 12

			mission := messages.NewMissionDispatch(ev, "satellite-001", messages.SatelliteVerification{}, messages.DroneMissionConfig{})
			decision := messages.NewFireDecision(mission, "fusion-001", messages.SensorSweep{}, messages.DecisionTrace{})

			assert.Equal(t, !tt.unknown, tt.hotspot.Located())
			assert.Equal(t, tt.unknown, mission.LocationUnknown)
			assert.Equal(t, tt.unknown, decision.LocationUnknown)
			assert.Equal(t, 12, mission.SnifferSteps)
			assert.Equal(t, 12, decision.SnifferSteps)
		})
	}
}
