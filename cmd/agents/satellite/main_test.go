package main

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/firegrid/pkg/agent"
	"github.com/agile-defense/firegrid/pkg/config"
	"github.com/agile-defense/firegrid/pkg/messages"
	"github.com/agile-defense/firegrid/pkg/satellite"
	"github.com/agile-defense/firegrid/pkg/store"
)

var secret = []byte("satellite-test-secret")

type fakeMsg struct {
	jetstream.Msg
	data []byte
}

func (m *fakeMsg) Data() []byte { return m.data }

type fakeObservations struct {
	hotspots []messages.Hotspot
	counters map[string]int64
	err      error
}

func (f *fakeObservations) RecordObservation(_ context.Context, h messages.Hotspot) error {
	if f.err != nil {
		return f.err
	}
	f.hotspots = append(f.hotspots, h)
	return nil
}

func (f *fakeObservations) IncrementCounter(_ context.Context, name string, n int64) (int64, error) {
	if f.counters == nil {
		f.counters = map[string]int64{}
	}
	f.counters[name] += n
	return f.counters[name], nil
}

func newTestAgent(t *testing.T, obs ObservationStore) (*SatelliteAgent, *[]messages.Message) {
	t.Helper()
	a, err := NewSatelliteAgent(
		agent.Config{ID: "satellite-test", Type: agent.AgentTypeSatellite, Secret: secret, LogLevel: "error"},
		config.DefaultConfig().Pipeline,
		satellite.StaticBaseline(300),
		obs,
	)
	require.NoError(t, err)

	published := &[]messages.Message{}
	a.publish = func(_ context.Context, msg messages.Message) error {
		*published = append(*published, msg)
		return nil
	}
	return a, published
}

func signed(t *testing.T, msg messages.Message, key []byte) *fakeMsg {
	t.Helper()
	data, err := messages.MarshalWithSignature(msg, key)
	require.NoError(t, err)
	return &fakeMsg{data: data}
}

func TestHandleHotspotDispatchesMission(t *testing.T) {
	obs := &fakeObservations{}
	a, published := newTestAgent(t, obs)

	ev := messages.NewHotspotEvent("gateway-1", "firms", messages.NewHotspot(38.5, -121.4, 345))
	ev.Wind = &messages.Wind{SpeedKmh: 25, BearingDeg: 180}
	ev.SnifferSteps = 6

	require.NoError(t, a.handleHotspot(context.Background(), signed(t, ev, secret)))
	require.Len(t, *published, 1)

	dispatch, ok := (*published)[0].(*messages.MissionDispatch)
	require.True(t, ok)
	assert.True(t, dispatch.Verification.Verified)
	assert.Equal(t, 300.0, dispatch.Verification.HistoricBaseline)
	assert.Equal(t, ev.Envelope.MessageID, dispatch.Envelope.CorrelationID)
	assert.Equal(t, ev.Envelope.MessageID, dispatch.Envelope.CausationID)
	assert.Equal(t, ev.Wind, dispatch.Wind)
	assert.Equal(t, 6, dispatch.SnifferSteps)
	assert.False(t, dispatch.LocationUnknown)
	assert.NotEmpty(t, dispatch.Mission.MissionID)

	require.Len(t, obs.hotspots, 1)
	assert.Equal(t, int64(1), obs.counters[store.CounterObservations])
	assert.Equal(t, 1.0, testutil.ToFloat64(a.missions.WithLabelValues(string(dispatch.Mission.SensitivityLevel))))
}

func TestHandleHotspotMissingDataStillDispatches(t *testing.T) {
	obs := &fakeObservations{}
	a, published := newTestAgent(t, obs)

	ev := messages.NewHotspotEvent("gateway-1", "api", messages.Hotspot{})
	require.NoError(t, a.handleHotspot(context.Background(), signed(t, ev, secret)))

	require.Len(t, *published, 1)
	dispatch := (*published)[0].(*messages.MissionDispatch)
	assert.False(t, dispatch.Verification.Verified)
	assert.Zero(t, dispatch.Verification.Confidence)
	assert.True(t, dispatch.LocationUnknown)
	assert.Empty(t, obs.hotspots, "incomplete hotspots are not recorded")
}

func TestHandleHotspotObservationFailureIsNotFatal(t *testing.T) {
	a, published := newTestAgent(t, &fakeObservations{err: errors.New("db down")})

	ev := messages.NewHotspotEvent("gateway-1", "api", messages.NewHotspot(1, 1, 290))
	require.NoError(t, a.handleHotspot(context.Background(), signed(t, ev, secret)))
	assert.Len(t, *published, 1)
}

func TestHandleHotspotRejects(t *testing.T) {
	tests := []struct {
		name  string
		msg   func(t *testing.T) *fakeMsg
		undel bool
	}{
		{
			name: "wrong signing key",
			msg: func(t *testing.T) *fakeMsg {
				return signed(t, messages.NewHotspotEvent("x", "api", messages.NewHotspot(1, 1, 300)), []byte("other"))
			},
			undel: true,
		},
		{
			name: "latitude out of range",
			msg: func(t *testing.T) *fakeMsg {
				return signed(t, messages.NewHotspotEvent("x", "api", messages.NewHotspot(95, 1, 300)), secret)
			},
			undel: true,
		},
		{
			name:  "not json",
			msg:   func(t *testing.T) *fakeMsg { return &fakeMsg{data: []byte("{")} },
			undel: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, published := newTestAgent(t, nil)
			err := a.handleHotspot(context.Background(), tt.msg(t))
			require.Error(t, err)
			assert.Equal(t, tt.undel, errors.Is(err, agent.ErrUndeliverable))
			assert.Empty(t, *published)
		})
	}
}

func TestHandleHotspotPublishFailureIsRetried(t *testing.T) {
	a, _ := newTestAgent(t, nil)
	a.publish = func(context.Context, messages.Message) error { return errors.New("nats timeout") }

	ev := messages.NewHotspotEvent("gateway-1", "api", messages.NewHotspot(1, 1, 330))
	err := a.handleHotspot(context.Background(), signed(t, ev, secret))
	require.Error(t, err)
	assert.False(t, errors.Is(err, agent.ErrUndeliverable))
}
