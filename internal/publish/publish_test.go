package publish

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/solarwatt/core/internal/aggregator"
	"github.com/solarwatt/core/internal/config"
	"github.com/solarwatt/core/internal/plugin"
	"github.com/solarwatt/core/internal/stdkeys"
	"github.com/stretchr/testify/require"
)

func TestSubscribe_CoalescesIntoLatestVersion(t *testing.T) {
	in := make(chan plugin.Reading, 16)
	status := make(chan aggregator.StatusUpdate, 16)
	agg := aggregator.New(in, status, config.FilterConfig{}, config.InverterSystem{}, time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	pub := New(agg, 10*time.Millisecond)
	sub := pub.Subscribe(ctx, nil)

	for i := 0; i < 5; i++ {
		in <- plugin.Reading{InstanceID: "inv-1", Values: map[stdkeys.Key]stdkeys.Value{
			stdkeys.InternalTemperatureC: stdkeys.Num(float64(i)),
		}}
	}

	var snap aggregator.Snapshot
	require.Eventually(t, func() bool {
		select {
		case snap = <-sub:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.Greater(t, snap.Version, uint64(0))
}

func TestSubscribe_AppliesKeyFilter(t *testing.T) {
	in := make(chan plugin.Reading, 16)
	status := make(chan aggregator.StatusUpdate, 16)
	agg := aggregator.New(in, status, config.FilterConfig{}, config.InverterSystem{}, time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	pub := New(agg, 10*time.Millisecond)
	sub := pub.Subscribe(ctx, func(k stdkeys.Key) bool { return k == stdkeys.InternalTemperatureC })

	in <- plugin.Reading{InstanceID: "inv-1", Values: map[stdkeys.Key]stdkeys.Value{
		stdkeys.InternalTemperatureC:      stdkeys.Num(42),
		stdkeys.GridTotalActivePowerWatts: stdkeys.Num(500),
	}}

	var snap aggregator.Snapshot
	require.Eventually(t, func() bool {
		select {
		case snap = <-sub:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	_, hasTemp := snap.Values[stdkeys.InternalTemperatureC]
	_, hasGrid := snap.Values[stdkeys.GridTotalActivePowerWatts]
	require.True(t, hasTemp)
	require.False(t, hasGrid)
}

func TestToJSON_IncludesSchemaFields(t *testing.T) {
	snap := aggregator.Snapshot{
		Values: map[stdkeys.Key]stdkeys.Value{
			stdkeys.InternalTemperatureC: stdkeys.Num(31.5),
		},
		PluginStatus: map[string]aggregator.PluginStatus{
			"inv-1": {State: aggregator.ConnConnected},
		},
		Version:         7,
		ServerTimestamp: time.Unix(1700000000, 0).UTC(),
	}

	raw, err := ToJSON(snap)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, 31.5, doc["internal_temperature_c"])
	require.EqualValues(t, 7, doc["snapshot_version"])
	status := doc["plugin_connection_status"].(map[string]any)
	require.Equal(t, "connected", status["inv-1"])
}
