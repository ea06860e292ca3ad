package metrics

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/solarwatt/core/internal/aggregator"
	"github.com/solarwatt/core/internal/config"
	"github.com/solarwatt/core/internal/plugin"
	"github.com/solarwatt/core/internal/stdkeys"
	"github.com/stretchr/testify/require"
)

func TestSync_ExposesConnectedGaugeAndVersion(t *testing.T) {
	in := make(chan plugin.Reading, 4)
	status := make(chan aggregator.StatusUpdate, 4)
	agg := aggregator.New(in, status, config.FilterConfig{}, config.InverterSystem{}, time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	status <- aggregator.StatusUpdate{InstanceID: "inv-1", State: aggregator.ConnConnected}
	require.Eventually(t, func() bool {
		_, ok := agg.Snapshot().PluginStatus["inv-1"]
		return ok
	}, time.Second, 5*time.Millisecond)

	reg := NewRegistry("solarcore_test")
	reg.Sync(agg, []stdkeys.Key{stdkeys.EnergyPVDailyKWh})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	reg.Handler().ServeHTTP(rec, req)
	require.Contains(t, rec.Body.String(), "solarcore_test_plugin_connected")
	require.Contains(t, rec.Body.String(), "solarcore_test_snapshot_version")
}
