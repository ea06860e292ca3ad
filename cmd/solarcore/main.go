// Command solarcore runs the supervised solar-monitoring pipeline:
// plugin workers feed the aggregator, the supervisor watches them, and
// the publish/persistence/metrics sinks fan the resulting snapshots
// out. Subcommand dispatch follows the teacher's own agent/help
// switch on os.Args[1].
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/solarwatt/core/internal/aggregator"
	"github.com/solarwatt/core/internal/config"
	"github.com/solarwatt/core/internal/metrics"
	"github.com/solarwatt/core/internal/persistence"
	"github.com/solarwatt/core/internal/plugin"
	"github.com/solarwatt/core/internal/publish"
	"github.com/solarwatt/core/internal/stdkeys"
	"github.com/solarwatt/core/internal/supervisor"

	_ "github.com/solarwatt/core/internal/plugin/deye"
	_ "github.com/solarwatt/core/internal/plugin/huawei"
	_ "github.com/solarwatt/core/internal/plugin/powmrbms"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runCommand(os.Args[2:]))
	case "check-config":
		os.Exit(checkConfigCommand(os.Args[2:]))
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  solarcore run -config <path>           run the supervised pipeline")
	fmt.Println("  solarcore check-config -config <path>  validate a config file and exit")
	fmt.Println("  solarcore help                          show this message")
}

func checkConfigCommand(args []string) int {
	fs := flag.NewFlagSet("check-config", flag.ContinueOnError)
	path := fs.String("config", "solarcore.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}
	fmt.Printf("config OK: %d plugin instance(s), local_timezone=%s\n", len(cfg.Instances), cfg.General.LocalTimezone)
	return 0
}

// runCommand wires the full pipeline and blocks until a shutdown
// signal or a supervisor escalation. Exit codes follow §6: 0 clean
// shutdown, 1 fatal config error, 2 supervisor escalation, 3
// unrecoverable transport/protocol error at startup.
func runCommand(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	path := fs.String("config", "solarcore.yaml", "path to config file")
	metricsAddr := fs.String("metrics-addr", ":9273", "address to serve /metrics on")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*path)
	if err != nil {
		slog.Error("fatal config error", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	exit := func(code int) {
		exitCode = code
		stop()
	}

	readings := make(chan plugin.Reading, 64)
	statusUpdates := make(chan aggregator.StatusUpdate, 16)

	agg := aggregator.New(readings, statusUpdates, cfg.Filter, cfg.InverterSystem, cfg.General.Location)
	go agg.Run(ctx)

	sup, err := supervisor.New(cfg.Supervisor, agg, readings, statusUpdates, exit)
	if err != nil {
		slog.Error("fatal supervisor setup error", "err", err)
		return 1
	}

	for _, inst := range cfg.Instances {
		inst := inst
		workerCfg := plugin.WorkerConfig{
			PollInterval:           cfg.General.PollInterval,
			ConnectTimeout:         inst.ModbusTimeout,
			MaxReconnectAttempts:   cfg.General.MaxReconnectAttempts,
			MaxReadRetriesPerGroup: inst.MaxReadRetriesPerGroup,
			InterReadDelay:         inst.InterReadDelay,
			MaxWaitingPolls:        12,
		}
		sup.Manage(ctx, &supervisor.ManagedWorker{
			InstanceID: inst.Name,
			Cfg:        workerCfg,
			NewDevice:  func() (plugin.Device, error) { return plugin.New(inst.PluginType, inst.Name, pluginExtra(inst)) },
		})
	}

	if err := sup.Start(ctx); err != nil {
		slog.Error("fatal supervisor start error", "err", err)
		return 1
	}

	store, err := persistence.Open(cfg.Persistence.DatabasePath)
	if err != nil {
		slog.Error("unrecoverable persistence startup error", "err", err)
		return 3
	}
	defer store.Close()

	mqttSink, err := publish.DialMQTT(cfg.MQTT)
	if err != nil {
		slog.Error("unrecoverable mqtt startup error", "err", err)
		return 3
	}
	defer mqttSink.Disconnect()

	pub := publish.New(agg, 2*time.Second)
	go mqttSink.Run(ctx, pub.Subscribe(ctx, nil))

	energyKeys := energyDailyKeyList()
	reg := metrics.NewRegistry("solarcore")
	go reg.RunSyncLoop(agg, energyKeys, 5*time.Second, ctx.Done())

	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: reg.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "err", err)
		}
	}()

	go runPersistenceLoop(ctx, store, agg, cfg.Persistence)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = sup.Shutdown()

	return exitCode
}

// runPersistenceLoop periodically snapshots SystemState into the
// power-history table and rolls up the energy_*_daily_kwh keys into
// daily_summary, mirroring the teacher's own ticker-driven publish
// goroutine but against the store instead of MQTT.
func runPersistenceLoop(ctx context.Context, store *persistence.Store, agg *aggregator.Aggregator, cfg config.Persistence) {
	snapshotTicker := time.NewTicker(cfg.SnapshotInterval)
	defer snapshotTicker.Stop()
	rollupTicker := time.NewTicker(time.Hour)
	defer rollupTicker.Stop()
	sweepTicker := time.NewTicker(6 * time.Hour)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-snapshotTicker.C:
			snap := agg.Snapshot()
			ps := persistence.PowerSnapshot{
				TS:          snap.ServerTimestamp.Unix(),
				SOC:         floatValue(snap, stdkeys.BatteryStateOfChargePercent),
				PVWatts:     floatValue(snap, stdkeys.PVTotalDCPowerWatts),
				BattWatts:   floatValue(snap, stdkeys.BatteryPowerWatts),
				LoadWatts:   floatValue(snap, stdkeys.LoadTotalPowerWatts),
				GridWSigned: floatValue(snap, stdkeys.GridTotalActivePowerWatts),
			}
			if err := store.WritePowerSnapshot(ps); err != nil {
				slog.Warn("persistence: power snapshot write failed", "err", err)
			}
		case <-rollupTicker.C:
			snap := agg.Snapshot()
			d := persistence.DailySummary{
				Date:                snap.ServerTimestamp.Format("2006-01-02"),
				PVYieldKWh:          floatValue(snap, stdkeys.EnergyPVDailyKWh),
				LoadEnergyKWh:       floatValue(snap, stdkeys.EnergyLoadDailyKWh),
				BatteryChargeKWh:    floatValue(snap, stdkeys.EnergyBatteryChargeDailyKWh),
				BatteryDischargeKWh: floatValue(snap, stdkeys.EnergyBatteryDischargeDaily),
				GridImportKWh:       floatValue(snap, stdkeys.EnergyGridImportDailyKWh),
				GridExportKWh:       floatValue(snap, stdkeys.EnergyGridExportDailyKWh),
			}
			if err := store.UpsertDailySummary(d); err != nil {
				slog.Warn("persistence: daily summary upsert failed", "err", err)
			}
		case <-sweepTicker.C:
			maxAge := time.Duration(cfg.HistoryMaxAgeHours) * time.Hour
			if n, err := store.SweepRetention(maxAge); err != nil {
				slog.Warn("persistence: retention sweep failed", "err", err)
			} else if n > 0 {
				slog.Info("persistence: retention sweep removed old rows", "count", n)
			}
		}
	}
}

func floatValue(snap aggregator.Snapshot, key stdkeys.Key) float64 {
	v, ok := snap.Values[key]
	if !ok {
		return 0
	}
	f, _ := v.AsFloat()
	return f
}

func energyDailyKeyList() []stdkeys.Key {
	keys := make([]stdkeys.Key, 0, len(stdkeys.EnergyDailyKeys))
	for k := range stdkeys.EnergyDailyKeys {
		keys = append(keys, k)
	}
	return keys
}

// pluginExtra merges a PluginInstance's typed transport fields into the
// raw string map each plugin's constructor expects, on top of its
// already-parsed Extra passthrough keys.
func pluginExtra(inst config.PluginInstance) map[string]string {
	extra := make(map[string]string, len(inst.Extra)+4)
	for k, v := range inst.Extra {
		extra[k] = v
	}
	switch inst.ConnectionType {
	case "tcp":
		extra["tcp_host"] = inst.TCPHost
		extra["tcp_port"] = strconv.Itoa(int(inst.TCPPort))
	case "serial":
		extra["serial_port"] = inst.SerialPort
		if _, ok := extra["serial_baud_rate"]; !ok {
			extra["serial_baud_rate"] = strconv.Itoa(inst.SerialBaudRate)
		}
	}
	extra["slave_address"] = strconv.Itoa(int(inst.SlaveAddress))
	return extra
}
