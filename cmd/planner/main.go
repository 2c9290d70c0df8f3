// Command planner runs the residential hybrid battery planning engine.
// Its flag/signal/summary-table shape is grounded directly in the
// teacher's main.go: a -config flag, a -help usage screen, a -plan flag
// that runs one planning pass and prints a decision table instead of
// starting the long-running service, and SIGINT/SIGTERM-driven
// graceful shutdown of the background engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oig-battery-planner/planner/adapters"
	"github.com/oig-battery-planner/planner/device"
	"github.com/oig-battery-planner/planner/engine"
	"github.com/oig-battery-planner/planner/forecast"
	"github.com/oig-battery-planner/planner/meteo"
	"github.com/oig-battery-planner/planner/planstore"
	"github.com/oig-battery-planner/planner/sigenergy"
	"github.com/oig-battery-planner/planner/telemetry"
	"github.com/oig-battery-planner/planner/types"
)

func main() {
	var (
		configFile = flag.String("config", "config.json", "Configuration file path")
		plan       = flag.Bool("plan", false, "Run one planning pass and print the resulting timeline, then exit")
		status     = flag.Bool("status", false, "Print the currently active plan and exit")
		help       = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	cfg, err := LoadAppConfig(*configFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(1)
	}

	loc, err := time.LoadLocation(cfg.Location)
	if err != nil {
		fmt.Printf("Error loading timezone %q: %v\n", cfg.Location, err)
		os.Exit(1)
	}

	if *status {
		runStatus(cfg)
		return
	}
	if *plan {
		runOnePlan(cfg, loc)
		return
	}

	runService(cfg, loc)
}

func buildEngine(cfg *AppConfig, loc *time.Location, logger *log.Logger) (*engine.PlanningEngine, *sigenergy.SigenModbusClient, error) {
	if err := meteo.ValidateLocation(meteo.Location{Latitude: cfg.Latitude, Longitude: cfg.Longitude}); err != nil {
		return nil, nil, fmt.Errorf("invalid site coordinates: %w", err)
	}

	store, err := planstore.NewFileStore(cfg.StateDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open plan store: %w", err)
	}

	history, err := telemetry.Open(cfg.PostgresConnString, log.New(os.Stdout, "[TELEMETRY] ", log.LstdFlags))
	if err != nil {
		return nil, nil, fmt.Errorf("open telemetry store: %w", err)
	}

	meteoClient := meteo.NewClient(cfg.WeatherUserAgent)
	pv := adapters.MeteoPVProvider{
		Client:      meteoClient,
		Latitude:    cfg.Latitude,
		Longitude:   cfg.Longitude,
		PeakPowerKW: cfg.Planning.ACChargeKW, // conservative stand-in absent a dedicated peak-PV-power setting
	}
	price := adapters.EntsoePriceProvider{
		SecurityToken:      cfg.EntsoeSecurityToken,
		URLFormat:          cfg.EntsoeURLFormat,
		Location:           loc,
		ImportOperatorFee:  cfg.ImportPriceOperatorFee,
		ImportDeliveryFee:  cfg.ImportPriceDeliveryFee,
		ExportOperatorFee:  cfg.ExportPriceOperatorFee,
	}
	warnings := adapters.MeteoWarningSource{Client: meteoClient, Latitude: cfg.Latitude, Longitude: cfg.Longitude}

	var client *sigenergy.SigenModbusClient
	var socReader engine.SOCReader
	var deviceWriter device.ModeWriter
	if cfg.PlantModbusAddress != "" {
		client, err = sigenergy.NewTCPClient(cfg.PlantModbusAddress, cfg.InverterSlaveID)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to inverter: %w", err)
		}
		socReader = adapters.NewSigenergySOCReader(client)
		maxDischargeKW := cfg.Planning.TotalCapacityKWh // rated discharge limit, approximated as a 1C rate absent a dedicated setting
		deviceWriter = device.NewSigenergyModbusWriter(client, maxDischargeKW, cfg.Planning.ACChargeKW)
	} else {
		logger.Printf("no plant_modbus_address configured; running without hardware SOC reads or mode writes")
		socReader = fixedSOCReader{percent: cfg.Planning.TargetPercent}
	}

	engineCfg := engine.Config{
		Planning:          cfg.Planning,
		HorizonHours:      cfg.HorizonHours,
		GridLocation:      loc,
		ForecastLocation:  forecast.Location{Latitude: cfg.Latitude, Longitude: cfg.Longitude},
		PlanningInterval:  cfg.PlanningInterval,
		BalancingInterval: cfg.BalancingInterval,
	}

	e := engine.New(engineCfg, store, pv, adapters.NoLoadProvider{}, price, history, socReader, warnings, deviceWriter, logger)
	return e, client, nil
}

// fixedSOCReader stands in when no inverter is configured, so -plan/-status
// and dry runs still produce a plan instead of failing outright.
type fixedSOCReader struct{ percent float64 }

func (f fixedSOCReader) ReadSOCPercent(ctx context.Context) (float64, error) { return f.percent, nil }

func runService(cfg *AppConfig, loc *time.Location) {
	logger := log.New(os.Stdout, "[PLANNER] ", log.LstdFlags)

	e, client, err := buildEngine(cfg, loc, logger)
	if err != nil {
		logger.Printf("startup failed: %v", err)
		os.Exit(1)
	}
	if client != nil {
		defer client.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := e.Start(ctx); err != nil {
			logger.Printf("engine error: %v", err)
		}
	}()

	logger.Printf("planning engine started. Press Ctrl+C to stop...")
	<-sigChan
	logger.Printf("shutdown signal received, stopping...")
	e.Stop()
	cancel()
	logger.Printf("planning engine stopped")
}

func runStatus(cfg *AppConfig) {
	store, err := planstore.NewFileStore(cfg.StateDir)
	if err != nil {
		fmt.Println("Error opening plan store:", err)
		os.Exit(1)
	}
	active, err := store.ReadActive()
	if err != nil {
		fmt.Println("Error reading active plan:", err)
		os.Exit(1)
	}
	if active == nil {
		fmt.Println("No active plan.")
	} else {
		printPlan(*active)
	}

	if cfg.PlantModbusAddress != "" {
		if err := sigenergy.ShowPlantInfo(cfg.PlantModbusAddress); err != nil {
			fmt.Println("Error reading live plant status:", err)
			os.Exit(1)
		}
	}
}

func runOnePlan(cfg *AppConfig, loc *time.Location) {
	logger := log.New(os.Stdout, "[PLANNER] ", log.LstdFlags)
	e, client, err := buildEngine(cfg, loc, logger)
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	if client != nil {
		defer client.Close()
	}

	if err := e.Start(context.Background()); err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	e.Stop()

	active, ok := e.GetActivePlan()
	if !ok {
		fmt.Println("No plan could be produced.")
		return
	}
	printPlan(active)
}

func printPlan(p types.Plan) {
	fmt.Println("\n========================================")
	fmt.Println("BATTERY PLAN")
	fmt.Println("========================================")
	fmt.Printf("Kind: %s   Status: %s   Locked: %v\n", p.Kind, p.Status, p.Locked)
	fmt.Printf("Created: %s   Deadline: %s\n\n", p.CreatedAt.Format(time.RFC3339), p.Deadline.Format(time.RFC3339))

	fmt.Println("┌─────────────────────┬──────────┬──────────┬──────────┬──────────┬──────────┬──────────┐")
	fmt.Println("│      Timestamp      │   Mode   │ SOC (kWh)│ Chg (kWh)│ Dis (kWh)│ Imp (kWh)│ Exp (kWh)│")
	fmt.Println("├─────────────────────┼──────────┼──────────┼──────────┼──────────┼──────────┼──────────┤")
	for _, r := range p.Timeline {
		fmt.Printf("│ %19s │ %8s │  %7.2f │  %7.2f │  %7.2f │  %7.2f │  %7.2f │\n",
			r.T.Format("2006-01-02 15:04"), r.Mode, r.SOCAfterKWh,
			r.BatteryChargeKWh, r.BatteryDischargeKWh, r.GridImportKWh, r.GridExportKWh)
	}
	fmt.Println("└─────────────────────┴──────────┴──────────┴──────────┴──────────┴──────────┴──────────┘")

	fmt.Println("\n========================================")
	fmt.Println("SUMMARY")
	fmt.Println("========================================")
	fmt.Printf("Total cost:         %.4f\n", p.Metadata.TotalCost)
	fmt.Printf("Final SOC:          %.2f kWh\n", p.Metadata.FinalSOCKWh)
	fmt.Printf("Target achieved:    %v\n", p.Metadata.TargetAchieved)
	fmt.Printf("Mode switches:      %d\n", p.Metadata.ModeSwitches)
	fmt.Printf("Clamp events:       %d\n", p.Metadata.ClampEvents)
	fmt.Println("========================================")
}

func showHelp() {
	fmt.Println("Battery Planner - optimize home battery charge/discharge scheduling")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Plans a hybrid inverter's operating mode over a rolling horizon using")
	fmt.Println("  day-ahead electricity prices, solar and load forecasts, and periodic")
	fmt.Println("  battery-balancing and severe-weather holding windows.")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  planner [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Run the long-lived planning engine")
	fmt.Println("  planner --config=config.json")
	fmt.Println()
	fmt.Println("  # Run one planning pass and print the resulting timeline")
	fmt.Println("  planner --plan")
	fmt.Println()
	fmt.Println("  # Print the currently active plan")
	fmt.Println("  planner --status")
}
