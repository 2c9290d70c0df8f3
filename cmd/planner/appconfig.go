package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/oig-battery-planner/planner/types"
)

// AppConfig is the on-disk JSON configuration, grounded directly on
// scheduler/config.go's LoadConfig/SaveConfig/Validate shape: a flat
// struct with json tags, a DefaultAppConfig constructor, and a
// Validate pass before use.
type AppConfig struct {
	Planning types.Config `json:"planning"`

	// Wiring
	StateDir          string        `json:"state_dir"`           // holds plans/ and balancing.json
	PlanningInterval  time.Duration `json:"planning_interval"`   // default 15m
	BalancingInterval time.Duration `json:"balancing_interval"`  // default 1h
	HorizonHours      float64       `json:"horizon_hours"`

	// Location
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Location  string  `json:"location"` // IANA timezone name

	// Sigenergy plant
	PlantModbusAddress string `json:"plant_modbus_address"` // "" disables hardware mode writes
	InverterSlaveID    byte   `json:"inverter_slave_id"`

	// ENTSO-E
	EntsoeSecurityToken     string  `json:"entsoe_security_token"`
	EntsoeURLFormat         string  `json:"entsoe_url_format"`
	ImportPriceOperatorFee  float64 `json:"import_price_operator_fee"`
	ImportPriceDeliveryFee  float64 `json:"import_price_delivery_fee"`
	ExportPriceOperatorFee  float64 `json:"export_price_operator_fee"`

	// met.no
	WeatherUserAgent string `json:"weather_user_agent"`

	// Historical telemetry archive ("" disables history persistence)
	PostgresConnString string `json:"postgres_conn_string"`
}

// DefaultAppConfig mirrors scheduler/config.go:DefaultConfig's role:
// sensible defaults the user overrides via the config file.
func DefaultAppConfig() *AppConfig {
	planning := types.DefaultConfig()
	planning.TotalCapacityKWh = 15.36 // OIG Home 15 default pack size; overridden per-installation via config
	planning.ExportLimitKW = 5.0

	return &AppConfig{
		Planning:          planning,
		StateDir:          "state",
		PlanningInterval:  15 * time.Minute,
		BalancingInterval: time.Hour,
		HorizonHours:      48,
		Location:          "Europe/Prague",
		InverterSlaveID:   1,
		WeatherUserAgent:  "oig-battery-planner/1.0",
	}
}

// LoadAppConfig mirrors scheduler/config.go:LoadConfig.
func LoadAppConfig(filename string) (*AppConfig, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()
	return LoadAppConfigFromReader(file)
}

func LoadAppConfigFromReader(r io.Reader) (*AppConfig, error) {
	cfg := DefaultAppConfig()
	if err := json.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config JSON: %w", err)
	}
	if err := cfg.Planning.Validate(); err != nil {
		return nil, fmt.Errorf("invalid planning configuration: %w", err)
	}
	return cfg, nil
}
