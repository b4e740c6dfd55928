// Command healthcheck probes the engine's dependencies (config, sqlite,
// venue connectivity, control API) and exits non-zero when anything is
// unhealthy. Pass --json for machine-readable output.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchange/binance"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

func main() {
	fmt.Println("🏥 Trading Engine Health Check")
	fmt.Println("==============================")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := HealthReport{
		Overall:  "HEALTHY",
		Services: make([]HealthStatus, 0, 5),
	}

	cfg, cfgStatus := checkConfig()
	report.Services = append(report.Services, cfgStatus)

	if cfg != nil {
		report.Services = append(report.Services, checkDatabase(ctx, cfg))
		report.Services = append(report.Services, checkStrategyConfig(cfg))
		report.Services = append(report.Services, checkBinance(ctx, cfg))
		report.Services = append(report.Services, checkAPIServer(cfg))
	}

	for _, svc := range report.Services {
		if svc.Status == "UNHEALTHY" {
			report.Overall = "UNHEALTHY"
			break
		} else if svc.Status == "DEGRADED" && report.Overall != "UNHEALTHY" {
			report.Overall = "DEGRADED"
		}
	}

	fmt.Println("Results:")
	fmt.Println("--------")
	for _, svc := range report.Services {
		icon := "✓"
		switch svc.Status {
		case "UNHEALTHY":
			icon = "✗"
		case "DEGRADED":
			icon = "⚠"
		}
		fmt.Printf("%s %-18s %-10s %s\n", icon, svc.Service, svc.Status, svc.Message)
	}
	fmt.Println()
	fmt.Printf("Overall Status: %s\n", report.Overall)

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	}

	if report.Overall == "UNHEALTHY" {
		os.Exit(1)
	}
}

func checkConfig() (*config.Config, HealthStatus) {
	status := HealthStatus{Service: "Configuration", Status: "HEALTHY", Timestamp: time.Now()}

	cfg, err := config.Load()
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("load failed: %v", err)
		return nil, status
	}

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY_RUN"
	}
	status.Message = fmt.Sprintf("port=%s mode=%s symbols=%d", cfg.Port, mode, len(cfg.Symbols))
	return cfg, status
}

func checkDatabase(ctx context.Context, cfg *config.Config) HealthStatus {
	status := HealthStatus{Service: "Database", Status: "HEALTHY", Timestamp: time.Now()}

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("open failed: %v", err)
		return status
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("ping failed: %v", err)
		return status
	}

	status.Message = cfg.DBPath
	return status
}

func checkStrategyConfig(cfg *config.Config) HealthStatus {
	status := HealthStatus{Service: "Strategies", Status: "HEALTHY", Timestamp: time.Now()}

	instances, err := config.LoadStrategies(cfg.StrategyConfig)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("%v", err)
		return status
	}

	active := 0
	for _, inst := range instances {
		if inst.IsActive {
			active++
		}
	}
	status.Message = fmt.Sprintf("%d instances (%d active)", len(instances), active)
	return status
}

func checkBinance(ctx context.Context, cfg *config.Config) HealthStatus {
	status := HealthStatus{Service: "Binance", Status: "HEALTHY", Timestamp: time.Now()}

	// A pure mock dry-run never talks to the venue.
	if cfg.UseMockFeed && cfg.DryRun && cfg.BalanceSource == "fixed" {
		status.Message = "not required (mock feed, dry run)"
		return status
	}

	client := binance.New(binance.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
		Testnet:   cfg.BinanceTestnet,
	})
	serverTime, err := client.GetServerTime(ctx)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("connection failed: %v", err)
		return status
	}

	network := "MAINNET"
	if cfg.BinanceTestnet {
		network = "TESTNET"
	}
	drift := time.Since(time.UnixMilli(serverTime)).Round(time.Millisecond)
	status.Message = fmt.Sprintf("connected to %s (clock drift %v)", network, drift)
	return status
}

func checkAPIServer(cfg *config.Config) HealthStatus {
	status := HealthStatus{Service: "Control API", Status: "HEALTHY", Timestamp: time.Now()}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%s/health", cfg.Port))
	if err != nil {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("not reachable: %v", err)
		return status
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}

	status.Message = "running"
	return status
}
