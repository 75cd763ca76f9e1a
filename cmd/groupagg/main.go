package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aevon-lab/groupagg/internal/aggregation"
	v1 "github.com/aevon-lab/groupagg/internal/api/v1"
	"github.com/aevon-lab/groupagg/internal/client"
	corecfg "github.com/aevon-lab/groupagg/internal/core/config"
	"github.com/aevon-lab/groupagg/internal/core/metrics"
	"github.com/aevon-lab/groupagg/internal/core/storage"
	"github.com/aevon-lab/groupagg/internal/core/storage/postgres"
	"github.com/aevon-lab/groupagg/internal/migrations"
	"github.com/aevon-lab/groupagg/internal/query"
	"github.com/aevon-lab/groupagg/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", "groupagg.yaml", "Path to configuration file")
	submitPath := flag.String("submit", "", "Submit a YAML request file (or a directory of them) to -server and exit")
	serverURL := flag.String("server", "http://localhost:8080", "Service URL used by -submit")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if *submitPath != "" {
		if err := submit(*serverURL, *submitPath); err != nil {
			slog.Error("Submit failed", "error", err)
			os.Exit(1)
		}
		return
	}

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "config", cfg)

	// 2. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// 3. Spill storage
	var (
		db       *sql.DB
		governor *aggregation.SpillGovernor
		sweeper  *aggregation.SpillSweeper
	)
	if cfg.Aggregation.SpillEnabled {
		var store storage.SpillStore
		if cfg.UsesPostgres() {
			db, err = postgres.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
			if err != nil {
				slog.Error("Failed to initialize database", "error", err)
				os.Exit(1)
			}
			defer db.Close()

			if err := migrations.RunMigrations(db, cfg.Database.AutoMigrate); err != nil {
				slog.Error("Failed to run database migrations", "error", err)
				os.Exit(1)
			}
			if err := postgres.ValidateSchema(context.Background(), db); err != nil {
				slog.Error("Spill schema not ready", "error", err)
				os.Exit(1)
			}

			adapter := postgres.NewSpillAdapter(db)
			interval, retention, err := cfg.Aggregation.SweepSchedule()
			if err != nil {
				slog.Error("Invalid spill sweep schedule", "error", err)
				os.Exit(1)
			}
			sweeper = aggregation.NewSpillSweeper(interval, retention, adapter)
			store = adapter
		} else {
			store = storage.NewMemorySpillStore()
		}
		governor = aggregation.NewSpillGovernor(cfg.Aggregation.MemoryLimitBytes, store, collector)
		slog.Info("Spill enabled",
			"backend", store.Backend(),
			"memory_limit_bytes", cfg.Aggregation.MemoryLimitBytes,
		)
	} else {
		slog.Info("Spill disabled by config")
	}

	// 4. Query service
	querySvc := query.NewService(
		governor,
		collector,
		cfg.Aggregation.WorkerCount,
		cfg.Aggregation.MaxGroupsPerRequest,
		cfg.Server.MaxBodySizeMB,
	)

	// 5. Server
	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), db, cfg.Server.Mode)
	querySvc.RegisterRoutes(srv.Engine)
	if cfg.Metrics.Enabled {
		srv.MountMetrics(cfg.Metrics.Path, collector.Handler())
	}

	// 6. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sweeper != nil {
		go func() {
			if err := sweeper.Start(ctx); err != nil {
				slog.Error("Spill sweeper stopped with error", "error", err)
			}
		}()
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// submit posts one request file, or every request file of a directory, and
// prints each response.
func submit(serverURL, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	var reqs []*v1.AggregateRequest
	if info.IsDir() {
		reqs, err = v1.LoadAggregateRequests(path)
	} else {
		var req *v1.AggregateRequest
		req, err = v1.LoadAggregateRequest(path)
		reqs = []*v1.AggregateRequest{req}
	}
	if err != nil {
		return err
	}

	c := client.New(serverURL, 30*time.Second)
	for _, req := range reqs {
		resp, err := c.Aggregate(context.Background(), req)
		if err != nil {
			return fmt.Errorf("request %s: %w", req.RequestID, err)
		}
		if resp.StatusCode != http.StatusOK || !resp.HasValue() {
			body, _ := resp.ResponseBody()
			slog.Error("Request rejected", "request_id", req.RequestID, "status", resp.StatusCode, "body", body)
			continue
		}
		value, _ := resp.Value()
		slog.Info("Request served",
			"request_id", value.RequestID,
			"groups", value.Stats.Groups,
			"rows", value.Stats.InputRows,
			"elapsed_ms", value.Stats.ElapsedMs,
		)
		out, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return fmt.Errorf("request %s: %w", req.RequestID, err)
		}
		fmt.Println(string(out))
	}
	return nil
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
