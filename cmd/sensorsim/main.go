package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/holla2040/sensorsim/internal/api"
	"github.com/holla2040/sensorsim/internal/artifact"
	"github.com/holla2040/sensorsim/internal/config"
	"github.com/holla2040/sensorsim/internal/control"
	"github.com/holla2040/sensorsim/internal/eventlog"
	"github.com/holla2040/sensorsim/internal/metrics"
	"github.com/holla2040/sensorsim/internal/modbusserver"
	"github.com/holla2040/sensorsim/internal/monitor"
	"github.com/holla2040/sensorsim/internal/registers"
	"github.com/holla2040/sensorsim/internal/scheduler"
	"github.com/holla2040/sensorsim/internal/spike"
	"github.com/holla2040/sensorsim/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "YAML config file (watched for changes)")
	updateInterval := flag.Duration("update-interval", 0, "Register update interval (default 5ms)")
	printInterval := flag.Duration("print-interval", 0, "Console print and stream interval (default 250ms)")
	modbusAddr := flag.String("modbus", "", "Modbus TCP listen address (default localhost:5020)")
	httpAddr := flag.String("http", "", "HTTP address for API and console (default :8080)")
	redisAddr := flag.String("redis", "", "Redis address for telemetry (empty disables)")
	dbPath := flag.String("db", "", "SQLite path for the control event journal (default sensorsim.db)")
	unitsFlag := flag.String("units", "", "Comma-separated unit ids (e.g. 1,2,5)")
	instance := flag.String("instance", "", "Instance name used on Redis (default sim-01)")
	reportDir := flag.String("report-dir", "", "Write a JSON and PDF status report here on shutdown")
	seed := flag.Int64("seed", 0, "Jitter seed (0 picks one from the clock)")
	quiet := flag.Bool("quiet", false, "Disable the console monitor")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags given on the command line override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "update-interval":
			cfg.UpdateInterval = *updateInterval
		case "print-interval":
			cfg.PrintInterval = *printInterval
		case "modbus":
			cfg.ModbusAddr = *modbusAddr
		case "http":
			cfg.HTTPAddr = *httpAddr
		case "redis":
			cfg.RedisAddr = *redisAddr
		case "db":
			cfg.DBPath = *dbPath
		case "instance":
			cfg.Instance = *instance
		case "report-dir":
			cfg.ReportDir = *reportDir
		}
	})
	if *unitsFlag != "" {
		ids, err := config.ParseIDs(*unitsFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -units value: %v\n", err)
			os.Exit(1)
		}
		cfg.SetUnitIDs(ids)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := registers.New(cfg.UnitConfigs())
	if err != nil {
		log.Fatalf("Failed to create register store: %v", err)
	}
	spikes := spike.NewTable()
	m := metrics.New()

	journal, err := eventlog.New(cfg.DBPath, eventlog.WithRetention(cfg.EventRetention))
	if err != nil {
		log.Fatalf("Failed to open event journal: %v", err)
	}
	defer journal.Close()
	log.Printf("Event journal at %s", cfg.DBPath)

	hub := api.NewHub()

	// Listeners are set before any goroutine starts, so pub needs no lock.
	var pub *telemetry.Publisher
	plane := control.New(store, spikes,
		control.WithIntervals(cfg.UpdateInterval, cfg.PrintInterval),
		control.WithMetrics(m),
		control.WithListener(journal.Listen),
		control.WithListener(hub.Listen),
		control.WithListener(func(ev control.Event) {
			if pub != nil {
				pub.Listen(ev)
			}
		}),
	)

	var health *telemetry.Monitor
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("Redis at %s not reachable yet: %v", cfg.RedisAddr, err)
		} else {
			log.Printf("Connected to Redis at %s", cfg.RedisAddr)
		}
		health = telemetry.NewMonitor(rdb,
			telemetry.WithOnDown(func() { log.Println("Redis connection lost, telemetry paused") }),
			telemetry.WithOnUp(func() { log.Println("Redis connection restored") }),
		)
		pub = telemetry.NewPublisher(rdb, plane, telemetry.Config{
			Instance:   cfg.Instance,
			Version:    version,
			Interval:   cfg.PrintInterval,
			ModbusAddr: cfg.ModbusAddr,
		}, telemetry.WithMetrics(m), telemetry.WithHealth(health))
	}

	schedOpts := []scheduler.Option{
		scheduler.WithInterval(cfg.UpdateInterval),
		scheduler.WithMetrics(m),
	}
	if *seed != 0 {
		schedOpts = append(schedOpts, scheduler.WithSeed(*seed))
	}
	sched := scheduler.New(store, spikes, schedOpts...)

	mb, err := modbusserver.NewServer(cfg.ModbusAddr, store)
	if err != nil {
		log.Fatalf("Failed to create Modbus server: %v", err)
	}
	if err := mb.Start(); err != nil {
		log.Fatalf("Failed to start Modbus server: %v", err)
	}

	handler := &api.Handler{
		Plane:       plane,
		Journal:     journal,
		Metrics:     m,
		Hub:         hub,
		Identity:    cfg.Identity.Map(),
		SignalNames: cfg.SignalNames(),
		ModbusAddr:  cfg.ModbusAddr,
		Version:     version,
		Scale:       100,
	}
	if health != nil {
		handler.Health = health
	}

	var wg sync.WaitGroup
	goRun := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	goRun(sched.Run)
	goRun(journal.Run)
	goRun(hub.Run)
	goRun(func(ctx context.Context) { hub.Stream(ctx, plane, cfg.PrintInterval) })
	if pub != nil {
		goRun(health.Run)
		goRun(pub.Run)
	}
	if !*quiet {
		goRun(monitor.New(plane, cfg.SignalNames(), cfg.PrintInterval, os.Stdout).Run)
	}
	if *configPath != "" {
		goRun(func(ctx context.Context) {
			if err := config.Watch(ctx, *configPath, config.DefaultDebounce, func(next *config.Config) {
				applyConfig(plane, next)
			}); err != nil {
				log.Printf("Config watch disabled: %v", err)
			}
		})
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Printf("HTTP API and console at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if err := mb.Stop(); err != nil {
		log.Printf("Modbus stop: %v", err)
	}

	wg.Wait()

	if cfg.ReportDir != "" {
		base, err := artifact.Export(cfg.ReportDir, handler.Report())
		if err != nil {
			log.Printf("Report export failed: %v", err)
		} else {
			log.Printf("Report written to %s.{json,pdf}", base)
		}
	}
	log.Println("Simulator stopped")
}

// applyConfig pushes reloaded unit bases and waveform parameters into the
// running units. Units cannot be added or removed without a restart.
func applyConfig(plane *control.Plane, cfg *config.Config) {
	running := make(map[int]bool)
	for _, id := range plane.Units() {
		running[id] = true
	}
	for _, u := range cfg.Units {
		if !running[u.ID] {
			log.Printf("Config: unit %d is not running, restart to add it", u.ID)
			continue
		}
		if err := plane.ApplyProfile(u.ID, u.BaseHighs, u.Params); err != nil {
			log.Printf("Config: unit %d not applied: %v", u.ID, err)
		}
	}
}
