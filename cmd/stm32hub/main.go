// STM32 hub: accepts device telemetry over TCP and delivers queued commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/stm32hub/stm32hub/internal/config"
	"github.com/stm32hub/stm32hub/internal/dashboard"
	"github.com/stm32hub/stm32hub/internal/hub"
	"github.com/stm32hub/stm32hub/internal/sink"
	"github.com/stm32hub/stm32hub/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and open the database")

	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("stm32hub %s\n", hub.VersionInfo())
		os.Exit(0)
	}
	if *showHelp {
		printUsage()
		os.Exit(0)
	}
	if *runCheck {
		os.Exit(runConfigCheck())
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", hub.VersionInfo()).
		Str("listen", cfg.ListenAddr).
		Str("db", cfg.DatabasePath).
		Msg("STM32 hub starting")

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer func() { _ = db.Close() }()
	st := store.New(log, db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := hub.New(hub.Options{
		ListenAddr:       cfg.ListenAddr,
		DispatchInterval: cfg.DispatchInterval,
		MaxLine:          cfg.BufferSize,
		WriteTimeout:     cfg.WriteTimeout,
		IdleTimeout:      cfg.IdleTimeout,
		Registerer:       reg,
	}, st, log)

	var api *dashboard.Server
	if cfg.HTTPEnabled() {
		api = dashboard.New(dashboard.Config{
			ListenAddr:        cfg.HTTPListenAddr,
			TokenHash:         cfg.OperatorTokenHash,
			TOTPSecret:        cfg.TOTPSecret,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
			TrustProxy:        cfg.TrustProxy,
		}, srv, reg, log)
		srv.AddObserver(api.Feed())
	}

	if cfg.MQTTEnabled() {
		client, err := sink.ConnectMQTT(cfg.MQTTBroker, cfg.MQTTClientID, log)
		if err != nil {
			log.Error().Err(err).Msg("mqtt mirror disabled")
		} else {
			defer client.Disconnect(250)
			mirror := sink.NewMQTTMirror(log, client, cfg.MQTTTopic)
			go mirror.Run(ctx)
			srv.AddObserver(mirror)
			log.Info().Str("broker", cfg.MQTTBroker).Str("topic", cfg.MQTTTopic).Msg("mirroring readings to mqtt")
		}
	}

	if cfg.InfluxEnabled() {
		influx := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
		defer influx.Close()
		mirror := sink.NewInfluxMirror(log, influx.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket))
		go mirror.Run(ctx)
		srv.AddObserver(mirror)
		log.Info().Str("url", cfg.InfluxURL).Str("bucket", cfg.InfluxBucket).Msg("mirroring readings to influxdb")
	}

	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start hub")
	}
	if api != nil {
		if err := api.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start operator API")
		}
	}

	go st.StartRetentionCleanup(ctx, cfg.RetentionInterval, cfg.EventRetention)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if api != nil {
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("operator API shutdown incomplete")
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("hub shutdown incomplete")
	}
	cancel()
}

func printUsage() {
	fmt.Printf(`Usage: stm32hub [options]

STM32 hub %s - collects device telemetry over TCP and delivers queued commands.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and open the database

Environment variables:
  STM32HUB_LISTEN               Device listener address (default: 0.0.0.0:8080)
  STM32HUB_DB_PATH              SQLite database path (default: stm32_data.db)
  STM32HUB_BUFFER_SIZE          Max bytes per message line (default: 4096)
  STM32HUB_DISPATCH_INTERVAL    Command dispatch interval (default: 1s)
  STM32HUB_WRITE_TIMEOUT        Command write deadline (default: 5s)
  STM32HUB_IDLE_TIMEOUT         Drop silent devices after this long (default: off)
  STM32HUB_HTTP_LISTEN          Operator API address (default: off)
  STM32HUB_OPERATOR_TOKEN_HASH  bcrypt hash of the operator token
  STM32HUB_TOTP_SECRET          TOTP secret required to clear history
  STM32HUB_RATE_LIMIT           Failed auth attempts per window (default: 5)
  STM32HUB_RATE_WINDOW          Failed auth window (default: 1m)
  STM32HUB_TRUST_PROXY          Take client IPs from X-Forwarded-For (default: false)
  STM32HUB_EVENT_RETENTION      Connection event retention (default: 168h)
  STM32HUB_RETENTION_INTERVAL   Retention cleanup period (default: 1h)
  STM32HUB_MQTT_BROKER          MQTT broker URL for the reading mirror
  STM32HUB_MQTT_TOPIC           MQTT topic prefix (default: stm32)
  STM32HUB_MQTT_CLIENT_ID       MQTT client id (default: stm32hub)
  STM32HUB_INFLUX_URL           InfluxDB URL for the reading mirror
  STM32HUB_INFLUX_TOKEN         InfluxDB token
  STM32HUB_INFLUX_ORG           InfluxDB organization
  STM32HUB_INFLUX_BUCKET        InfluxDB bucket
  STM32HUB_LOG_LEVEL            Log level: debug, info, warn, error
`, hub.VersionInfo())
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		return 1
	}

	fmt.Println("Config OK")
	fmt.Printf("  Listen:      %s\n", cfg.ListenAddr)
	fmt.Printf("  Database:    %s\n", cfg.DatabasePath)
	fmt.Printf("  Dispatch:    %s\n", cfg.DispatchInterval)
	if cfg.HTTPEnabled() {
		fmt.Printf("  API:         %s\n", cfg.HTTPListenAddr)
	}
	fmt.Println()

	fmt.Print("Opening database... ")
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Printf("FAILED\n  %v\n", err)
		return 1
	}
	_ = db.Close()
	fmt.Println("OK")
	return 0
}
