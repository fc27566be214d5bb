package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"blelock-home/internal/coordinator"
	"blelock-home/internal/metrics"
	"blelock-home/internal/store"
	"blelock-home/internal/transport"
	"blelock-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Transport struct {
		Type   string                 `yaml:"type"` // "serial" or "sim"
		Port   string                 `yaml:"port"`
		Baud   int                    `yaml:"baud"`
		Dongle transport.DongleConfig `yaml:"dongle"`
		Sim    []transport.SimDevice  `yaml:"sim_devices"`
	} `yaml:"transport"`
	Timing coordinator.Timing `yaml:"timing"`
	Web    struct {
		Listen           string   `yaml:"listen"`
		APIKey           string   `yaml:"api_key"`
		AllowedOrigins   []string `yaml:"allowed_origins"`
		UnlockRatePerMin float64  `yaml:"unlock_rate_per_min"` // negative disables
		UnlockBurst      int      `yaml:"unlock_burst"`
	} `yaml:"web"`
	Store struct {
		Path         string `yaml:"path"`
		HistoryLimit int    `yaml:"history_limit"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	// Mirrors telemetry.Config so no_telemetry builds do not link the client.
	InfluxDB struct {
		Enabled       bool          `yaml:"enabled"`
		URL           string        `yaml:"url"`
		Token         string        `yaml:"token"`
		Org           string        `yaml:"org"`
		Bucket        string        `yaml:"bucket"`
		BatchSize     uint          `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"influxdb"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Locks      []coordinator.LockEntry `yaml:"locks"`
	ScriptsDir string                  `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	switch c.Transport.Type {
	case "serial":
		if c.Transport.Port == "" {
			return fmt.Errorf("transport.port is required for the serial transport")
		}
	case "sim":
	default:
		return fmt.Errorf("unknown transport type: %q (supported: serial, sim)", c.Transport.Type)
	}
	if c.Timing.ScanDuration <= 0 {
		return fmt.Errorf("timing.scan_duration must be positive")
	}
	if c.Timing.ResolveAttempts < 1 {
		return fmt.Errorf("timing.resolve_attempts must be at least 1, got %d", c.Timing.ResolveAttempts)
	}
	if c.Timing.ResolveInterval <= 0 {
		return fmt.Errorf("timing.resolve_interval must be positive")
	}
	if c.Timing.CloseDelay < 0 {
		return fmt.Errorf("timing.close_delay must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if _, err := coordinator.NewCatalog(c.Locks...); err != nil {
		return err
	}
	return nil
}

// resolveWindow is the longest a session waits for its device to appear.
func (c *Config) resolveWindow() time.Duration {
	return time.Duration(c.Timing.ResolveAttempts-1) * c.Timing.ResolveInterval
}

// writeTimeout lets a synchronous unlock request outlive a full session.
func (c *Config) writeTimeout() time.Duration {
	return c.resolveWindow() + c.Timing.CloseDelay + 15*time.Second
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("blelock-home starting", "version", version)

	if cfg.resolveWindow() <= cfg.Timing.ScanDuration {
		logger.Warn("resolve window does not outlast the scan; late advertisements may be missed",
			"resolve_window", cfg.resolveWindow(), "scan_duration", cfg.Timing.ScanDuration)
	}

	catalog, err := coordinator.NewCatalog(cfg.Locks...)
	if err != nil {
		logger.Error("load lock catalog", "err", err)
		os.Exit(1)
	}
	logger.Info("lock catalog loaded", "locks", catalog.Len())

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	radio, err := createTransport(cfg, logger)
	if err != nil {
		logger.Error("create transport", "err", err)
		os.Exit(1)
	}
	defer radio.Close()

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(radio, catalog, events, cfg.Timing, logger)

	unsubRecorder := store.NewRecorder(db, cfg.Store.HistoryLimit, logger).Attach(events)
	defer unsubRecorder()

	m := metrics.New()
	m.WatchRegistry(coord.Registry())
	unsubMetrics := m.Attach(events)
	defer unsubMetrics()

	// InfluxDB writer (no-op when built with no_telemetry tag).
	influx := initTelemetry(events, cfg, logger)

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	webOpts := []web.ServerOption{
		web.WithStore(db),
		web.WithMetrics(m.Handler()),
		web.WithUnlockRate(cfg.Web.UnlockRatePerMin, cfg.Web.UnlockBurst),
		web.WithVersion(version),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.writeTimeout(),
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	// Open locks are closed here, before the radio goes away.
	coord.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	influx.Stop()

	logger.Info("goodbye")
}

func createTransport(cfg *Config, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport.Type {
	case "serial":
		logger.Info("using serial BLE dongle", "port", cfg.Transport.Port, "baud", cfg.Transport.Baud)
		return transport.NewSerialDongle(cfg.Transport.Port, cfg.Transport.Baud, cfg.Transport.Dongle, logger)
	case "sim":
		logger.Warn("using simulated locks, no radio traffic", "devices", len(cfg.Transport.Sim))
		return transport.NewSimulator(cfg.Transport.Sim, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport type: %q (supported: serial, sim)", cfg.Transport.Type)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	// Fields absent from the file keep these values.
	cfg := Config{Timing: coordinator.DefaultTiming()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Transport.Type == "" {
		cfg.Transport.Type = "serial"
	}
	if cfg.Transport.Baud == 0 {
		cfg.Transport.Baud = 115200
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Web.UnlockRatePerMin == 0 {
		cfg.Web.UnlockRatePerMin = 10
	}
	if cfg.Web.UnlockBurst == 0 {
		cfg.Web.UnlockBurst = 3
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "blelock-home.db"
	}
	if cfg.Store.HistoryLimit == 0 {
		cfg.Store.HistoryLimit = 1000
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "blelock"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
