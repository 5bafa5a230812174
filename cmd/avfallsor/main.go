// Avfallsor publishes a household's Avfall Sør waste-collection
// schedule to Home Assistant as MQTT discovery sensors.
//
// Each invocation makes one pass: look the address up, scrape the next
// pickups, announce one timestamp sensor per waste stream, publish the
// dates, and exit. Run it from cron or a systemd timer.
//
// Usage:
//
//	avfallsor [publish]      Scrape the schedule and publish it (default)
//	avfallsor show           Print the scraped schedule without publishing
//	avfallsor version        Print version and build information
//	avfallsor -o json show   Output the schedule as JSON
//
// Configuration comes from an optional YAML file (see
// [config.DefaultSearchPaths]), a .env file in the working directory,
// and environment variables such as ADDRESS and MQTT_HOST.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/avfallsor-mqtt/internal/buildinfo"
	"github.com/nugget/avfallsor-mqtt/internal/collector"
	"github.com/nugget/avfallsor-mqtt/internal/config"
	"github.com/nugget/avfallsor-mqtt/internal/mqtt"
	"github.com/nugget/avfallsor-mqtt/internal/pickup"
	"github.com/nugget/avfallsor-mqtt/internal/schedule"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run].
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		cancel()
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stderr so stdout
// carries only command output; getenv supplies the environment.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string, getenv func(string) string) error {
	// Parse arguments by hand, as the flag package's globals get in the
	// way of calling run() from parallel tests.
	var configPath string
	var envPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-env" && i+1 < len(args):
			envPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-env="):
			envPath = strings.TrimPrefix(args[i], "-env=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "", "publish":
		return runPublish(ctx, stdout, stderr, configPath, envPath, outputFmt, getenv)
	case "show":
		return runShow(ctx, stdout, stderr, configPath, envPath, outputFmt, getenv)
	case "version":
		return runVersion(stdout, outputFmt)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Get()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, info.String())
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Avfallsor - Avfall Sør pickup schedule for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: avfallsor [flags] [command]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  publish      Scrape the schedule and publish it over MQTT (default)")
	fmt.Fprintln(w, "  show         Print the scraped schedule without publishing")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -env <path>       Path to .env file (default: ./.env)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  ADDRESS, MQTT_HOST, MQTT_PORT (1883), MQTT_USERNAME, MQTT_PASSWORD,")
	fmt.Fprintln(w, "  MQTT_TLS, COLLECTION_TIME (06:00), TIMEZONE, ACK_TIMEOUT, SETTLE_DELAY,")
	fmt.Fprintln(w, "  LOG_LEVEL, LOG_FORMAT")
	return nil
}

// runPublish handles the default command: one full scrape-and-publish
// cycle.
func runPublish(ctx context.Context, stdout, stderr io.Writer, configPath, envPath, outputFmt string, getenv func(string) string) error {
	cfg, cfgPath, err := loadConfig(configPath, envPath, getenv)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := configuredLogger(stderr, cfg)
	logger.Info("starting avfallsor", "version", buildinfo.Version, "commit", buildinfo.GitCommit)
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	}

	c, err := newCollector(cfg, logger)
	if err != nil {
		return err
	}

	report, err := c.Run(ctx)
	if err != nil {
		return err
	}
	if report.DisconnectErr != nil {
		logger.Warn("broker disconnect was not clean", "error", report.DisconnectErr)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(publishOutput{
			RunID:   report.RunID,
			Address: report.Address,
			Sensors: report.Sensors,
			Values:  report.Values,
			Pickups: pickupRows(report.Pickups),
		})
	}
	fmt.Fprintf(stdout, "Registered %d sensors and published %d values for %s\n",
		report.Sensors, report.Values, report.Address)
	return nil
}

// runShow scrapes the schedule and prints it; the broker is not
// contacted and need not be configured.
func runShow(ctx context.Context, stdout, stderr io.Writer, configPath, envPath, outputFmt string, getenv func(string) string) error {
	cfg, _, err := loadConfig(configPath, envPath, getenv)
	if err != nil {
		return err
	}
	if err := cfg.ValidateSchedule(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := configuredLogger(stderr, cfg)
	c, err := newCollector(cfg, logger)
	if err != nil {
		return err
	}

	ref, records, err := c.Preview(ctx)
	if err != nil {
		return err
	}

	rows := pickupRows(records)
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	fmt.Fprintf(stdout, "%s (%s)\n", ref.Address, ref.URL)
	if len(rows) == 0 {
		fmt.Fprintln(stdout, "  no upcoming pickups")
	}
	for _, r := range rows {
		fmt.Fprintf(stdout, "  %-25s  %-10s  %s\n", r.When, r.Category, r.Sensor)
	}
	return nil
}

type pickupRow struct {
	Category string `json:"category"`
	Label    string `json:"label"`
	When     string `json:"when"`
	Sensor   string `json:"sensor"`
}

type publishOutput struct {
	RunID   string      `json:"run_id"`
	Address string      `json:"address"`
	Sensors int         `json:"sensors_registered"`
	Values  int         `json:"values_published"`
	Pickups []pickupRow `json:"pickups"`
}

func pickupRows(records []pickup.Record) []pickupRow {
	rows := make([]pickupRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, pickupRow{
			Category: r.Category.String(),
			Label:    r.Label,
			When:     r.StatePayload(),
			Sensor:   pickup.DefaultIntegration.SensorID(r),
		})
	}
	return rows
}

// newCollector builds the production schedule source and broker dialer.
func newCollector(cfg *config.Config, logger *slog.Logger) (*collector.Collector, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	at, err := schedule.ParseClock(cfg.CollectionTime)
	if err != nil {
		return nil, err
	}

	src := schedule.New(
		schedule.WithAddressEndpoint(cfg.AddressEndpoint),
		schedule.WithLocation(loc),
		schedule.WithLogger(logger),
	)

	dial := func(ctx context.Context) (mqtt.Broker, error) {
		b, err := mqtt.Dial(ctx, cfg.MQTT, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}

	return collector.New(collector.Config{
		Address:        cfg.Address,
		CollectionTime: at,
		Discovery: mqtt.DiscoveryConfig{
			Integration: pickup.DefaultIntegration,
			AckTimeout:  cfg.Publish.AckTimeout,
			SettleDelay: cfg.Publish.SettleDelay,
		},
	}, src, dial, logger), nil
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	// Validate has already rejected unknown values.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	format, _ := config.ParseLogFormat(cfg.LogFormat)
	return newLogger(w, level, format)
}

// loadConfig seeds the environment from the .env file, reads the YAML
// file if one is found, then applies environment overrides. The
// returned path is empty when no config file was used.
func loadConfig(explicit, envPath string, getenv func(string) string) (*config.Config, string, error) {
	if err := config.LoadDotEnv(envPath); err != nil {
		return nil, "", err
	}

	cfg := config.Default()
	path, err := config.FindConfig(explicit)
	switch {
	case errors.Is(err, config.ErrNoConfigFile):
		path = ""
	case err != nil:
		return nil, "", err
	default:
		cfg, err = config.Load(path)
		if err != nil {
			return nil, "", fmt.Errorf("load config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}
