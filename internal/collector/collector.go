// Package collector runs one scrape-and-publish cycle: it resolves the
// configured address, extracts the pickups, and only then dials the
// broker and hands the pickups to the discovery publisher. A failed
// scrape never opens a broker connection.
package collector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nugget/avfallsor-mqtt/internal/mqtt"
	"github.com/nugget/avfallsor-mqtt/internal/pickup"
	"github.com/nugget/avfallsor-mqtt/internal/schedule"
)

// ScheduleSource is the part of [schedule.Source] the collector uses.
type ScheduleSource interface {
	ResolveAddress(ctx context.Context, address string) (schedule.PageRef, error)
	ExtractPickups(ctx context.Context, ref schedule.PageRef, collectionTime schedule.Clock) ([]pickup.Record, error)
}

// DialFunc opens a broker connection.
type DialFunc func(ctx context.Context) (mqtt.Broker, error)

// Config holds the per-run settings.
type Config struct {
	Address        string
	CollectionTime schedule.Clock
	Discovery      mqtt.DiscoveryConfig
}

// Report summarizes a successful run.
type Report struct {
	RunID   string
	Address string // the provider's spelling of the matched address
	Pickups []pickup.Record

	// Sensors and Values count the discovery and state messages the
	// broker acknowledged.
	Sensors int
	Values  int

	// DisconnectErr is a non-fatal error from closing the connection.
	DisconnectErr error
}

// Collector wires a schedule source to a broker.
type Collector struct {
	cfg    Config
	source ScheduleSource
	dial   DialFunc
	logger *slog.Logger

	newRunID func() string
}

// New creates a Collector.
func New(cfg Config, source ScheduleSource, dial DialFunc, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		cfg:      cfg,
		source:   source,
		dial:     dial,
		logger:   logger,
		newRunID: newRunID,
	}
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Preview resolves the address and extracts its pickups without
// touching the broker.
func (c *Collector) Preview(ctx context.Context) (schedule.PageRef, []pickup.Record, error) {
	ref, err := c.source.ResolveAddress(ctx, c.cfg.Address)
	if err != nil {
		return schedule.PageRef{}, nil, fmt.Errorf("resolve address: %w", err)
	}

	records, err := c.source.ExtractPickups(ctx, ref, c.cfg.CollectionTime)
	if err != nil {
		return ref, nil, fmt.Errorf("extract pickups: %w", err)
	}
	return ref, records, nil
}

// Run performs one full cycle. It returns the first fatal error; a
// failed disconnect is reported in the Report instead.
func (c *Collector) Run(ctx context.Context) (Report, error) {
	report := Report{RunID: c.newRunID()}
	logger := c.logger.With("run_id", report.RunID)

	ref, records, err := c.Preview(ctx)
	if err != nil {
		return report, err
	}
	report.Address = ref.Address
	report.Pickups = records
	logger.Info("schedule fetched", "address", ref.Address, "url", ref.URL, "pickups", len(records))

	broker, err := c.dial(ctx)
	if err != nil {
		return report, fmt.Errorf("connect to broker: %w", err)
	}

	pub := mqtt.NewDiscoveryPublisher(broker, c.cfg.Discovery, logger)
	res, err := pub.Run(ctx, records)
	report.Sensors = res.Announced
	report.Values = res.Published
	report.DisconnectErr = res.DisconnectErr
	if err != nil {
		return report, fmt.Errorf("publish pickups: %w", err)
	}

	logger.Info("pickups published",
		"sensors_registered", report.Sensors,
		"values_published", report.Values,
	)
	return report, nil
}
