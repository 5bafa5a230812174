package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/avfallsor-mqtt/internal/config"
	"github.com/nugget/avfallsor-mqtt/internal/pickup"
)

// ErrAckTimeout is returned when the broker does not acknowledge a
// phase's publishes within the configured timeout.
var ErrAckTimeout = errors.New("timed out waiting for mqtt acknowledgments")

// PublishError reports a publish the broker failed to send or refused.
type PublishError struct {
	Phase string
	Topic string
	Err   error
}

// Error implements the error interface.
func (e *PublishError) Error() string {
	return fmt.Sprintf("mqtt %s publish to %s: %v", e.Phase, e.Topic, e.Err)
}

// Unwrap returns the underlying cause.
func (e *PublishError) Unwrap() error { return e.Err }

// State is the progress of a [DiscoveryPublisher] run.
type State int

// Publisher states, in the order a successful run passes through them.
const (
	StateIdle State = iota
	StateAnnouncing
	StateAwaitingAnnounceAcks
	StatePublishing
	StateAwaitingPublishAcks
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:                 "idle",
	StateAnnouncing:           "announcing",
	StateAwaitingAnnounceAcks: "awaiting_announce_acks",
	StatePublishing:           "publishing",
	StateAwaitingPublishAcks:  "awaiting_publish_acks",
	StateDone:                 "done",
	StateFailed:               "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DiscoveryConfig tunes a [DiscoveryPublisher].
type DiscoveryConfig struct {
	Integration pickup.Integration

	// AckTimeout bounds each acknowledgment wait (default 30s).
	AckTimeout time.Duration

	// SettleDelay is the pause between the two phases that gives Home
	// Assistant time to create the announced entities (default 2s,
	// negative disables it).
	SettleDelay time.Duration
}

// Result summarizes a completed run.
type Result struct {
	Announced int
	Published int

	// DisconnectErr is set when the final disconnect failed. The run
	// still counts as successful.
	DisconnectErr error
}

// DiscoveryPublisher runs the announce/publish protocol for one set of
// pickups over one broker connection. It is not reusable.
type DiscoveryPublisher struct {
	broker Broker
	cfg    DiscoveryConfig
	logger *slog.Logger
	state  State

	// sleep waits for d or until ctx is done. Tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDiscoveryPublisher creates a publisher that owns broker for the
// duration of [DiscoveryPublisher.Run].
func NewDiscoveryPublisher(broker Broker, cfg DiscoveryConfig, logger *slog.Logger) *DiscoveryPublisher {
	if cfg.Integration.ID == "" {
		cfg.Integration = pickup.DefaultIntegration
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = config.DefaultAckTimeout
	}
	switch {
	case cfg.SettleDelay == 0:
		cfg.SettleDelay = config.DefaultSettleDelay
	case cfg.SettleDelay < 0:
		cfg.SettleDelay = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryPublisher{
		broker: broker,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
	}
}

// State returns the publisher's current state.
func (p *DiscoveryPublisher) State() State {
	return p.state
}

func (p *DiscoveryPublisher) setState(s State) {
	p.logger.Debug("mqtt discovery state", "from", p.state.String(), "to", s.String())
	p.state = s
}

// Run announces and publishes records, then disconnects the broker.
// The broker is disconnected on failure too; that disconnect error is
// only logged.
func (p *DiscoveryPublisher) Run(ctx context.Context, records []pickup.Record) (Result, error) {
	res, err := p.run(ctx, records)
	if err != nil {
		p.setState(StateFailed)
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DisconnectTimeout)
		defer cancel()
		if derr := p.broker.Disconnect(dctx); derr != nil {
			p.logger.Warn("mqtt disconnect after failure", "error", derr)
		}
		return res, err
	}

	if derr := p.broker.Disconnect(ctx); derr != nil {
		p.logger.Warn("mqtt disconnect failed", "error", derr)
		res.DisconnectErr = derr
	}
	p.setState(StateDone)
	return res, nil
}

func (p *DiscoveryPublisher) run(ctx context.Context, records []pickup.Record) (Result, error) {
	var res Result
	in := p.cfg.Integration
	n := len(records)

	p.setState(StateAnnouncing)
	for _, r := range records {
		payload, err := json.Marshal(in.DiscoveryPayload(r))
		if err != nil {
			return res, fmt.Errorf("marshal discovery payload for %s: %w", in.SensorID(r), err)
		}
		if err := p.publish(ctx, "announce", in.ConfigTopic(r), payload); err != nil {
			return res, err
		}
		p.logger.Debug("mqtt discovery published", "sensor", in.SensorID(r), "topic", in.ConfigTopic(r))
	}

	p.setState(StateAwaitingAnnounceAcks)
	if err := p.awaitAcks(ctx, "announce", n); err != nil {
		return res, err
	}
	res.Announced = n

	if n > 0 && p.cfg.SettleDelay > 0 {
		p.logger.Debug("mqtt waiting for entities to settle", "delay", p.cfg.SettleDelay)
		if err := p.sleep(ctx, p.cfg.SettleDelay); err != nil {
			return res, err
		}
	}

	p.setState(StatePublishing)
	for _, r := range records {
		if err := p.publish(ctx, "state", in.StateTopic(r), []byte(r.StatePayload())); err != nil {
			return res, err
		}
		p.logger.Debug("mqtt state published", "sensor", in.SensorID(r), "state", r.StatePayload())
	}

	p.setState(StateAwaitingPublishAcks)
	if err := p.awaitAcks(ctx, "state", n); err != nil {
		return res, err
	}
	res.Published = n

	return res, nil
}

func (p *DiscoveryPublisher) publish(ctx context.Context, phase, topic string, payload []byte) error {
	p.logger.Log(ctx, config.LevelTrace, "mqtt publish payload", "phase", phase, "topic", topic, "payload", string(payload))

	err := p.broker.Publish(ctx, Message{
		Topic:   topic,
		Payload: payload,
		QoS:     AtLeastOnce,
		Retain:  false,
	})
	if err != nil {
		return &PublishError{Phase: phase, Topic: topic, Err: err}
	}
	return nil
}

// awaitAcks consumes acknowledgments until want have arrived. Any
// acknowledgment counts, whichever publish it belongs to.
func (p *DiscoveryPublisher) awaitAcks(ctx context.Context, phase string, want int) error {
	if want == 0 {
		return nil
	}

	timer := time.NewTimer(p.cfg.AckTimeout)
	defer timer.Stop()

	acks := p.broker.Acks()
	got := 0
	for got < want {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: %s phase got %d of %d after %s",
				ErrAckTimeout, phase, got, want, p.cfg.AckTimeout)
		case ack, ok := <-acks:
			if !ok {
				return fmt.Errorf("%s phase got %d of %d acknowledgments: %w",
					phase, got, want, ErrBrokerClosed)
			}
			if ack.Err != nil {
				return &PublishError{Phase: phase, Topic: ack.Topic, Err: ack.Err}
			}
			got++
			p.logger.Debug("mqtt publish acknowledged", "phase", phase, "id", ack.ID, "count", got, "want", want)
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
