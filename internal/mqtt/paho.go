package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/avfallsor-mqtt/internal/config"
)

// ackBuffer is the capacity of the acknowledgment channel. Once it is
// full the publish worker waits for the publisher to read.
const ackBuffer = 32

// PahoBroker implements [Broker] on an autopaho connection. Publishes
// are queued and sent one at a time, in call order, by a single worker
// that reports each completion, or the broker's rejection, on the Acks
// channel. Messages to the same topic therefore reach the broker in
// the order they were published.
type PahoBroker struct {
	cm         *autopaho.ConnectionManager
	cancelConn context.CancelFunc
	logger     *slog.Logger

	// pubCtx bounds in-flight publishes. Disconnect cancels it so a
	// silent broker cannot hold a publish open.
	pubCtx    context.Context
	cancelPub context.CancelFunc

	mu      sync.Mutex
	pending []queued
	closed  bool
	wake    chan struct{}

	acks       chan Ack
	seq        atomic.Uint32
	workerDone chan struct{}
	closeOnce  sync.Once
}

type queued struct {
	id  uint16
	msg Message
}

// BrokerURL builds the broker URL from cfg. TLS selects the mqtts scheme.
func BrokerURL(cfg config.MQTTConfig) (*url.URL, error) {
	scheme := "mqtt"
	if cfg.TLS {
		scheme = "mqtts"
	}
	raw := fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL %q: %w", raw, err)
	}
	return u, nil
}

// clientConfig translates cfg into an autopaho configuration.
func clientConfig(cfg config.MQTTConfig, brokerURL *url.URL, logger *slog.Logger) autopaho.ClientConfig {
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     uint16(cfg.KeepAliveSec),
		CleanStartOnInitialConnection: true,
		ConnectUsername:               cfg.Username,
		ConnectPassword:               []byte(cfg.Password),
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqtt connected to broker", "broker", brokerURL.String())
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnClientError: func(err error) {
				logger.Warn("mqtt client error", "error", err)
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return pahoCfg
}

// Dial connects to the broker described by cfg and waits up to
// cfg.ConnectTimeout for the connection to come up. A connection that
// does not come up in time is abandoned rather than retried.
func Dial(ctx context.Context, cfg config.MQTTConfig, logger *slog.Logger) (*PahoBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	brokerURL, err := BrokerURL(cfg)
	if err != nil {
		return nil, err
	}

	// The connection outlives the dial context; Disconnect cancels it.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	cm, err := autopaho.NewConnection(connCtx, clientConfig(cfg, brokerURL, logger))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = config.DefaultConnectTimeout
	}
	awaitCtx, awaitCancel := context.WithTimeout(ctx, timeout)
	defer awaitCancel()
	if err := cm.AwaitConnection(awaitCtx); err != nil {
		cancel()
		<-cm.Done()
		return nil, fmt.Errorf("mqtt connect to %s: %w", brokerURL, err)
	}

	b := newPahoBroker(cm, cancel, logger)
	go b.work()
	return b, nil
}

func newPahoBroker(cm *autopaho.ConnectionManager, cancelConn context.CancelFunc, logger *slog.Logger) *PahoBroker {
	pubCtx, cancelPub := context.WithCancel(context.Background())
	return &PahoBroker{
		cm:         cm,
		cancelConn: cancelConn,
		logger:     logger,
		pubCtx:     pubCtx,
		cancelPub:  cancelPub,
		wake:       make(chan struct{}, 1),
		acks:       make(chan Ack, ackBuffer),
		workerDone: make(chan struct{}),
	}
}

// Publish queues msg and returns at once. The returned error only
// covers a closed broker; delivery failures arrive on Acks. The send
// itself runs under the broker's own context, not ctx, so that
// queued messages keep their order.
func (b *PahoBroker) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-b.cm.Done():
		return ErrBrokerClosed
	default:
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	b.pending = append(b.pending, queued{id: uint16(b.seq.Add(1)), msg: msg})
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// next pops the oldest queued message, waiting for one if the queue is
// empty. It returns false once the broker is shutting down.
func (b *PahoBroker) next() (queued, bool) {
	for {
		b.mu.Lock()
		if len(b.pending) > 0 {
			q := b.pending[0]
			b.pending = b.pending[1:]
			b.mu.Unlock()
			return q, true
		}
		b.mu.Unlock()

		select {
		case <-b.wake:
		case <-b.pubCtx.Done():
			return queued{}, false
		}
	}
}

// work sends queued messages one at a time. Each QoS 1 publish blocks
// until the broker's PUBACK, which keeps the wire order equal to the
// call order.
func (b *PahoBroker) work() {
	defer close(b.workerDone)
	for {
		q, ok := b.next()
		if !ok {
			return
		}

		_, err := b.cm.Publish(b.pubCtx, &paho.Publish{
			Topic:   q.msg.Topic,
			Payload: q.msg.Payload,
			QoS:     q.msg.QoS,
			Retain:  q.msg.Retain,
		})
		if err != nil {
			b.logger.Debug("mqtt publish failed", "id", q.id, "topic", q.msg.Topic, "error", err)
		}

		select {
		case b.acks <- Ack{ID: q.id, Topic: q.msg.Topic, Err: err}:
		case <-b.pubCtx.Done():
			return
		}
	}
}

// Acks returns the acknowledgment stream.
func (b *PahoBroker) Acks() <-chan Ack {
	return b.acks
}

// Disconnect drops any queued messages, aborts the one in flight, sends
// an MQTT DISCONNECT and stops the connection manager. It returns
// within [DisconnectTimeout] even if the broker has stopped answering.
func (b *PahoBroker) Disconnect(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		dropped := len(b.pending)
		b.pending = nil
		b.mu.Unlock()
		if dropped > 0 {
			b.logger.Debug("mqtt queued publishes dropped", "count", dropped)
		}

		dctx, cancel := context.WithTimeout(ctx, DisconnectTimeout)
		defer cancel()

		b.cancelPub()
		select {
		case <-b.workerDone:
		case <-dctx.Done():
		}

		err = b.cm.Disconnect(dctx)
		b.cancelConn()
	})
	return err
}
