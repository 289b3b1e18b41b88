package core

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// EventBus mirrors scan activity onto NATS JetStream so dashboards and other
// consumers can follow a scan live. The store remains the system of record:
// a bus publish failure never affects persisted scan data.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger
	mu     sync.RWMutex
	subs   []*nats.Subscription
}

// NewEventBus connects to NATS. If cfg.Embedded is true, it starts an
// embedded NATS server first.
func NewEventBus(cfg *BusConfig, logger zerolog.Logger) (*EventBus, error) {
	bus := &EventBus{
		logger: logger.With().Str("component", "event_bus").Logger(),
		subs:   make([]*nats.Subscription, 0),
	}

	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}

		ns.Start()

		if !ns.ReadyForConnections(10 * time.Second) {
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}

		bus.ns = ns
		bus.logger.Info().Int("port", cfg.Port).Msg("embedded NATS server started")
	}

	url := cfg.URL
	if cfg.Embedded {
		url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.Port)
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	// AddStream returns the existing stream if config matches; if it exists
	// with a different config from a previous version, we update it.
	eventsStreamCfg := &nats.StreamConfig{
		Name:      "SCAN_EVENTS",
		Subjects:  []string{"scan.events.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 7,
		MaxBytes:  1024 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	if _, err = js.AddStream(eventsStreamCfg); err != nil {
		if _, updateErr := js.UpdateStream(eventsStreamCfg); updateErr != nil {
			return nil, fmt.Errorf("creating/updating events stream: %w (original: %v)", updateErr, err)
		}
	}

	statusStreamCfg := &nats.StreamConfig{
		Name:      "SCAN_STATUS",
		Subjects:  []string{"scan.status.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 30,
		MaxBytes:  64 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	if _, err = js.AddStream(statusStreamCfg); err != nil {
		if _, updateErr := js.UpdateStream(statusStreamCfg); updateErr != nil {
			return nil, fmt.Errorf("creating/updating status stream: %w (original: %v)", updateErr, err)
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// PublishEvent publishes a stored scan event to scan.events.<scanID>.<type>.
func (b *EventBus) PublishEvent(ev *Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	subject := fmt.Sprintf("scan.events.%s.%s", ev.ScanID, ev.Type)
	if _, err := b.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing event to %s: %w", subject, err)
	}

	b.logger.Debug().
		Str("event_id", ev.ID).
		Str("subject", subject).
		Msg("event published")
	return nil
}

// PublishStatus publishes a scan lifecycle transition to scan.status.<scanID>.
func (b *EventBus) PublishStatus(scan *Scan) error {
	data, err := marshalScan(scan)
	if err != nil {
		return fmt.Errorf("marshaling scan: %w", err)
	}

	subject := fmt.Sprintf("scan.status.%s", scan.ID)
	if _, err := b.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing status to %s: %w", subject, err)
	}
	return nil
}

// SubscribeScan subscribes to one scan's event flow. A non-empty durableName
// makes the subscription survive reconnects; the returned subscription lets
// the caller unsubscribe when the consumer goes away, and any still open at
// Close are torn down there.
func (b *EventBus) SubscribeScan(scanID, durableName string, handler func(ev *Event)) (*nats.Subscription, error) {
	subject := fmt.Sprintf("scan.events.%s.>", scanID)
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := UnmarshalEvent(msg.Data)
		if err != nil {
			b.logger.Error().Err(err).Msg("failed to unmarshal event")
			_ = msg.Nak()
			return
		}
		handler(ev)
		_ = msg.Ack()
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug().Str("subject", subject).Str("durable", durableName).Msg("subscribed")
	return sub, nil
}

// Close shuts down the event bus.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}

	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.logger.Info().Msg("embedded NATS server stopped")
	}

	return nil
}

// IsConnected returns true if the NATS connection is active.
func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}
