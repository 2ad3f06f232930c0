package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"gorm.io/gorm"
)

// SubscriberState is the bus connection state.
type SubscriberState int32

const (
	StateDisconnected SubscriberState = iota
	StateConnecting
	StateSubscribed
)

// String returns the string representation of SubscriberState
func (s SubscriberState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// RetryConfig bounds the reconnect backoff.
type RetryConfig struct {
	InitialBackoff time.Duration
	BackoffFactor  float64
	MaxBackoff     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff: 500 * time.Millisecond,
		BackoffFactor:  2,
		MaxBackoff:     30 * time.Second,
	}
}

func calculateBackoff(attempts int, config RetryConfig) time.Duration {
	if attempts <= 0 {
		return time.Second * 0
	}
	backoff := math.Pow(config.BackoffFactor, float64(attempts))
	backoff = backoff * float64(config.InitialBackoff)
	backoff = math.Min(backoff, float64(config.MaxBackoff))

	return time.Duration(backoff)
}

// BusSubscriber owns the single long-lived bus connection and dispatches
// every delivered message through the validate -> directory/recorder
// pipeline, one transaction scope per message. It never gives up on the bus:
// disconnects re-enter connecting with bounded exponential backoff for as
// long as the process lives. A poisoned message is logged and dropped; it
// never tears down the subscription.
type BusSubscriber struct {
	url       string
	db        *gorm.DB
	conn      *nats.Conn
	subs      []*nats.Subscription
	state     atomic.Int32
	retry     RetryConfig
	log       *slog.Logger
	hub       *StreamHub
	done      chan struct{}
	closeOnce sync.Once
}

type SubscriberOption func(*BusSubscriber)

func WithRetryConfig(rc RetryConfig) SubscriberOption {
	return func(s *BusSubscriber) {
		s.retry = rc
	}
}

func WithSubscriberLogger(l *slog.Logger) SubscriberOption {
	return func(s *BusSubscriber) {
		s.log = l
	}
}

// WithStreamHub publishes every persisted measurement to the hub so live
// websocket clients see it as it lands.
func WithStreamHub(hub *StreamHub) SubscriberOption {
	return func(s *BusSubscriber) {
		s.hub = hub
	}
}

func NewBusSubscriber(url string, db *gorm.DB, opts ...SubscriberOption) *BusSubscriber {
	s := &BusSubscriber{
		url:   url,
		db:    db,
		retry: DefaultRetryConfig(),
		log:   slog.Default().With("component", "bus_subscriber"),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start connects to the bus and subscribes to both telemetry topics. With
// RetryOnFailedConnect the initial connect may still be in flight when Start
// returns; subscriptions are queued and replayed once the connection is up.
func (s *BusSubscriber) Start() error {
	s.setState(StateConnecting)

	conn, err := nats.Connect(s.url,
		nats.Name("drucklogger-ingest"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return calculateBackoff(attempts, s.retry)
		}),
		nats.ConnectHandler(func(nc *nats.Conn) {
			s.setState(StateSubscribed)
			s.log.Info("connected to bus", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.setState(StateConnecting)
			s.log.Warn("disconnected from bus", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			busReconnects.Inc()
			s.setState(StateSubscribed)
			s.log.Info("reconnected to bus", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			s.markClosed()
		}),
	)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}
	s.conn = conn

	for _, topic := range []string{TopicStatus, TopicMeasurement} {
		sub, err := conn.Subscribe(topic, func(m *nats.Msg) {
			s.dispatch(m.Subject, m.Data)
		})
		if err != nil {
			conn.Close()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	s.log.Info("subscribed to topics", "topics", []string{TopicStatus, TopicMeasurement})

	if conn.IsConnected() {
		s.setState(StateSubscribed)
	}
	return nil
}

// Close unsubscribes, drains in-flight deliveries and closes the connection.
func (s *BusSubscriber) Close() {
	if s.conn == nil {
		s.setState(StateDisconnected)
		return
	}
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.log.Warn("unsubscribe failed", "error", err)
		}
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		s.log.Warn("bus drain timed out, forcing close")
		s.conn.Close()
	}
}

// markClosed records the terminal connection state. The closed callback can
// fire more than once across forced closes, and done must only ever be
// closed once.
func (s *BusSubscriber) markClosed() {
	s.setState(StateDisconnected)
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *BusSubscriber) State() SubscriberState {
	return SubscriberState(s.state.Load())
}

func (s *BusSubscriber) IsConnected() bool {
	return s.State() == StateSubscribed
}

func (s *BusSubscriber) setState(state SubscriberState) {
	s.state.Store(int32(state))
}

// dispatch is the boundary between the bus client's delivery goroutine and
// the ingestion pipeline. Nothing escapes it: validation failures are logged
// and dropped, persistence failures roll back and are logged, panics are
// recovered. One bad message must not stop ingestion of the next.
func (s *BusSubscriber) dispatch(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			messagesFailed.WithLabelValues(topic).Inc()
			s.log.Error("panic while handling message", "topic", topic, "panic", r)
		}
	}()

	messagesReceived.WithLabelValues(topic).Inc()

	if err := s.handleMessage(context.Background(), topic, payload); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			messagesRejected.WithLabelValues(topic).Inc()
			s.log.Warn("rejected message", "topic", verr.Topic, "field", verr.Field, "reason", verr.Reason)
			return
		}
		messagesFailed.WithLabelValues(topic).Inc()
		s.log.Error("failed to persist message", "topic", topic, "error", err)
	}
}

// handleMessage validates the payload and runs the matching pipeline inside
// a fresh transaction scope.
func (s *BusSubscriber) handleMessage(ctx context.Context, topic string, payload []byte) error {
	reading, err := ParseMessage(topic, payload)
	if err != nil {
		return err
	}
	for _, w := range reading.Warnings {
		s.log.Warn("message concern", "topic", topic, "concern", w)
	}

	var persisted *Measurement
	err = RunInScope(ctx, s.db, func(tx *gorm.DB) error {
		switch {
		case reading.Status != nil:
			st := reading.Status
			sensor, err := NewSensorDirectory(tx).ApplyStatus(st.MAC, st.Battery, st.Latitude, st.Longitude)
			if err != nil {
				return err
			}
			s.log.Debug("applied status", "mac", st.MAC, "sensor", sensor.UUID)
			return nil
		case reading.Measurement != nil:
			m := reading.Measurement
			rec, err := NewMeasurementRecorder(tx).Record(m.MAC, m.Pressure, m.Timestamp)
			if err != nil {
				return err
			}
			persisted = rec
			measurementsPersisted.Inc()
			s.log.Debug("recorded measurement", "mac", m.MAC, "pressure", m.Pressure)
			return nil
		default:
			return nil
		}
	})
	if err != nil {
		return err
	}

	// Broadcast only after the scope committed; streaming clients must never
	// see a measurement that was rolled back.
	if s.hub != nil && persisted != nil {
		s.hub.Broadcast(newStreamEvent(eventMeasurement, persisted))
	}
	return nil
}
