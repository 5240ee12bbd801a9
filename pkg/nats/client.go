// Package nats relays core bus events onto NATS JetStream so downstream
// consumers (blotters, risk dashboards, reconciliation jobs) can follow the
// trade lifecycle without linking against the core. The relay is outbound
// only: the core never takes commands off the wire.
package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Config holds the connection and stream layout.
type Config struct {
	URL     string
	Name    string
	Streams []StreamConfig
}

// StreamConfig defines one JetStream stream the relay publishes into.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	MaxMsgs  int64
}

// DefaultStreams returns the stream layout covering every relayed subject.
func DefaultStreams() []StreamConfig {
	streams := make([]StreamConfig, 0, 5)
	for _, name := range []string{
		StreamOrders, StreamExecutions, StreamSettlements, StreamAnalytics, StreamSystem,
	} {
		streams = append(streams, StreamConfig{
			Name:     name,
			Subjects: StreamSubjects(name),
			MaxAge:   7 * 24 * time.Hour,
			MaxMsgs:  1_000_000,
		})
	}
	return streams
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "fxcore"
	}
	if len(c.Streams) == 0 {
		c.Streams = DefaultStreams()
	}
	return c
}

// Client wraps the NATS connection and its JetStream context.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Entry
}

// NewClient connects, creates the JetStream context and ensures the
// configured streams exist.
func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	logger := logrus.WithField("component", "nats")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.WithError(err).Error("nats async error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	c := &Client{conn: conn, js: js, logger: logger}
	if err := c.ensureStreams(cfg.Streams); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) ensureStreams(streams []StreamConfig) error {
	for _, sc := range streams {
		cfg := &nats.StreamConfig{
			Name:      sc.Name,
			Subjects:  sc.Subjects,
			Retention: nats.LimitsPolicy,
			MaxAge:    sc.MaxAge,
			MaxMsgs:   sc.MaxMsgs,
			Storage:   nats.FileStorage,
			Replicas:  1,
		}
		if _, err := c.js.StreamInfo(sc.Name); err == nil {
			if _, err := c.js.UpdateStream(cfg); err != nil {
				return fmt.Errorf("update stream %s: %w", sc.Name, err)
			}
			c.logger.WithField("stream", sc.Name).Debug("updated stream")
			continue
		}
		if _, err := c.js.AddStream(cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", sc.Name, err)
		}
		c.logger.WithField("stream", sc.Name).Info("created stream")
	}
	return nil
}

// Publish writes one message to a subject through JetStream.
func (c *Client) Publish(subject string, data []byte) error {
	if _, err := c.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Connected reports whether the underlying connection is up. Reconnects are
// handled by the client; this is a health probe, not a gate.
func (c *Client) Connected() bool {
	return c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// Close drains pending publishes and closes the connection.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}
