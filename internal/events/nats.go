package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// publisher is the subset of *nats.Conn used by NATSSink.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events as JSON on "<prefix>.<image>.<instance>".
type NATSSink struct {
	conn   publisher
	nc     *nats.Conn
	prefix string
}

// Compile-time check.
var _ Sink = (*NATSSink)(nil)

// NewNATSSink connects to url and reconnects forever on disconnect.
func NewNATSSink(url, prefix string, logger *slog.Logger) (*NATSSink, error) {
	opts := []nats.Option{
		nats.Name("agentpool"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	s := newNATSSink(nc, prefix)
	s.nc = nc
	return s, nil
}

func newNATSSink(conn publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "agentpool"
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(ev Event) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, ev.Image, ev.Instance)
}

// Publish encodes ev and hands it to the NATS connection.
func (s *NATSSink) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(ev), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", s.Subject(ev), err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (s *NATSSink) Close() error {
	if s.nc == nil {
		return nil
	}
	err := s.nc.Drain()
	s.nc.Close()
	return err
}
