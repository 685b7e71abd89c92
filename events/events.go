// Package events publishes workflow step events to subscribers outside the
// process.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sweetpotato0/conditions-agent/pkg/logging"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "conditions.workflow"

// Event is one completed step of a run.
type Event struct {
	ExecutionID string    `json:"execution_id"`
	Workflow    string    `json:"workflow"`
	Step        string    `json:"step_name"`
	Stage       string    `json:"stage"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Error       string    `json:"error,omitempty"`
	State       any       `json:"state_snapshot,omitempty"`
}

// Publisher delivers step events.
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, *Event) error { return nil }
func (Nop) Close() error { return nil }

// Conn is the subset of *nats.Conn used by NATSPublisher.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes each event on <prefix>.<execution_id>.<step>.
type NATSPublisher struct {
	conn   Conn
	prefix string
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(conn Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// ConnectNATS dials url and returns a publisher owning the connection.
func ConnectNATS(url, prefix string) (*NATSPublisher, error) {
	logger := logging.WithComponent("events")
	conn, err := nats.Connect(url,
		nats.Name("conditions-agent"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewNATSPublisher(conn, prefix), nil
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(e *Event) string {
	return p.prefix + "." + token(e.ExecutionID) + "." + token(e.Step)
}

// Publish marshals e and publishes it.
func (p *NATSPublisher) Publish(_ context.Context, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(e), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
