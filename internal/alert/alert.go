// Package alert raises operator alerts for fund-at-risk conditions.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/whalevault/relay/internal/queue"
)

var ErrInvalidConfig = errors.New("alert: invalid config")

// Severity buckets operator alerts.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one operator alert. Fields carries enough context to locate
// stranded custodial funds.
type Event struct {
	Kind      string
	Severity  Severity
	Message   string
	Recipient string
	Fields    map[string]string
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.Kind) == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidConfig)
	}
	if e.Severity != SeverityWarning && e.Severity != SeverityCritical {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidConfig, e.Severity)
	}
	return nil
}

type Alerter interface {
	Raise(ctx context.Context, ev Event) error
}

// QueueAlerter publishes relay.alert.v1 events to the operator topic.
type QueueAlerter struct {
	producer queue.Producer
	topic    string
	nowFn    func() time.Time
	log      *slog.Logger
}

func NewQueueAlerter(producer queue.Producer, topic string, nowFn func() time.Time, log *slog.Logger) (*QueueAlerter, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &QueueAlerter{
		producer: producer,
		topic:    strings.TrimSpace(topic),
		nowFn:    nowFn,
		log:      log,
	}, nil
}

func (a *QueueAlerter) Raise(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(struct {
		Version   string            `json:"version"`
		Kind      string            `json:"kind"`
		Severity  string            `json:"severity"`
		Message   string            `json:"message,omitempty"`
		Recipient string            `json:"recipient,omitempty"`
		Fields    map[string]string `json:"fields,omitempty"`
		RaisedAt  string            `json:"raised_at"`
	}{
		Version:   "relay.alert.v1",
		Kind:      strings.TrimSpace(ev.Kind),
		Severity:  string(ev.Severity),
		Message:   strings.TrimSpace(ev.Message),
		Recipient: strings.TrimSpace(ev.Recipient),
		Fields:    ev.Fields,
		RaisedAt:  a.nowFn().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("alert: encode event: %w", err)
	}
	if err := a.producer.Publish(ctx, a.topic, payload); err != nil {
		return fmt.Errorf("alert: publish event: %w", err)
	}
	a.log.Warn("operator alert raised", "kind", ev.Kind, "severity", ev.Severity, "recipient", ev.Recipient)
	return nil
}

// Noop drops alerts. For tests and local runs.
type Noop struct{}

func (Noop) Raise(context.Context, Event) error { return nil }
