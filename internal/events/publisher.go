package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectSettled       = "payout.settled"
	SubjectIndeterminate = "payout.indeterminate"
	SubjectDesync        = "payout.desync"
	SubjectMismatch      = "reconcile.mismatch"
)

// Event is a payout lifecycle notification for downstream consumers.
type Event struct {
	Subject      string    `json:"subject"`
	WithdrawalID string    `json:"withdrawalId,omitempty"`
	TxHash       string    `json:"txHash,omitempty"`
	ExplorerURL  string    `json:"explorerUrl,omitempty"`
	Source       string    `json:"source,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// LogPublisher writes events to the structured log only.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("subject", ev.Subject),
		zap.String("withdrawal_id", ev.WithdrawalID),
		zap.String("tx_hash", ev.TxHash),
		zap.String("explorer_url", ev.ExplorerURL),
		zap.String("source", ev.Source),
		zap.String("detail", ev.Detail),
	}
	switch ev.Subject {
	case SubjectDesync:
		p.log.Error("payout event", fields...)
	case SubjectIndeterminate, SubjectMismatch:
		p.log.Warn("payout event", fields...)
	default:
		p.log.Info("payout event", fields...)
	}
	return nil
}

// NATSPublisher publishes events as JSON on core NATS subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSPublisher(url, prefix string, timeout time.Duration) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("payoutdesk"),
		nats.Timeout(timeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.prefix+ev.Subject, data)
}

func (p *NATSPublisher) Close() {
	p.conn.Close()
}
