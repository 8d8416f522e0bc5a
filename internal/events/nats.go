// Package events broadcasts task lifecycle transitions over NATS so
// external observers can follow task history without polling the backend.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/genomehub/wdlbatch/internal/models"
)

// Publisher is the surface the runner reports transitions to. A nil
// Publisher is valid and means events are disabled.
type Publisher interface {
	PublishTaskStatus(update *models.TaskStatusUpdate) error
	Close()
}

// Options configures the NATS publisher.
type Options struct {
	URL            string
	SubjectPrefix  string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
}

// NATSPublisher publishes status updates to <prefix>.<task-name>.
type NATSPublisher struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewNATSPublisher connects to NATS with reconnect handling.
func NewNATSPublisher(opts Options, logger *zap.Logger) (*NATSPublisher, error) {
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "wdlbatch.tasks"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 3 * time.Second
	}

	nc, err := nats.Connect(
		opts.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.Timeout(opts.ConnectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", opts.URL, err)
	}
	logger.Info("Connected to NATS for task status events", zap.String("url", opts.URL), zap.String("subject_prefix", opts.SubjectPrefix))

	return &NATSPublisher{
		nc:      nc,
		prefix:  opts.SubjectPrefix,
		timeout: opts.ConnectTimeout,
		logger:  logger.Named("events"),
	}, nil
}

// PublishTaskStatus sends one update. Publishing is advisory: the runner
// logs failures but never blocks task progress on them.
func (p *NATSPublisher) PublishTaskStatus(update *models.TaskStatusUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal status update: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", p.prefix, sanitizeSubject(update.TaskName))
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish status update to %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("Error draining NATS connection", zap.Error(err))
	}
	p.nc.Close()
}

// sanitizeSubject replaces the characters NATS reserves in subjects.
func sanitizeSubject(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch r {
		case '.', '*', '>', ' ':
			out[i] = '_'
		}
	}
	return string(out)
}
