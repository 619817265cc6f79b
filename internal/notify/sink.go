package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/xtrntr/matchbook/internal/logging"
)

// Sink delivers envelopes to one transport
type Sink interface {
	Name() string
	Send(ctx context.Context, env Envelope) error
	Close() error
}

// LogSink writes every envelope to the debug log
type LogSink struct {
	log *logging.Logger
}

func NewLogSink(log *logging.Logger) *LogSink {
	return &LogSink{log: log.Named("events")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, env Envelope) error {
	s.log.Debug("event",
		zap.String("id", env.ID),
		zap.String("event", env.Event),
		zap.String("channel", env.Channel),
		zap.ByteString("data", env.Data),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }
