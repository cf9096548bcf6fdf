// Package notify provides engine.NotificationSink implementations. The
// engine persists every notification with its financial write; sinks only
// deliver the committed copy.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/warp/operation-ledger/engine"
)

// LogSink writes notifications to the structured log.
type LogSink struct {
	logger arbor.ILogger
}

func NewLogSink(logger arbor.ILogger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, n engine.Notification) error {
	event := s.logger.Info()
	if n.Severity == engine.SeverityHigh || n.Severity == engine.SeverityWarning {
		event = s.logger.Warn()
	}
	event.
		Str("notification_id", n.ID).
		Str("account_id", string(n.AccountID)).
		Str("severity", string(n.Severity)).
		Str("title", n.Title).
		Str("link", n.Link).
		Msg(n.Message)
	return nil
}

// FanOut delivers to every sink and joins their errors.
type FanOut []engine.NotificationSink

func (f FanOut) Notify(ctx context.Context, n engine.Notification) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps delivered notifications in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []engine.Notification
}

func (r *Recorder) Notify(_ context.Context, n engine.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of everything delivered so far.
func (r *Recorder) Sent() []engine.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Notification(nil), r.sent...)
}
