package process

import (
	"context"
	"log/slog"
)

// NotifyAdapter logs notifications via slog. Desktop notification center
// integration is out of scope; operators wanting a real channel (Slack,
// pager, email) wire it in by swapping this adapter at daemon boot.
type NotifyAdapter struct {
	Logger *slog.Logger
}

// NewNotifyAdapter returns a NotifyAdapter logging through logger.
func NewNotifyAdapter(logger *slog.Logger) *NotifyAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyAdapter{Logger: logger}
}

func (n *NotifyAdapter) Notify(_ context.Context, title, body, level string) error {
	attrs := []any{slog.String("title", title), slog.String("body", body)}
	switch level {
	case "error":
		n.Logger.Error("notify", attrs...)
	case "warn":
		n.Logger.Warn("notify", attrs...)
	default:
		n.Logger.Info("notify", attrs...)
	}
	return nil
}
