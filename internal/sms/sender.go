package sms

import (
	"context"
	"log/slog"
)

// LogSender writes messages to the log instead of a carrier.
type LogSender struct {
	Logger *slog.Logger
}

// Send implements Sender.
func (s LogSender) Send(_ context.Context, senderID, phone, body string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("sms sent",
		slog.String("sender_id", senderID),
		slog.String("phone", phone),
		slog.Int("segments", Segments(body)),
	)
	return nil
}
