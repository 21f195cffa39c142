// Package notify is the outbound boundary for security notifications.
//
// Delivery infrastructure lives behind the Mailer interface; this package
// ships only a structured-log implementation.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Templates for security-relevant notifications.
const (
	TemplateNewDeviceSignIn  = "new_device_signin"
	TemplateProviderLinked   = "provider_linked"
	TemplateProviderUnlinked = "provider_unlinked"
	TemplateTwoFactorEnabled = "two_factor_enabled"
)

// Message is one notification to a user.
type Message struct {
	To       string
	Subject  string
	Template string
	Data     map[string]string
}

// Mailer delivers security notifications.
type Mailer interface {
	Send(ctx context.Context, message Message) error
}

// LogMailer writes notifications to the structured log instead of a
// delivery provider.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a log-backed mailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

// Send logs the message.
func (m *LogMailer) Send(ctx context.Context, message Message) error {
	fields := []zap.Field{
		zap.String("to", message.To),
		zap.String("subject", message.Subject),
		zap.String("template", message.Template),
	}
	for key, value := range message.Data {
		fields = append(fields, zap.String("data_"+key, value))
	}
	m.logger.Info("security notification", fields...)
	return nil
}

var _ Mailer = (*LogMailer)(nil)
