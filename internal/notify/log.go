package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogChannel writes notifications to the service log. It stands in for
// provider-backed channels (email, chat, sms) in deployments that have not
// wired a real provider; the log line carries everything an operator needs
// to follow up by hand.
type LogChannel struct {
	kind Kind
	log  zerolog.Logger
}

func NewLogChannel(kind Kind, log zerolog.Logger) *LogChannel {
	return &LogChannel{kind: kind, log: log}
}

func (c *LogChannel) Kind() Kind { return c.kind }

func (c *LogChannel) Send(_ context.Context, n Notification) error {
	evt := c.log.Info()
	switch n.Severity {
	case SeverityCritical:
		evt = c.log.Error()
	case SeverityWarning:
		evt = c.log.Warn()
	}
	evt.Str("channel", string(c.kind)).
		Str("notification_id", n.ID).
		Str("subject", n.Subject).
		Strs("recipients", n.Recipients).
		Msg(n.Body)
	return nil
}
