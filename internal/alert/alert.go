// Package alert sends operator notifications about jobs that failed for good
// and reservations the reconciler had to refund.
package alert

import (
	"context"
	"errors"
	"fmt"

	"github.com/stylelicense/jobyard/internal/config"
	"go.uber.org/zap"
)

// Severity levels map to attachment and embed colors.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Field is a short key/value pair rendered next to the body.
type Field struct {
	Name  string
	Value string
}

// Event is one operator-facing notification.
type Event struct {
	Title    string
	Body     string
	Severity string
	Fields   []Field
}

// Notifier delivers events to an operator channel.
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds a notifier for each configured destination. It returns
// Nop when none is configured.
func FromConfig(cfg config.AlertsConfig) (Notifier, error) {
	var out Multi
	if cfg.Slack.BotToken != "" {
		s, err := NewSlack(SlackOpts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if cfg.Discord.BotToken != "" {
		d, err := NewDiscord(DiscordOpts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Discord.ChannelID})
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	switch len(out) {
	case 0:
		return Nop{}, nil
	case 1:
		return out[0], nil
	}
	return out, nil
}

// Send notifies n and logs instead of returning a failure. Alerting never
// changes the outcome of the operation that raised it.
func Send(ctx context.Context, n Notifier, log *zap.Logger, evt Event) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, evt); err != nil {
		log.Warn("alert not delivered", zap.String("title", evt.Title), zap.Error(err))
	}
}

func color(severity string) string {
	switch severity {
	case SeverityError:
		return "#d93025"
	case SeverityWarning:
		return "#f9ab00"
	default:
		return "#1a73e8"
	}
}

func requireChannel(service, channelID string) error {
	if channelID == "" {
		return fmt.Errorf("%s: channel id is required", service)
	}
	return nil
}
