package notify

import (
	"context"
	"fmt"
	"log/slog"
	"nextcloud-notifier/pkg/notifier"
	"strings"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Mail sends each batch of events as one HTML email.
type Mail struct {
	provider Provider
	logger   *slog.Logger
	to       string
}

// NewMail creates a mail sink delivering to the given address.
func NewMail(provider Provider, to string, logger *slog.Logger) *Mail {
	return &Mail{
		provider: provider,
		logger:   logger,
		to:       to,
	}
}

// Send renders the batch and hands it to the provider.
func (m *Mail) Send(ctx context.Context, events []*notifier.Event) error {
	if len(events) == 0 {
		return nil
	}

	subject := mailSubject(events)
	body := formatMailBody(events)

	m.logger.Info("Sending notification email",
		"to", m.to,
		"subject", subject,
		"event_count", len(events))

	if err := m.provider.Send(ctx, m.to, subject, body); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func mailSubject(events []*notifier.Event) string {
	if len(events) == 1 {
		return Describe(events[0], func(text, _ string) string { return text })
	}
	return fmt.Sprintf("%d file changes in Nextcloud", len(events))
}

func formatMailBody(events []*notifier.Event) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".event { margin-bottom: 20px; padding: 10px 15px; border-left: 4px solid #0082c9; }\n")
	b.WriteString(".timestamp { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString(".fields { margin-top: 6px; font-size: 0.9em; color: #555; }\n")
	b.WriteString(".fields td { padding-right: 12px; }\n")
	b.WriteString("a { color: #0082c9; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".timestamp, .fields { color: #a0a0a0; }\n")
	b.WriteString("a { color: #4fb3e8; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	for _, ev := range events {
		b.WriteString(fmt.Sprintf("<div class=\"event\" style=\"border-left-color: #%06x;\">\n", Color(ev.Action)))
		b.WriteString(fmt.Sprintf("<div class=\"description\">%s</div>\n", describeHTML(ev)))
		if !ev.CreatedAt.IsZero() {
			b.WriteString(fmt.Sprintf("<div class=\"timestamp\">%s UTC</div>\n", ev.CreatedAt.UTC().Format("Jan 2, 2006 at 3:04 PM")))
		}
		if len(ev.Fields) > 0 {
			b.WriteString("<table class=\"fields\">\n")
			for _, f := range ev.Fields {
				b.WriteString(fmt.Sprintf("<tr><td><strong>%s</strong></td><td>%s</td></tr>\n", escapeHTML(f.Name), escapeHTML(f.Value)))
			}
			b.WriteString("</table>\n")
		}
		b.WriteString("</div>\n")
	}

	b.WriteString("</body>\n</html>")
	return b.String()
}

// describeHTML escapes the actor on a copy since Describe interpolates it verbatim.
func describeHTML(ev *notifier.Event) string {
	escaped := *ev
	escaped.User = escapeHTML(ev.User)
	escaped.DisplayName = escapeHTML(ev.DisplayName)
	return Describe(&escaped, HTMLLink)
}

