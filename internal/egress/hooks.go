package egress

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/egress-gateway/internal/core/domain"
)

func (c *Client) defaultLogException(ctx context.Context, err error, extra map[string]any) {
	attrs := []any{slog.String("error", err.Error())}
	if kind, ok := domain.KindOf(err); ok {
		attrs = append(attrs, slog.String("kind", string(kind)))
	}
	for k, v := range extra {
		attrs = append(attrs, slog.Any(k, v))
	}
	c.logger.ErrorContext(ctx, "egress: request failed", attrs...)
}

func (c *Client) defaultLogSilentMode(ctx context.Context, message, method string) {
	c.logger.WarnContext(ctx, message,
		slog.String("method", method),
		slog.Bool("silent_mode_enabled", true))
}

func (c *Client) auditFailure(ctx context.Context, kind domain.AuditEventKind, method, rawURL string, err error, extra map[string]any) {
	event := &domain.AuditEvent{
		Kind:    kind,
		Method:  method,
		URL:     redactURL(rawURL),
		Message: err.Error(),
		Extra:   extra,
	}
	var gerr *domain.Error
	if errors.As(err, &gerr) {
		event.ErrorKind = gerr.Kind
		event.Message = gerr.Message
	}
	c.publish(ctx, event)
}

func (c *Client) publish(ctx context.Context, event *domain.AuditEvent) {
	if c.events == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if err := c.events.Publish(ctx, event); err != nil {
		c.logger.WarnContext(ctx, "failed to publish audit event",
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()))
	}
}

func (c *Client) logResponseSize(ctx context.Context, rawURL string, size int64) {
	threshold := c.settings.LogResponseSizeThreshold
	if threshold <= 0 || size <= threshold {
		return
	}
	c.logger.DebugContext(ctx, "egress: response size",
		slog.Int64("size", size),
		slog.String("url", redactURL(rawURL)))
}

// redactURL drops credentials and the query string, which commonly carry secrets.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
