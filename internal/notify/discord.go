package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"geohub/attendance/internal/attendance"
)

// Discord posts events to a channel webhook for staff.
type Discord struct {
	send func(ctx context.Context, content string) error
}

// discordTimeout bounds a webhook call when the caller's context has no deadline.
const discordTimeout = 10 * time.Second

func NewDiscord(webhookID, token string) (*Discord, error) {
	if strings.TrimSpace(webhookID) == "" || strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("discord webhook id and token are required")
	}
	// Webhook execution needs no bot token.
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("error creating Discord session: %w", err)
	}
	session.Client = &http.Client{Timeout: discordTimeout}
	return &Discord{
		send: func(ctx context.Context, content string) error {
			_, err := session.WebhookExecute(webhookID, token, false, &discordgo.WebhookParams{
				Content: content,
			}, discordgo.WithContext(ctx))
			return err
		},
	}, nil
}

func (d *Discord) Notify(ctx context.Context, event attendance.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.send(ctx, formatDiscord(event)); err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}

func formatDiscord(event attendance.Event) string {
	var label string
	switch event.Type {
	case attendance.EventLateLimitReached:
		label = ":warning: Weekly late limit reached"
	case attendance.EventCheckoutReminder:
		label = ":alarm_clock: Check-out reminder"
	default:
		label = string(event.Type)
	}
	return fmt.Sprintf("**%s** (%s)\n%s", label, event.Date, event.Message)
}
