package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/skridofly/stump-offline/internal/progresssync"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// SyncFailureMessage renders the servers of a sync run that failed, or ""
// when every server synced cleanly.
func SyncFailureMessage(report *progresssync.Report) string {
	var lines []string

	for _, s := range report.Servers {
		if s.Err == nil {
			continue
		}

		lines = append(lines, fmt.Sprintf("- **%s**: %s (%d pending)", s.ServerID, s.Err, s.Pending))
	}

	if len(lines) == 0 {
		return ""
	}

	return fmt.Sprintf("Reading progress sync `%s` failed for %d server(s):\n%s",
		report.RunID, len(lines), strings.Join(lines, "\n"))
}
